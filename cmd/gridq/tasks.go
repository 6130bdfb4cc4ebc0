package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	taskdomain "gridq/internal/domain/task"
	"gridq/internal/shared/logging"
)

func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and manage queue rows",
	}
	cmd.AddCommand(
		newTasksListCmd(),
		newTasksGetCmd(),
		newTasksCancelCmd(),
		newTasksDeleteRunCmd(),
		newTasksStatsCmd(),
		newTasksDumpCmd(),
	)
	return cmd
}

// withStore handles the env-load/connect/close boilerplate shared by every
// tasks subcommand.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, s taskdomain.Store) error) error {
	cfg, err := loadEnv()
	if err != nil {
		return fail("%v", err)
	}
	logger := logging.NewComponentLogger("tasks")
	ctx := cmd.Context()
	taskStore, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fail("%v", err)
	}
	defer closeStore()
	return fn(ctx, taskStore)
}

func newTasksListCmd() *cobra.Command {
	var (
		status   string
		taskType string
		runID    string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, s taskdomain.Store) error {
				filter := taskdomain.Filter{TaskType: taskType, RunID: runID, Limit: limit}
				if status != "" {
					parsed, err := taskdomain.ParseStatus(status)
					if err != nil {
						return fail("%v", err)
					}
					filter.Status = parsed
				}

				tasks, err := s.List(ctx, filter)
				if err != nil {
					return fail("list: %v", err)
				}
				if len(tasks) == 0 {
					fmt.Println(gray("no tasks"))
					return nil
				}

				fmt.Printf("%-36s  %-24s  %-8s  %4s  %7s  %s\n",
					bold("ID"), bold("TYPE"), bold("STATUS"), bold("PRI"), bold("ATT"), bold("AGE"))
				for _, t := range tasks {
					fmt.Printf("%-36s  %-24s  %-8s  %4d  %3d/%-3d  %s\n",
						t.ID, t.TaskType, colorStatus(t.Status), t.Priority,
						t.Attempts, t.MaxAttempts,
						time.Since(t.CreatedAt).Round(time.Second))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&taskType, "type", "", "filter by task type")
	cmd.Flags().StringVar(&runID, "run-id", "", "filter by run id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func colorStatus(s taskdomain.Status) string {
	switch s {
	case taskdomain.StatusDone:
		return green(string(s))
	case taskdomain.StatusFailed:
		return red(string(s))
	case taskdomain.StatusCanceled:
		return gray(string(s))
	case taskdomain.StatusRunning, taskdomain.StatusLeased:
		return cyan(string(s))
	default:
		return yellow(string(s))
	}
}

func newTasksGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show one task row in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, s taskdomain.Store) error {
				task, err := s.Get(ctx, args[0])
				if errors.Is(err, taskdomain.ErrNotFound) {
					return fail("task %s not found", args[0])
				}
				if err != nil {
					return fail("get: %v", err)
				}
				data, err := json.MarshalIndent(task, "", "  ")
				if err != nil {
					return fail("encode: %v", err)
				}
				fmt.Println(string(data))
				return nil
			})
		},
	}
}

func newTasksCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a non-terminal task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, s taskdomain.Store) error {
				task, err := s.Cancel(ctx, args[0])
				if errors.Is(err, taskdomain.ErrNotFound) {
					return fail("task %s not found", args[0])
				}
				if errors.Is(err, taskdomain.ErrConflict) {
					return fail("task %s is already terminal", args[0])
				}
				if err != nil {
					return fail("cancel: %v", err)
				}
				fmt.Printf("%s %s\n", green("canceled"), task.ID)
				return nil
			})
		},
	}
}

func newTasksDeleteRunCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete-run <run-id>",
		Short: "Delete every task in a run batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]
			if !yes {
				if !isTTY() {
					return fail("refusing to delete run %s without --yes in a non-interactive session", runID)
				}
				prompt := promptui.Prompt{
					Label:     fmt.Sprintf("Delete all tasks in run %s", runID),
					IsConfirm: true,
				}
				if _, err := prompt.Run(); err != nil {
					fmt.Println(gray("aborted"))
					return nil
				}
			}

			return withStore(cmd, func(ctx context.Context, s taskdomain.Store) error {
				deleted, err := s.DeleteByRunID(ctx, runID)
				if err != nil {
					return fail("delete run: %v", err)
				}
				fmt.Printf("%s %d tasks from run %s\n", green("deleted"), deleted, bold(runID))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "skip the confirmation prompt")
	return cmd
}

func newTasksStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show row counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, s taskdomain.Store) error {
				counts, err := s.CountByStatus(ctx)
				if err != nil {
					return fail("stats: %v", err)
				}
				total := 0
				for _, status := range taskdomain.AllStatuses() {
					fmt.Printf("%-10s %d\n", colorStatus(status), counts[status])
					total += counts[status]
				}
				fmt.Printf("%-10s %d\n", bold("total"), total)
				return nil
			})
		},
	}
}

func newTasksDumpCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Write all rows to a timestamped JSON snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, s taskdomain.Store) error {
				tasks, err := s.List(ctx, taskdomain.Filter{Limit: limit})
				if err != nil {
					return fail("list: %v", err)
				}
				data, err := json.MarshalIndent(tasks, "", "  ")
				if err != nil {
					return fail("encode: %v", err)
				}
				path := fmt.Sprintf("tasks_dump_%s.json", time.Now().UTC().Format("20060102T150405Z"))
				if err := os.WriteFile(path, data, 0o644); err != nil {
					return fail("write %s: %v", path, err)
				}
				fmt.Printf("%s %d tasks to %s\n", green("dumped"), len(tasks), bold(path))
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10000, "maximum rows in the snapshot")
	return cmd
}
