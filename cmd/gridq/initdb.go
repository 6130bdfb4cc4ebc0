package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	taskdomain "gridq/internal/domain/task"
	"gridq/internal/shared/logging"
)

func newInitDBCmd() *cobra.Command {
	var (
		seed  int
		runID string
	)

	cmd := &cobra.Command{
		Use:   "init-db",
		Short: "Create the schema, optionally seeding demo tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadEnv()
			if err != nil {
				return fail("%v", err)
			}

			logger := logging.NewComponentLogger("init-db")
			ctx := cmd.Context()
			taskStore, closeStore, err := openStore(ctx, cfg, logger)
			if err != nil {
				return fail("%v", err)
			}
			defer closeStore()

			if err := taskStore.EnsureSchema(ctx); err != nil {
				return fail("ensure schema: %v", err)
			}
			fmt.Println(green("schema ready"))

			if seed <= 0 {
				return nil
			}
			if runID == "" {
				runID = "seed-" + time.Now().UTC().Format("20060102-150405")
			}
			count, err := seedDemoTasks(ctx, taskStore, seed, runID)
			if err != nil {
				return fail("seed: %v", err)
			}
			fmt.Printf("%s %d tasks under run %s\n", green("seeded"), count, bold(runID))
			return nil
		},
	}

	cmd.Flags().IntVar(&seed, "seed", 0, "number of demo_sleep rows to enqueue (plus sample solver rows)")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id grouping the seeded batch (default seed-<timestamp>)")
	return cmd
}

// seedDemoTasks enqueues n demo_sleep rows plus a sample of solver workloads:
// latin-square completions at priority 50 and MOLS searches at priority 100,
// so a drained queue exercises the priority ordering.
func seedDemoTasks(ctx context.Context, s taskdomain.Store, n int, runID string) (int, error) {
	count := 0
	for i := 0; i < n; i++ {
		_, err := s.Enqueue(ctx, taskdomain.Spec{
			TaskType: "demo_sleep",
			Payload:  taskdomain.Document{"sleep_s": 1 + i%3, "seq": i},
			RunID:    runID,
		})
		if err != nil {
			return count, err
		}
		count++
	}

	for _, order := range []int{5, 6, 7} {
		_, err := s.Enqueue(ctx, taskdomain.Spec{
			TaskType: "latin_square_from_prefix",
			N:        order,
			Priority: 50,
			Payload: taskdomain.Document{
				"n":             order,
				"prefix_format": "dense",
				"prefix":        firstRowPrefix(order),
				"constraints": taskdomain.Document{
					"latin": true,
					"symmetry_breaking": taskdomain.Document{
						"fix_first_row": true,
					},
				},
				"budget": taskdomain.Document{"max_nodes": 2000000, "time_limit_sec": 60},
				"seed":   int64(order),
			},
			RunID: runID,
		})
		if err != nil {
			return count, err
		}
		count++
	}

	for _, order := range []int{5, 7, 8} {
		_, err := s.Enqueue(ctx, taskdomain.Spec{
			TaskType: "mols_search",
			N:        order,
			Priority: 100,
			Payload: taskdomain.Document{
				"n":      order,
				"k":      2,
				"method": "stochastic_swap",
				"budget": taskdomain.Document{"max_steps": 500000, "time_limit_sec": 120},
				"seed":   int64(uuid.New().ID()),
				"output": taskdomain.Document{"return_squares": order <= 8},
			},
			RunID: runID,
		})
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// firstRowPrefix builds an n x n prefix with the first row fixed to the
// identity permutation 0..n-1 and every other cell unspecified.
func firstRowPrefix(n int) []any {
	rows := make([]any, n)
	first := make([]any, n)
	for j := 0; j < n; j++ {
		first[j] = j
	}
	rows[0] = first
	for i := 1; i < n; i++ {
		row := make([]any, n)
		for j := 0; j < n; j++ {
			row[j] = nil
		}
		rows[i] = row
	}
	return rows
}
