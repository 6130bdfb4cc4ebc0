package main

import (
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonrepair"
	"github.com/spf13/cobra"

	taskdomain "gridq/internal/domain/task"
	"gridq/internal/shared/logging"
)

func newEnqueueCmd() *cobra.Command {
	var (
		taskType      string
		payloadJSON   string
		n             int
		priority      int
		maxAttempts   int
		targetBackend string
		runID         string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Insert one queued task",
		Example: `  gridq enqueue --type demo_sleep --payload '{"sleep_s": 5}'
  gridq enqueue --type mols_search --payload '{"n":7,"k":2,"seed":1}' --priority 100 --target-backend slurm`,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(payloadJSON)
			if err != nil {
				return fail("%v", err)
			}

			cfg, err := loadEnv()
			if err != nil {
				return fail("%v", err)
			}
			logger := logging.NewComponentLogger("enqueue")
			ctx := cmd.Context()
			taskStore, closeStore, err := openStore(ctx, cfg, logger)
			if err != nil {
				return fail("%v", err)
			}
			defer closeStore()

			spec := taskdomain.Spec{
				TaskType:    taskType,
				Payload:     payload,
				N:           n,
				Priority:    priority,
				MaxAttempts: maxAttempts,
				RunID:       runID,
			}
			if targetBackend != "" {
				spec.TargetBackend = &targetBackend
			}

			task, err := taskStore.Enqueue(ctx, spec)
			if err != nil {
				return fail("enqueue: %v", err)
			}
			fmt.Printf("%s %s %s\n", green("enqueued"), bold(task.ID),
				gray(fmt.Sprintf("type=%s priority=%d", task.TaskType, task.Priority)))
			return nil
		},
	}

	cmd.Flags().StringVar(&taskType, "type", "", "task type (required)")
	cmd.Flags().StringVar(&payloadJSON, "payload", "{}", "payload JSON document")
	cmd.Flags().IntVar(&n, "n", 0, "problem size hint")
	cmd.Flags().IntVar(&priority, "priority", 0, "lease ordering key, higher first (default 100)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "retry budget (default 10)")
	cmd.Flags().StringVar(&targetBackend, "target-backend", "", "restrict leasing to one backend pool")
	cmd.Flags().StringVar(&runID, "run-id", "", "batch id grouping related tasks")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

// parsePayload decodes the payload flag, running it through jsonrepair when
// it is not strictly valid. Hand-typed payloads with single quotes or
// trailing commas are common enough to tolerate, loudly.
func parsePayload(raw string) (taskdomain.Document, error) {
	if raw == "" {
		return taskdomain.Document{}, nil
	}

	var payload taskdomain.Document
	if err := json.Unmarshal([]byte(raw), &payload); err == nil {
		return payload, nil
	}

	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil, fmt.Errorf("payload is not valid JSON and could not be repaired: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &payload); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	fmt.Printf("%s %s\n", yellow("payload repaired:"), gray(repaired))
	return payload, nil
}
