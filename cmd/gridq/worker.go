package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"gridq/internal/backend"
	"gridq/internal/shared/logging"
	"gridq/internal/worker"
)

func newWorkerCmd() *cobra.Command {
	var taskFile string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Execute one task file and post the signed result",
		Long: `Runs a single task document through the local executor registry and
POSTs the signed result envelope to $RESULT_BASE_URL/v1/task-result.
This is the process the slurm submission script starts on the compute
node; it exits non-zero only when the envelope cannot be delivered.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadEnv()
			if err != nil {
				return fail("%v", err)
			}
			if err := cfg.RequireResultEndpoint(); err != nil {
				return fail("%v", err)
			}

			tf, err := worker.LoadTaskFile(taskFile)
			if err != nil {
				return fail("%v", err)
			}

			logger := logging.NewQueueLogger("worker")
			client := worker.NewResultClient(cfg.ResultURL(), cfg.ResultSecret, logger)
			runner := worker.NewRunner(backend.NewLocal(logger), client, logger)

			if err := runner.Run(cmd.Context(), tf); err != nil {
				return fail("%v", err)
			}
			fmt.Printf("%s task %s\n", green("reported"), tf.TaskID)
			return nil
		},
	}

	cmd.Flags().StringVar(&taskFile, "task-file", "", "path to the task JSON document (required)")
	_ = cmd.MarkFlagRequired("task-file")
	return cmd
}
