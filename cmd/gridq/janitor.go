package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"gridq/internal/infra/observability"
	"gridq/internal/janitor"
	"gridq/internal/shared/logging"
)

func newJanitorCmd() *cobra.Command {
	var (
		staleSeconds int
		apply        bool
	)

	cmd := &cobra.Command{
		Use:   "janitor",
		Short: "Requeue tasks with expired leases or silent heartbeats",
		Long: `Counts (default) or rescues (--apply) abandoned rows: leased rows whose
lease expired, and running rows whose heartbeat has been silent longer
than the staleness threshold. Typically run from cron.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadEnv()
			if err != nil {
				return fail("%v", err)
			}

			logger := logging.NewQueueLogger("janitor")
			ctx := cmd.Context()
			taskStore, closeStore, err := openStore(ctx, cfg, logger)
			if err != nil {
				return fail("%v", err)
			}
			defer closeStore()

			obs, err := observability.New("", logger)
			if err != nil {
				return fail("initialize observability: %v", err)
			}
			j := janitor.New(taskStore, staleSeconds, logger, obs.Metrics, obs.Tracer)

			if !apply {
				report, err := j.Count(ctx)
				if err != nil {
					return fail("%v", err)
				}
				fmt.Printf("%s %d expired leases, %d stale running rows\n",
					cyan("would requeue:"), report.ExpiredLeases, report.StaleRunning)
				if report.Total() > 0 {
					fmt.Println(gray("run again with --apply to requeue them"))
				}
				return nil
			}

			report, err := j.Sweep(ctx)
			if err != nil {
				return fail("%v", err)
			}
			fmt.Printf("%s %d rows (%d expired leases, %d stale running)\n",
				green("requeued"), report.Total(), report.ExpiredLeases, report.StaleRunning)
			return nil
		},
	}

	cmd.Flags().IntVar(&staleSeconds, "running-stale-seconds", janitor.DefaultRunningStaleSeconds,
		"heartbeat silence threshold for running rows")
	cmd.Flags().BoolVar(&apply, "apply", false, "actually requeue instead of counting")
	return cmd
}
