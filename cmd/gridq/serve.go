package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"gridq/internal/infra/observability"
	"gridq/internal/ingest"
	"gridq/internal/shared/logging"
)

func newServeCmd() *cobra.Command {
	var (
		listenAddr string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the result ingest and admin HTTP server",
		Long: `Runs the callback ingest workers post signed result envelopes to,
plus the token-gated admin API and the Prometheus metrics endpoint.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadEnv()
			if err != nil {
				return fail("%v", err)
			}
			if err := cfg.RequireResultSecret(); err != nil {
				return fail("%v", err)
			}
			if listenAddr == "" {
				listenAddr = viper.GetString("serve.listen")
			}
			if listenAddr == "" {
				listenAddr = cfg.ListenAddr
			}

			logger := logging.NewComponentLogger("serve")
			obs, err := observability.New("", logger)
			if err != nil {
				return fail("initialize observability: %v", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			taskStore, closeStore, err := openStore(ctx, cfg, logger)
			if err != nil {
				return fail("%v", err)
			}
			defer closeStore()

			server := ingest.NewServer(taskStore, ingest.Config{
				ListenAddr: listenAddr,
				Secret:     cfg.ResultSecret,
				AdminToken: cfg.AdminToken,
				Debug:      debug,
			}, logger, obs.Metrics, obs.Tracer)

			if cfg.AdminToken == "" {
				fmt.Println(yellow("admin API disabled (GRIDQ_ADMIN_TOKEN unset)"))
			}
			fmt.Printf("%s %s\n", green("listening on"), bold(listenAddr))

			g, ctx := errgroup.WithContext(ctx)
			g.Go(server.Start)
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Stop(shutdownCtx); err != nil {
					return fmt.Errorf("shutdown ingest: %w", err)
				}
				return obs.Shutdown(shutdownCtx)
			})

			if err := g.Wait(); err != nil {
				return fail("%v", err)
			}
			logger.Info("serve stopped cleanly")
			return nil
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "bind address (default $GRIDQ_LISTEN_ADDR or :8112)")
	cmd.Flags().BoolVar(&debug, "debug", false, "verbose HTTP logging")
	return cmd
}
