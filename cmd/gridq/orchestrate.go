package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gridq/internal/backend"
	"gridq/internal/backend/boinc"
	"gridq/internal/backend/slurm"
	"gridq/internal/infra/observability"
	"gridq/internal/orchestrator"
	"gridq/internal/shared/config"
	"gridq/internal/shared/logging"
	"gridq/internal/worker"
)

func newOrchestrateCmd() *cobra.Command {
	var (
		mode                string
		backendName         string
		workerBin           string
		idleExitSeconds     int
		pollSeconds         float64
		jobPollSeconds      float64
		finishedGraceSecs   int
		leaseSeconds        int
	)

	cmd := &cobra.Command{
		Use:   "orchestrate",
		Short: "Run an orchestrator work loop",
		Long: `Leases one task at a time and drives it to a terminal status.

The local backend executes in-process and claims untargeted rows; the
slurm and boinc backends submit detached work and claim rows targeted
at their own name.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("backend") {
				if configured := viper.GetString("orchestrate.backend"); configured != "" {
					backendName = configured
				}
			}
			parsedMode, err := orchestrator.ParseMode(mode)
			if err != nil {
				return fail("%v", err)
			}
			cfg, err := loadEnv()
			if err != nil {
				return fail("%v", err)
			}

			logger := logging.NewQueueLogger("orchestrator")
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

			be, targetBackend, err := buildBackend(backendName, workerBin, cfg, logger)
			if err != nil {
				return fail("%v", err)
			}

			o := orchestrator.New(taskStore, be, orchestrator.Config{
				Mode:            parsedMode,
				TargetBackend:   targetBackend,
				LeaseSeconds:    leaseSeconds,
				PollInterval:    time.Duration(pollSeconds * float64(time.Second)),
				JobPollInterval: time.Duration(jobPollSeconds * float64(time.Second)),
				FinishedGrace:   time.Duration(finishedGraceSecs) * time.Second,
				IdleExit:        time.Duration(idleExitSeconds) * time.Second,
			}, logger, obs.Metrics, obs.Tracer)

			fmt.Printf("%s %s %s\n", green("orchestrator"), bold(o.Identity()), gray("backend="+be.Name()+" mode="+mode))
			if err := o.Run(ctx); err != nil {
				return fail("%v", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "real", "real runs until signaled, demo exits when idle")
	cmd.Flags().StringVar(&backendName, "backend", "local", "execution backend: local, slurm or boinc")
	cmd.Flags().StringVar(&workerBin, "worker-bin", "", "gridq binary path on compute nodes (slurm; default this executable)")
	cmd.Flags().IntVar(&idleExitSeconds, "idle-exit-seconds", 30, "demo mode: exit after this long without a lease")
	cmd.Flags().Float64Var(&pollSeconds, "poll-seconds", 2, "idle sleep between empty lease attempts")
	cmd.Flags().Float64Var(&jobPollSeconds, "job-poll-seconds", 5, "detached reconciliation poll interval")
	cmd.Flags().IntVar(&finishedGraceSecs, "finished-grace-seconds", 20, "how long to wait for a callback after the external job is gone")
	cmd.Flags().IntVar(&leaseSeconds, "lease-seconds", 120, "lease window granted on claim and heartbeat")
	return cmd
}

// buildBackend assembles the requested adapter and the lease scope that goes
// with it: detached backends claim rows targeted at their own name, the local
// backend claims untargeted rows.
func buildBackend(name, workerBin string, cfg config.Config, logger logging.Logger) (backend.Backend, *string, error) {
	switch name {
	case "local":
		return backend.NewLocal(logger), nil, nil

	case "slurm":
		if err := cfg.RequireSlurmTaskDir(); err != nil {
			return nil, nil, err
		}
		if err := cfg.RequireResultEndpoint(); err != nil {
			return nil, nil, err
		}
		if workerBin == "" {
			exe, err := os.Executable()
			if err != nil {
				return nil, nil, fmt.Errorf("resolve worker binary: %w", err)
			}
			workerBin = exe
		}
		client, err := slurm.NewClient(slurm.ClientConfig{
			TaskDir:   cfg.SlurmTaskDir,
			WorkerBin: workerBin,
		}, nil, logger)
		if err != nil {
			return nil, nil, err
		}
		target := "slurm"
		return slurm.New(client, logger), &target, nil

	case "boinc":
		if err := cfg.RequireResultEndpoint(); err != nil {
			return nil, nil, err
		}
		client := worker.NewResultClient(cfg.ResultURL(), cfg.ResultSecret, logger)
		target := "boinc"
		return boinc.New(client, logger), &target, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend %q (want local, slurm or boinc)", name)
	}
}
