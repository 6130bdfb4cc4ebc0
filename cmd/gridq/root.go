// gridq is the operator CLI for the task queue: schema init, enqueueing,
// serving the result ingest, running orchestrators and the janitor, and
// inspecting queue state.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"gridq/internal/infra/store"
	"gridq/internal/shared/config"
	"gridq/internal/shared/logging"
)

// isTTY reports whether both ends of the terminal are interactive.
func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func initViper() {
	viper.SetConfigName("gridq")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.gridq")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("GRIDQ")
	viper.AutomaticEnv()

	// A missing config file is the normal case; everything has defaults.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "%s\n", yellow(fmt.Sprintf("warning: config file ignored: %v", err)))
		}
	}
}

// NewRootCmd assembles the gridq command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gridq",
		Short: "Distributed task queue over Postgres",
		Long: `gridq runs a Postgres-backed task queue for long computations.

Producers enqueue task rows; orchestrator processes lease them one at a
time and execute them locally or submit them to an external scheduler
(Slurm, or the boinc dry-run). Detached results come back through a
signed HTTP callback.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			initViper()
			if !isTTY() {
				color.NoColor = true
			}
		},
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newOrchestrateCmd(),
		newJanitorCmd(),
		newInitDBCmd(),
		newEnqueueCmd(),
		newTasksCmd(),
		newWorkerCmd(),
		newTopCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

// loadEnv reads the environment-driven settings shared by most commands.
func loadEnv() (config.Config, error) {
	cfg, _, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

// openStore connects to Postgres and wraps the pool in the task store.
// The returned cleanup closes the pool.
func openStore(ctx context.Context, cfg config.Config, logger logging.Logger) (*store.PostgresStore, func(), error) {
	if err := cfg.RequireDatabaseURL(); err != nil {
		return nil, nil, err
	}
	pool, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s: %w", config.EnvDatabaseURL, err)
	}
	s := store.NewPostgresStore(pool, logger)
	return s, s.Close, nil
}

func fail(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(os.Stderr, "%s\n", red("error: "+msg))
	return fmt.Errorf("%s", msg)
}
