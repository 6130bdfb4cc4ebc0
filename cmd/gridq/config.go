package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"gridq/internal/infra/observability"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the observability config file",
	}
	cmd.AddCommand(newConfigShowCmd(), newConfigInitCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective observability configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := observability.LoadConfig(configPath)
			if err != nil {
				return fail("%v", err)
			}
			data, err := yaml.Marshal(struct {
				Observability observability.Config `yaml:"observability"`
			}{cfg})
			if err != nil {
				return fail("encode: %v", err)
			}
			path := configPath
			if path == "" {
				path = observability.DefaultConfigPath()
			}
			fmt.Println(gray("# " + path))
			fmt.Print(string(data))
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "config file path (default ~/.gridq/config.yaml)")
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = observability.DefaultConfigPath()
			}
			if _, err := os.Stat(path); err == nil {
				return fail("%s already exists", path)
			}
			if err := observability.SaveConfig(observability.DefaultConfig(), configPath); err != nil {
				return fail("%v", err)
			}
			fmt.Printf("%s %s\n", green("wrote"), bold(path))
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "config file path (default ~/.gridq/config.yaml)")
	return cmd
}
