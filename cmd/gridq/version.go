package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is stamped by the build (-ldflags "-X main.Version=...").
var Version = "dev"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gridq version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gridq %s\n", Version)
		},
	}
}
