// Package cli implements the pipesync command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/pipesync/internal/config"
)

// Execute runs the CLI.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func NewRootCmd() *cobra.Command {
	var envFile string
	root := &cobra.Command{
		Use:           "pipesync",
		Short:         "Pipedrive webhook sync service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file read before the environment")

	load := func() (config.Config, error) {
		return config.Load(envFile)
	}
	root.AddCommand(newServeCmd(load))
	root.AddCommand(newMigrateCmd(load))
	root.AddCommand(newStatusCmd(load))
	root.AddCommand(newConflictsCmd(load))
	root.AddCommand(newTokenCmd(load))
	return root
}

type configLoader func() (config.Config, error)
