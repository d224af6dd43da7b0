package main

import (
	"fmt"

	"gofer/internal/version"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root gofer command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "gofer",
		Short:         "Gofer task matching daemon",
		Long:          "gofer matches requester tasks to nearby available runners.\nIt manages offers, acceptance, timeouts and exhaustion.",
		Version:       fmt.Sprintf("gofer %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newLogsCmd(),
	)

	return cmd
}
