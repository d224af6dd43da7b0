package main

import (
	"fmt"
	"time"

	"gofer/pkg/config"
	"gofer/pkg/eventlog"

	"github.com/spf13/cobra"
)

// logsConfig holds configuration for the logs command.
type logsConfig struct {
	task   string
	runner string
	evType string
	tail   int
	since  time.Duration
}

// newLogsCmd creates the "gofer logs" subcommand.
func newLogsCmd() *cobra.Command {
	var cfgPath string
	var lc logsConfig

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query the daemon audit log",
		Long:  "Displays events from the audit log, newest first.\nFilter by task, runner, event type or age.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			reader, err := eventlog.NewReader(cfg.DBPath)
			if err != nil {
				return err
			}
			defer reader.Close()

			opts := eventlog.QueryOpts{
				TaskID:    lc.task,
				RunnerID:  lc.runner,
				EventType: lc.evType,
				Limit:     lc.tail,
			}
			if lc.since > 0 {
				after := time.Now().Add(-lc.since)
				opts.After = &after
			}

			events, err := reader.Query(cmd.Context(), opts)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			for _, e := range events {
				fmt.Fprintf(w, "%s  %-10s  source=%s", e.CreatedAt.Format(time.RFC3339), e.Type, e.Source)
				if e.TaskID != "" {
					fmt.Fprintf(w, " task=%s", e.TaskID)
				}
				if e.RunnerID != "" {
					fmt.Fprintf(w, " runner=%s", e.RunnerID)
				}
				if e.Payload != "" {
					fmt.Fprintf(w, " %s", e.Payload)
				}
				fmt.Fprintln(w)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&cfgPath, "config", "c", "gofer.yaml", "path to the config file")
	cmd.Flags().StringVar(&lc.task, "task", "", "filter by task ID")
	cmd.Flags().StringVar(&lc.runner, "runner", "", "filter by runner ID")
	cmd.Flags().StringVar(&lc.evType, "type", "", "filter by event type")
	cmd.Flags().IntVarP(&lc.tail, "tail", "n", 50, "maximum events to show (0 = all)")
	cmd.Flags().DurationVar(&lc.since, "since", 0, "only events newer than this age")
	return cmd
}
