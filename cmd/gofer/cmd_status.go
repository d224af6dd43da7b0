package main

import (
	"database/sql"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"gofer/pkg/config"
	"gofer/pkg/protocol"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

// newStatusCmd creates the "gofer status" subcommand.
func newStatusCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show current match state",
		Long:  "Displays task counts per status and the fresh runner count.\nReads the database directly; the daemon need not be running.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			return runStatus(cmd, cfg)
		},
	}

	cmd.Flags().StringVarP(&cfgPath, "config", "c", "gofer.yaml", "path to the config file")
	return cmd
}

func runStatus(cmd *cobra.Command, cfg config.Config) error {
	if _, err := os.Stat(cfg.DBPath); err != nil {
		return fmt.Errorf("database not found: %w", err)
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro&_journal_mode=WAL", cfg.DBPath))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx := cmd.Context()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "TASKS")
	for _, st := range []protocol.TaskStatus{
		protocol.StatusPending,
		protocol.StatusOffered,
		protocol.StatusAssigned,
		protocol.StatusCompleted,
		protocol.StatusDelivered,
		protocol.StatusCancelled,
	} {
		var n int
		err := db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM tasks WHERE status = ?`, string(st)).Scan(&n)
		if err != nil {
			return fmt.Errorf("count %s tasks: %w", st, err)
		}
		fmt.Fprintf(w, "  %s\t%d\n", st, n)
	}

	cutoff := time.Now().UTC().Add(-cfg.HeartbeatWindow).Format("2006-01-02T15:04:05.000Z")
	var fresh int
	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM presence WHERE role = ? AND is_available = 1 AND last_seen_at >= ?`,
		string(protocol.RoleRunner), cutoff).Scan(&fresh)
	if err != nil {
		return fmt.Errorf("count runners: %w", err)
	}
	fmt.Fprintln(w, "RUNNERS")
	fmt.Fprintf(w, "  fresh\t%d\n", fresh)

	return nil
}
