package notify

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gofer/pkg/protocol"

	_ "modernc.org/sqlite"
)

const ledgerDDL = `
CREATE TABLE IF NOT EXISTS notify_ledger (
    task_id TEXT NOT NULL,
    transition TEXT NOT NULL,
    handled_at TEXT NOT NULL,
    PRIMARY KEY (task_id, transition)
);
`

// FileLedger is a client-local durable Ledger: a tiny SQLite file on the
// device, so markers survive page reloads and process restarts without any
// server round trip.
type FileLedger struct {
	db *sql.DB
}

// OpenFileLedger opens (or creates) the ledger database at path.
func OpenFileLedger(path string) (*FileLedger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping ledger %s: %w", path, err)
	}
	// One connection is plenty for a marker store and keeps concurrent
	// check-and-sets serialized.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(context.Background(), ledgerDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init ledger %s: %w", path, err)
	}
	return &FileLedger{db: db}, nil
}

// MarkHandled atomically checks-and-sets the marker for (taskID, transition).
func (l *FileLedger) MarkHandled(ctx context.Context, taskID string, transition protocol.Transition, now time.Time) (bool, error) {
	res, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO notify_ledger (task_id, transition, handled_at) VALUES (?, ?, ?)`,
		taskID, string(transition), now.UTC().Format(time.RFC3339))
	if err != nil {
		return false, fmt.Errorf("ledger mark handled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ledger mark handled: %w", err)
	}
	return n == 1, nil
}

// Close closes the ledger database.
func (l *FileLedger) Close() error {
	return l.db.Close()
}
