package store

import (
	"context"
	"time"

	"gofer/pkg/protocol"
)

// MarkHandled atomically checks-and-sets the durable notify-once marker for
// (taskID, transition). It returns true exactly once per key: the caller that
// wins the insert performs the one-time side effect, every later caller
// (duplicate push, polling overlap, another signed-in device, a reload)
// observes false and skips it.
func (s *Store) MarkHandled(ctx context.Context, taskID string, transition protocol.Transition, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO notify_ledger (task_id, transition, handled_at) VALUES (?, ?, ?)`,
		taskID, string(transition), fmtTime(now))
	if err != nil {
		return false, &protocol.StoreError{Op: "mark handled", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &protocol.StoreError{Op: "mark handled", Err: err}
	}
	return n == 1, nil
}

// Handled reports whether the marker for (taskID, transition) is already set.
func (s *Store) Handled(ctx context.Context, taskID string, transition protocol.Transition) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notify_ledger WHERE task_id = ? AND transition = ?`,
		taskID, string(transition)).Scan(&n)
	if err != nil {
		return false, &protocol.StoreError{Op: "query handled", Err: err}
	}
	return n > 0, nil
}
