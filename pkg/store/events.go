package store

import (
	"context"
	"fmt"
)

// LogEvent appends one audit event. Best-effort callers ignore the error;
// the event log is for observability, never for correctness.
func (s *Store) LogEvent(ctx context.Context, evType, source, taskID, runnerID, payload string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (type, source, task_id, runner_id, payload) VALUES (?, ?, ?, ?, ?)`,
		evType, source, taskID, runnerID, payload)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}
