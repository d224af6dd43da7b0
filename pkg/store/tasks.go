package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"gofer/pkg/protocol"

	"github.com/google/uuid"
)

// CreateParams holds parameters for creating a task.
type CreateParams struct {
	Kind        protocol.TaskKind
	RequesterID string
	Lat, Lng    *float64 // requester location hint; required for geofenced kinds
}

// CreateTask inserts a new pending task and its "created" change row.
func (s *Store) CreateTask(ctx context.Context, p CreateParams, now time.Time) (protocol.Task, error) {
	if !p.Kind.Valid() {
		return protocol.Task{}, &protocol.ValidationError{Field: "kind", Detail: "must be errand or commission"}
	}
	if p.RequesterID == "" {
		return protocol.Task{}, &protocol.ValidationError{Field: "requester_id", Detail: "required"}
	}

	t := protocol.Task{
		ID:          uuid.New().String(),
		Kind:        p.Kind,
		RequesterID: p.RequesterID,
		Status:      protocol.StatusPending,
		CreatedAt:   now.UTC(),
		Lat:         p.Lat,
		Lng:         p.Lng,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return protocol.Task{}, &protocol.StoreError{Op: "begin create", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	var lat, lng any
	if t.Lat != nil {
		lat = *t.Lat
	}
	if t.Lng != nil {
		lng = *t.Lng
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks (id, kind, requester_id, status, exhausted_runner_ids, created_at, lat, lng)
		 VALUES (?, ?, ?, ?, '[]', ?, ?, ?)`,
		t.ID, string(t.Kind), t.RequesterID, string(t.Status), fmtTime(t.CreatedAt), lat, lng)
	if err != nil {
		return protocol.Task{}, &protocol.StoreError{Op: "insert task", Err: err}
	}
	if err := appendChange(ctx, tx, t, protocol.TransitionCreated, now); err != nil {
		return protocol.Task{}, &protocol.StoreError{Op: "insert task", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return protocol.Task{}, &protocol.StoreError{Op: "commit create", Err: err}
	}
	return t, nil
}

// GetTask loads one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (protocol.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return protocol.Task{}, &protocol.TaskNotFoundError{TaskID: id}
	}
	if err != nil {
		return protocol.Task{}, &protocol.StoreError{Op: "get task", Err: err}
	}
	return t, nil
}

// QueryFilters narrows QueryTasksByStatus.
type QueryFilters struct {
	RequesterID string
	Kind        protocol.TaskKind
	Limit       int
}

// QueryTasksByStatus returns tasks in the given status, oldest first.
func (s *Store) QueryTasksByStatus(ctx context.Context, status protocol.TaskStatus, f QueryFilters) ([]protocol.Task, error) {
	var (
		conds = []string{"status = ?"}
		args  = []any{string(status)}
	)
	if f.RequesterID != "" {
		conds = append(conds, "requester_id = ?")
		args = append(args, f.RequesterID)
	}
	if f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(f.Kind))
	}
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(conds, " AND ") + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, &protocol.StoreError{Op: "query tasks", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var tasks []protocol.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, &protocol.StoreError{Op: "scan task", Err: err}
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, &protocol.StoreError{Op: "iterate tasks", Err: err}
	}
	return tasks, nil
}

// ExpiredOffers returns tasks whose current offer lapsed at or before now.
// The timeout enforcer sweeps these on every pass.
func (s *Store) ExpiredOffers(ctx context.Context, now time.Time) ([]protocol.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? AND offer_expires_at IS NOT NULL AND offer_expires_at <= ? ORDER BY offer_expires_at`,
		string(protocol.StatusOffered), fmtTime(now))
	if err != nil {
		return nil, &protocol.StoreError{Op: "query expired offers", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var tasks []protocol.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, &protocol.StoreError{Op: "scan expired offer", Err: err}
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, &protocol.StoreError{Op: "iterate expired offers", Err: err}
	}
	return tasks, nil
}

// ActiveAssignments returns how many active assignments the runner holds.
// If requesterID is non-empty the count is restricted to that pairing.
// Called inside the acceptance transaction via activeAssignmentsTx; this
// form serves eligibility pre-filtering.
func (s *Store) ActiveAssignments(ctx context.Context, runnerID, requesterID string) (int, error) {
	q := `SELECT COUNT(*) FROM tasks WHERE assigned_runner_id = ? AND status = ?`
	args := []any{runnerID, string(protocol.StatusAssigned)}
	if requesterID != "" {
		q += ` AND requester_id = ?`
		args = append(args, requesterID)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, &protocol.StoreError{Op: "count active assignments", Err: err}
	}
	return n, nil
}

func activeAssignmentsTx(ctx context.Context, tx *sql.Tx, runnerID, requesterID string) (int, error) {
	q := `SELECT COUNT(*) FROM tasks WHERE assigned_runner_id = ? AND status = ?`
	args := []any{runnerID, string(protocol.StatusAssigned)}
	if requesterID != "" {
		q += ` AND requester_id = ?`
		args = append(args, requesterID)
	}
	var n int
	if err := tx.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, &protocol.StoreError{Op: "count active assignments", Err: err}
	}
	return n, nil
}

// ListChangesSince returns change-log rows after cursor, oldest first, and
// the new cursor position. requesterID optionally scopes the feed to one
// requester's tasks.
func (s *Store) ListChangesSince(ctx context.Context, cursor int64, requesterID string, limit int) ([]protocol.TaskChange, int64, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, task_id, requester_id, transition, status, created_at FROM task_changes WHERE id > ?`
	args := []any{cursor}
	if requesterID != "" {
		q += ` AND requester_id = ?`
		args = append(args, requesterID)
	}
	q += ` ORDER BY id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, cursor, &protocol.StoreError{Op: "query changes", Err: err}
	}
	defer func() { _ = rows.Close() }()

	next := cursor
	var changes []protocol.TaskChange
	for rows.Next() {
		var (
			c       protocol.TaskChange
			created string
		)
		if err := rows.Scan(&c.Cursor, &c.TaskID, &c.RequesterID, &c.Transition, &c.Status, &created); err != nil {
			return nil, cursor, &protocol.StoreError{Op: "scan change", Err: err}
		}
		c.CreatedAt = parseTime(created)
		if c.Cursor > next {
			next = c.Cursor
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, cursor, &protocol.StoreError{Op: "iterate changes", Err: err}
	}
	return changes, next, nil
}
