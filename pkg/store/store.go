// Package store persists tasks, their change log, notify-once markers, and
// the audit event log in SQLite. All lifecycle mutations are conditional
// writes: an UPDATE carries its precondition in the WHERE clause and a lost
// race surfaces as protocol.ConflictError, never as silent last-writer-wins.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"gofer/pkg/protocol"

	_ "modernc.org/sqlite"
)

// timeFormat is fixed-width UTC so stored timestamps compare correctly as
// strings in SQL (offer expiry sweeps rely on this).
const timeFormat = "2006-01-02T15:04:05.000Z"

// Store wraps the matching database.
type Store struct {
	db *sql.DB
}

// Open opens the SQLite database at path with production-safe defaults:
// WAL journal mode, a 5-second busy timeout, and immediate transaction
// locking so read-verify-write transactions serialize instead of
// deadlocking on lock upgrade. The schema is applied if missing.
func Open(path string) (*Store, error) {
	// The pragmas ride in the DSN so every pooled connection gets them, not
	// just the first.
	dsn := "file:" + path + "?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	ctx := context.Background()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, protocol.SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema on %s: %w", path, err)
	}

	return &Store{db: db}, nil
}

// New wraps an already-open database. The caller owns schema setup.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for read-only collaborators (eventlog,
// presence) that share the same database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- time and null helpers ---

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// nullTime maps the zero time to NULL.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

// nullStr maps the empty string to NULL.
func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		// Tolerate bare RFC3339 written by older builds.
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}
		}
	}
	return t.UTC()
}

// --- exhausted-set JSON helpers ---

func idsToJSON(ids []string) string {
	if len(ids) == 0 {
		return "[]"
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func idsFromJSON(s string) []string {
	if s == "" {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(s), &ids); err != nil {
		return nil
	}
	return ids
}

// --- row scanning ---

const taskColumns = `id, kind, requester_id, status, assigned_runner_id, offered_runner_id,
	offer_expires_at, exhausted_runner_ids, created_at, accepted_at, completed_at, lat, lng`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (protocol.Task, error) {
	var (
		t                            protocol.Task
		assigned, offered            sql.NullString
		expires, accepted, completed sql.NullString
		exhausted                    string
		created                      string
		lat, lng                     sql.NullFloat64
	)
	err := r.Scan(&t.ID, &t.Kind, &t.RequesterID, &t.Status, &assigned, &offered,
		&expires, &exhausted, &created, &accepted, &completed, &lat, &lng)
	if err != nil {
		return protocol.Task{}, err
	}
	t.AssignedRunnerID = assigned.String
	t.OfferedRunnerID = offered.String
	t.OfferExpiresAt = parseTime(expires.String)
	t.ExhaustedRunnerIDs = idsFromJSON(exhausted)
	t.CreatedAt = parseTime(created)
	t.AcceptedAt = parseTime(accepted.String)
	t.CompletedAt = parseTime(completed.String)
	if lat.Valid {
		v := lat.Float64
		t.Lat = &v
	}
	if lng.Valid {
		v := lng.Float64
		t.Lng = &v
	}
	return t, nil
}

// getTaskTx loads a task inside an open transaction.
func getTaskTx(ctx context.Context, tx *sql.Tx, id string) (protocol.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return protocol.Task{}, &protocol.TaskNotFoundError{TaskID: id}
	}
	if err != nil {
		return protocol.Task{}, &protocol.StoreError{Op: "get task", Err: err}
	}
	return t, nil
}

// appendChange writes one change-log row inside the transaction that
// performed the transition, so feed consumers never observe a transition
// without its change row or vice versa.
func appendChange(ctx context.Context, tx *sql.Tx, t protocol.Task, transition protocol.Transition, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO task_changes (task_id, requester_id, transition, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.RequesterID, string(transition), string(t.Status), fmtTime(now))
	if err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	return nil
}
