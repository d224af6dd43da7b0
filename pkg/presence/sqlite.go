package presence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gofer/pkg/protocol"
)

// timeFormat matches the store's fixed-width UTC format.
const timeFormat = "2006-01-02T15:04:05.000Z"

// SQLStore keeps presence in the matching database's presence table.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open database that already carries the schema.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Beat upserts the runner's presence record.
func (s *SQLStore) Beat(ctx context.Context, p protocol.Presence) error {
	role := p.Role
	if role == "" {
		role = protocol.RoleRunner
	}
	avail := 0
	if p.IsAvailable {
		avail = 1
	}
	var locUpdated, lat, lng any
	if !p.LocationUpdatedAt.IsZero() {
		locUpdated = p.LocationUpdatedAt.UTC().Format(timeFormat)
	}
	if p.Lat != nil {
		lat = *p.Lat
	}
	if p.Lng != nil {
		lng = *p.Lng
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO presence (runner_id, role, is_available, last_seen_at, location_updated_at, lat, lng)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(runner_id) DO UPDATE SET
		   role = excluded.role,
		   is_available = excluded.is_available,
		   last_seen_at = excluded.last_seen_at,
		   location_updated_at = excluded.location_updated_at,
		   lat = excluded.lat,
		   lng = excluded.lng`,
		p.RunnerID, role, avail, p.LastSeenAt.UTC().Format(timeFormat), locUpdated, lat, lng)
	if err != nil {
		return fmt.Errorf("presence beat for %s: %w", p.RunnerID, err)
	}
	return nil
}

// Get returns one runner's record; ok is false when the runner has never
// heartbeated.
func (s *SQLStore) Get(ctx context.Context, runnerID string) (protocol.Presence, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT runner_id, role, is_available, last_seen_at, location_updated_at, lat, lng
		 FROM presence WHERE runner_id = ?`, runnerID)
	p, err := scanPresence(row)
	if err == sql.ErrNoRows {
		return protocol.Presence{}, false, nil
	}
	if err != nil {
		return protocol.Presence{}, false, fmt.Errorf("presence get %s: %w", runnerID, err)
	}
	return p, true, nil
}

// Snapshot returns all available runner-role records.
func (s *SQLStore) Snapshot(ctx context.Context) ([]protocol.Presence, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT runner_id, role, is_available, last_seen_at, location_updated_at, lat, lng
		 FROM presence WHERE role = ? AND is_available = 1 ORDER BY runner_id`,
		protocol.RoleRunner)
	if err != nil {
		return nil, fmt.Errorf("presence snapshot: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.Presence
	for rows.Next() {
		p, err := scanPresence(rows)
		if err != nil {
			return nil, fmt.Errorf("presence scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("presence iterate: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPresence(r rowScanner) (protocol.Presence, error) {
	var (
		p          protocol.Presence
		avail      int
		seen       string
		locUpdated sql.NullString
		lat, lng   sql.NullFloat64
	)
	if err := r.Scan(&p.RunnerID, &p.Role, &avail, &seen, &locUpdated, &lat, &lng); err != nil {
		return protocol.Presence{}, err
	}
	p.IsAvailable = avail == 1
	p.LastSeenAt = parseTime(seen)
	p.LocationUpdatedAt = parseTime(locUpdated.String)
	if lat.Valid {
		v := lat.Float64
		p.Lat = &v
	}
	if lng.Valid {
		v := lng.Float64
		p.Lng = &v
	}
	return p, nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
