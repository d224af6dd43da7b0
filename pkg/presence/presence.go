// Package presence reads and records runner heartbeat state. The record is
// owned by each runner's own client; the matching core only ever reads it.
// Two backends exist: SQLite (sharing the matching database) and Redis (for
// deployments where heartbeats already flow through Redis).
package presence

import (
	"context"

	"gofer/pkg/protocol"
)

// Source is the read side consumed by the eligibility filter.
type Source interface {
	// Get returns the presence record for one runner.
	Get(ctx context.Context, runnerID string) (protocol.Presence, bool, error)

	// Snapshot returns every available runner-role record. Freshness is NOT
	// applied here; the eligibility filter owns the heartbeat window so it
	// is evaluated lazily at decision time.
	Snapshot(ctx context.Context) ([]protocol.Presence, error)
}

// Recorder is the write side used by runner heartbeats.
type Recorder interface {
	Beat(ctx context.Context, p protocol.Presence) error
}
