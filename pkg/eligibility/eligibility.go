// Package eligibility computes the candidate runner set for a task: role,
// availability, heartbeat freshness, location freshness, proximity for
// geofenced kinds, and exclusion of exhausted or already-busy runners.
// Eligibility is always recomputed from live presence at decision time,
// never from a cached snapshot, so runners coming back online are seen.
package eligibility

import (
	"context"
	"sort"
	"time"

	"gofer/pkg/presence"
	"gofer/pkg/protocol"
)

// AssignmentCounter answers how many active assignments a runner holds.
// *store.Store satisfies it.
type AssignmentCounter interface {
	ActiveAssignments(ctx context.Context, runnerID, requesterID string) (int, error)
}

// Config holds the filter's thresholds.
type Config struct {
	HeartbeatWindow time.Duration // presence freshness cutoff (default 75s)
	RadiusMeters    float64       // proximity bound for geofenced kinds (default 500)
}

func (c Config) withDefaults() Config {
	out := c
	if out.HeartbeatWindow == 0 {
		out.HeartbeatWindow = protocol.HeartbeatWindow
	}
	if out.RadiusMeters == 0 {
		out.RadiusMeters = protocol.ProximityRadiusMeters
	}
	return out
}

// Candidate is one eligible runner. DistanceMeters is -1 for kinds without
// a geofence.
type Candidate struct {
	RunnerID       string
	DistanceMeters float64
}

// Filter computes candidate sets.
type Filter struct {
	cfg         Config
	presence    presence.Source
	assignments AssignmentCounter
}

// New creates a Filter.
func New(cfg Config, src presence.Source, assignments AssignmentCounter) *Filter {
	return &Filter{cfg: cfg.withDefaults(), presence: src, assignments: assignments}
}

// Candidates returns the eligible, non-exhausted runners for the task,
// ordered by proximity then runner id (runner id only for kinds without a
// geofence). A geofenced task with no requester location fails safe: a
// *protocol.ValidationError and no candidates, so nothing is ever offered
// on a task that cannot be matched.
func (f *Filter) Candidates(ctx context.Context, task protocol.Task, now time.Time) ([]Candidate, error) {
	if task.Kind.Geofenced() && !task.HasLocation() {
		return nil, &protocol.ValidationError{Field: "location", Detail: "requester location missing for geofenced task"}
	}

	records, err := f.presence.Snapshot(ctx)
	if err != nil {
		return nil, &protocol.StoreError{Op: "presence snapshot", Err: err}
	}

	cutoff := now.Add(-f.cfg.HeartbeatWindow)
	var out []Candidate
	for _, p := range records {
		if !f.eligible(p, task, cutoff) {
			continue
		}

		dist := -1.0
		if task.Kind.Geofenced() {
			dist = Haversine(*task.Lat, *task.Lng, *p.Lat, *p.Lng)
			if dist > f.cfg.RadiusMeters {
				continue
			}
		}

		// A runner holding any active assignment is out, which also covers
		// the one-active-task-per-requester-pairing rule.
		n, err := f.assignments.ActiveAssignments(ctx, p.RunnerID, "")
		if err != nil {
			return nil, err
		}
		if n > 0 {
			continue
		}

		out = append(out, Candidate{RunnerID: p.RunnerID, DistanceMeters: dist})
	}

	sort.Slice(out, func(i, j int) bool {
		if task.Kind.Geofenced() && out[i].DistanceMeters != out[j].DistanceMeters {
			return out[i].DistanceMeters < out[j].DistanceMeters
		}
		return out[i].RunnerID < out[j].RunnerID
	})
	return out, nil
}

// eligible applies the per-runner checks that need no distance or
// assignment lookups.
func (f *Filter) eligible(p protocol.Presence, task protocol.Task, cutoff time.Time) bool {
	if p.Role != protocol.RoleRunner || !p.IsAvailable {
		return false
	}
	if p.LastSeenAt.Before(cutoff) {
		return false
	}
	if task.Exhausted(p.RunnerID) {
		return false
	}
	if p.RunnerID == task.AssignedRunnerID || p.RunnerID == task.OfferedRunnerID {
		return false
	}

	// Location freshness: a never-updated location is stale-but-eligible
	// only for kinds without a geofence; a stale (old, non-null) location is
	// ineligible for every kind.
	if p.LocationUpdatedAt.IsZero() {
		return !task.Kind.Geofenced()
	}
	if p.LocationUpdatedAt.Before(cutoff) {
		return false
	}
	if task.Kind.Geofenced() && !p.HasLocation() {
		return false
	}
	return true
}
