package eligibility_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"gofer/pkg/eligibility"
	"gofer/pkg/protocol"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeSource serves a fixed presence snapshot.
type fakeSource struct {
	records []protocol.Presence
}

func (f *fakeSource) Get(_ context.Context, runnerID string) (protocol.Presence, bool, error) {
	for _, p := range f.records {
		if p.RunnerID == runnerID {
			return p, true, nil
		}
	}
	return protocol.Presence{}, false, nil
}

func (f *fakeSource) Snapshot(context.Context) ([]protocol.Presence, error) {
	return f.records, nil
}

// fakeCounter reports active assignment counts per runner.
type fakeCounter struct {
	busy map[string]int
}

func (f *fakeCounter) ActiveAssignments(_ context.Context, runnerID, _ string) (int, error) {
	return f.busy[runnerID], nil
}

func ptr(v float64) *float64 { return &v }

// runner builds a fresh, available runner presence near Westminster.
func runner(id string, lat, lng float64) protocol.Presence {
	return protocol.Presence{
		RunnerID:          id,
		Role:              protocol.RoleRunner,
		IsAvailable:       true,
		LastSeenAt:        now.Add(-10 * time.Second),
		LocationUpdatedAt: now.Add(-10 * time.Second),
		Lat:               ptr(lat),
		Lng:               ptr(lng),
	}
}

// Westminster Bridge area: ~0.00001 deg latitude is about 1.1m.
const (
	taskLat = 51.5007
	taskLng = -0.1246
)

func errandAt(lat, lng float64) protocol.Task {
	return protocol.Task{
		ID:          "task-1",
		Kind:        protocol.KindErrand,
		RequesterID: "req-1",
		Status:      protocol.StatusPending,
		Lat:         ptr(lat),
		Lng:         ptr(lng),
	}
}

func TestCandidatesGeofence(t *testing.T) {
	src := &fakeSource{records: []protocol.Presence{
		runner("near", taskLat+0.001, taskLng),  // ~111m away
		runner("far", taskLat+0.01, taskLng),    // ~1.1km away
		runner("nearer", taskLat+0.0005, taskLng), // ~55m away
	}}
	filter := eligibility.New(eligibility.Config{}, src, &fakeCounter{})

	cands, err := filter.Candidates(context.Background(), errandAt(taskLat, taskLng), now)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}

	if len(cands) != 2 {
		t.Fatalf("candidates = %+v, want 2 within the radius", cands)
	}
	// Nearest first.
	if cands[0].RunnerID != "nearer" || cands[1].RunnerID != "near" {
		t.Errorf("order = [%s %s], want [nearer near]", cands[0].RunnerID, cands[1].RunnerID)
	}
	if cands[0].DistanceMeters <= 0 || cands[0].DistanceMeters >= cands[1].DistanceMeters {
		t.Errorf("distances = [%f %f], want ascending positive", cands[0].DistanceMeters, cands[1].DistanceMeters)
	}
}

func TestCandidatesCommissionIgnoresDistance(t *testing.T) {
	src := &fakeSource{records: []protocol.Presence{
		runner("b", taskLat+0.5, taskLng), // far away, still fine
		runner("a", taskLat, taskLng),
	}}
	filter := eligibility.New(eligibility.Config{}, src, &fakeCounter{})

	task := protocol.Task{ID: "task-1", Kind: protocol.KindCommission, RequesterID: "req-1", Status: protocol.StatusPending}
	cands, err := filter.Candidates(context.Background(), task, now)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}

	if len(cands) != 2 {
		t.Fatalf("candidates = %+v, want both runners", cands)
	}
	// Ordered by runner id when there is no geofence.
	if cands[0].RunnerID != "a" || cands[1].RunnerID != "b" {
		t.Errorf("order = [%s %s], want [a b]", cands[0].RunnerID, cands[1].RunnerID)
	}
	if cands[0].DistanceMeters != -1 {
		t.Errorf("distance = %f, want -1 for commissions", cands[0].DistanceMeters)
	}
}

func TestCandidatesMissingTaskLocation(t *testing.T) {
	src := &fakeSource{records: []protocol.Presence{runner("r1", taskLat, taskLng)}}
	filter := eligibility.New(eligibility.Config{}, src, &fakeCounter{})

	task := protocol.Task{ID: "task-1", Kind: protocol.KindErrand, RequesterID: "req-1", Status: protocol.StatusPending}
	cands, err := filter.Candidates(context.Background(), task, now)

	var vErr *protocol.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("got %v, want ValidationError", err)
	}
	if len(cands) != 0 {
		t.Fatalf("candidates = %+v, want none", cands)
	}
}

func TestCandidatesExclusions(t *testing.T) {
	tests := []struct {
		name   string
		tweak  func(p *protocol.Presence)
		task   func(task *protocol.Task)
		busy   map[string]int
		wantIn bool
	}{
		{
			name:   "fresh available runner is in",
			tweak:  func(*protocol.Presence) {},
			wantIn: true,
		},
		{
			name:  "wrong role",
			tweak: func(p *protocol.Presence) { p.Role = "requester" },
		},
		{
			name:  "unavailable",
			tweak: func(p *protocol.Presence) { p.IsAvailable = false },
		},
		{
			name:  "stale heartbeat",
			tweak: func(p *protocol.Presence) { p.LastSeenAt = now.Add(-protocol.HeartbeatWindow - time.Second) },
		},
		{
			name:  "heartbeat exactly at the window edge is fresh",
			tweak: func(p *protocol.Presence) { p.LastSeenAt = now.Add(-protocol.HeartbeatWindow) },
			wantIn: true,
		},
		{
			name:  "stale location",
			tweak: func(p *protocol.Presence) { p.LocationUpdatedAt = now.Add(-protocol.HeartbeatWindow - time.Second) },
		},
		{
			name:  "never-updated location fails geofenced kinds",
			tweak: func(p *protocol.Presence) { p.LocationUpdatedAt = time.Time{} },
		},
		{
			name:  "exhausted on this task",
			tweak: func(*protocol.Presence) {},
			task:  func(task *protocol.Task) { task.ExhaustedRunnerIDs = []string{"r1"} },
		},
		{
			name:  "currently holds the offer",
			tweak: func(*protocol.Presence) {},
			task:  func(task *protocol.Task) { task.OfferedRunnerID = "r1" },
		},
		{
			name:  "busy with another assignment",
			tweak: func(*protocol.Presence) {},
			busy:  map[string]int{"r1": 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := runner("r1", taskLat, taskLng)
			tt.tweak(&p)
			task := errandAt(taskLat, taskLng)
			if tt.task != nil {
				tt.task(&task)
			}

			filter := eligibility.New(eligibility.Config{}, &fakeSource{records: []protocol.Presence{p}}, &fakeCounter{busy: tt.busy})
			cands, err := filter.Candidates(context.Background(), task, now)
			if err != nil {
				t.Fatalf("candidates: %v", err)
			}
			if got := len(cands) == 1; got != tt.wantIn {
				t.Errorf("included = %v, want %v (candidates %+v)", got, tt.wantIn, cands)
			}
		})
	}
}

func TestNeverUpdatedLocationEligibleForCommission(t *testing.T) {
	p := runner("r1", 0, 0)
	p.LocationUpdatedAt = time.Time{}
	p.Lat, p.Lng = nil, nil

	filter := eligibility.New(eligibility.Config{}, &fakeSource{records: []protocol.Presence{p}}, &fakeCounter{})
	task := protocol.Task{ID: "task-1", Kind: protocol.KindCommission, RequesterID: "req-1", Status: protocol.StatusPending}

	cands, err := filter.Candidates(context.Background(), task, now)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(cands) != 1 {
		t.Fatalf("candidates = %+v, want the locationless runner", cands)
	}
}

func TestHaversine(t *testing.T) {
	// One degree of latitude is roughly 111km.
	d := eligibility.Haversine(51.0, 0.0, 52.0, 0.0)
	if d < 110_000 || d > 112_000 {
		t.Errorf("Haversine over one degree latitude = %f, want ~111km", d)
	}

	if d := eligibility.Haversine(51.5, -0.12, 51.5, -0.12); d != 0 {
		t.Errorf("zero distance = %f, want 0", d)
	}
}
