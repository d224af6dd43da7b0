//nolint:testpackage // white-box: tests drive the engine clock directly
package match

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gofer/pkg/eligibility"
	"gofer/pkg/presence"
	"gofer/pkg/protocol"
	"gofer/pkg/store"
)

var testBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeClock is a manually advanced clock shared by the engine and the test.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	engine *Engine
	store  *store.Store
	pres   *presence.SQLStore
	clk    *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "gofer.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	clk := &fakeClock{t: testBase}
	pres := presence.NewSQLStore(st.DB())
	filter := eligibility.New(eligibility.Config{}, pres, st)
	engine := New(Config{}, st, filter, nil)
	engine.nowFunc = clk.Now

	return &fixture{engine: engine, store: st, pres: pres, clk: clk}
}

// beat registers a fresh, available runner at the stock test location.
func (f *fixture) beat(t *testing.T, runnerID string) {
	t.Helper()

	lat, lng := 51.5007, -0.1246
	now := f.clk.Now()
	err := f.pres.Beat(context.Background(), protocol.Presence{
		RunnerID:          runnerID,
		Role:              protocol.RoleRunner,
		IsAvailable:       true,
		LastSeenAt:        now,
		LocationUpdatedAt: now,
		Lat:               &lat,
		Lng:               &lng,
	})
	if err != nil {
		t.Fatalf("beat %s: %v", runnerID, err)
	}
}

func (f *fixture) createCommission(t *testing.T) protocol.Task {
	t.Helper()

	task, err := f.engine.CreateTask(context.Background(), store.CreateParams{
		Kind:        protocol.KindCommission,
		RequesterID: "req-1",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func (f *fixture) mustGet(t *testing.T, taskID string) protocol.Task {
	t.Helper()

	task, err := f.store.GetTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return task
}

func TestCreateTaskPlacesFirstOffer(t *testing.T) {
	f := newFixture(t)
	f.beat(t, "runner-a")
	f.beat(t, "runner-b")

	task := f.createCommission(t)

	if task.Status != protocol.StatusOffered {
		t.Fatalf("status = %s, want offered", task.Status)
	}
	if task.OfferedRunnerID != "runner-a" {
		t.Errorf("offered runner = %s, want runner-a (id order)", task.OfferedRunnerID)
	}
	if want := testBase.Add(protocol.OfferWindow); !task.OfferExpiresAt.Equal(want) {
		t.Errorf("offer_expires_at = %v, want %v", task.OfferExpiresAt, want)
	}
}

func TestSweepRotatesExpiredOffer(t *testing.T) {
	f := newFixture(t)
	f.beat(t, "runner-a")
	f.beat(t, "runner-b")
	task := f.createCommission(t)

	f.clk.Advance(protocol.OfferWindow + time.Second)
	f.beat(t, "runner-a")
	f.beat(t, "runner-b")
	f.engine.Sweep(context.Background())

	got := f.mustGet(t, task.ID)
	if got.Status != protocol.StatusOffered {
		t.Fatalf("status = %s, want offered", got.Status)
	}
	if got.OfferedRunnerID != "runner-b" {
		t.Errorf("offered runner = %s, want runner-b after rotation", got.OfferedRunnerID)
	}
	if !got.Exhausted("runner-a") {
		t.Error("expected runner-a exhausted after its offer lapsed")
	}
}

func TestHandleOfferTimeoutIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.beat(t, "runner-a")
	f.beat(t, "runner-b")
	task := f.createCommission(t)

	f.clk.Advance(protocol.OfferWindow + time.Second)
	f.beat(t, "runner-a")
	f.beat(t, "runner-b")

	// Client trigger and authoritative sweep may both fire; every call after
	// the first must observe the advanced state and no-op.
	for i := 0; i < 3; i++ {
		if err := f.engine.HandleOfferTimeout(ctx, task.ID, "runner-a"); err != nil {
			t.Fatalf("timeout call %d: %v", i+1, err)
		}
	}

	got := f.mustGet(t, task.ID)
	if got.Status != protocol.StatusOffered || got.OfferedRunnerID != "runner-b" {
		t.Fatalf("task = %+v, want offered to runner-b", got)
	}

	// Exactly one expiry was recorded despite the repeated calls.
	changes, _, err := f.store.ListChangesSince(ctx, 0, "", 0)
	if err != nil {
		t.Fatalf("list changes: %v", err)
	}
	var expiries int
	for _, c := range changes {
		if c.Transition == protocol.TransitionOfferExpired {
			expiries++
		}
	}
	if expiries != 1 {
		t.Fatalf("offer_expired changes = %d, want 1", expiries)
	}
}

func TestTimeoutAfterAcceptanceIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.beat(t, "runner-a")
	task := f.createCommission(t)

	if _, err := f.engine.TryAccept(ctx, task.ID, "runner-a"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// A stale client timer firing after acceptance must change nothing.
	f.clk.Advance(protocol.OfferWindow + time.Second)
	if err := f.engine.HandleOfferTimeout(ctx, task.ID, "runner-a"); err != nil {
		t.Fatalf("stale timeout: %v", err)
	}

	got := f.mustGet(t, task.ID)
	if got.Status != protocol.StatusAssigned || got.AssignedRunnerID != "runner-a" {
		t.Fatalf("task = %+v, want still assigned to runner-a", got)
	}
}

func TestDeclineRotatesImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.beat(t, "runner-a")
	f.beat(t, "runner-b")
	task := f.createCommission(t)

	if err := f.engine.Decline(ctx, task.ID, "runner-a"); err != nil {
		t.Fatalf("decline: %v", err)
	}

	got := f.mustGet(t, task.ID)
	if got.Status != protocol.StatusOffered || got.OfferedRunnerID != "runner-b" {
		t.Fatalf("task = %+v, want offered to runner-b", got)
	}
	if !got.Exhausted("runner-a") {
		t.Error("expected decliner exhausted")
	}
}

func TestExhaustedRunnerNeverReoffered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.beat(t, "runner-a")
	task := f.createCommission(t)

	if err := f.engine.Decline(ctx, task.ID, "runner-a"); err != nil {
		t.Fatalf("decline: %v", err)
	}

	// runner-a stays online and is the only runner; repeated sweeps must not
	// offer the task back to it.
	f.clk.Advance(10 * time.Second)
	f.beat(t, "runner-a")
	f.engine.Sweep(ctx)

	got := f.mustGet(t, task.ID)
	if got.Status != protocol.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if got.OfferedRunnerID != "" {
		t.Fatalf("offered runner = %s, want none", got.OfferedRunnerID)
	}
}

func TestExhaustionAfterDwell(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createCommission(t) // no runners online at all

	// Inside the dwell the task is left alone.
	f.clk.Advance(protocol.ExhaustionDwell - time.Second)
	f.engine.Sweep(ctx)
	if got := f.mustGet(t, task.ID); got.Status != protocol.StatusPending {
		t.Fatalf("status before dwell = %s, want pending", got.Status)
	}

	f.clk.Advance(2 * time.Second)
	f.engine.Sweep(ctx)
	got := f.mustGet(t, task.ID)
	if got.Status != protocol.StatusCancelled {
		t.Fatalf("status after dwell = %s, want cancelled", got.Status)
	}

	// Further sweeps change nothing and append no second exhaustion event.
	f.engine.Sweep(ctx)
	changes, _, err := f.store.ListChangesSince(ctx, 0, "", 0)
	if err != nil {
		t.Fatalf("list changes: %v", err)
	}
	var exhausted int
	for _, c := range changes {
		if c.Transition == protocol.TransitionExhausted {
			exhausted++
		}
	}
	if exhausted != 1 {
		t.Fatalf("exhausted changes = %d, want 1", exhausted)
	}
}

func TestRunnerComingOnlineRescuesTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createCommission(t)

	f.clk.Advance(protocol.ExhaustionDwell / 2)
	f.beat(t, "runner-late")
	f.engine.Sweep(ctx)

	got := f.mustGet(t, task.ID)
	if got.Status != protocol.StatusOffered || got.OfferedRunnerID != "runner-late" {
		t.Fatalf("task = %+v, want offered to the late runner", got)
	}
}

func TestGeofencedTaskWithoutLocationCannotMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.beat(t, "runner-a")

	task, err := f.engine.CreateTask(ctx, store.CreateParams{
		Kind:        protocol.KindErrand,
		RequesterID: "req-1",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	// Fails safe: no offer is ever placed, and after the dwell the task is
	// surfaced as no-candidates.
	if task.Status != protocol.StatusPending {
		t.Fatalf("status = %s, want pending", task.Status)
	}

	f.clk.Advance(protocol.ExhaustionDwell + time.Second)
	f.beat(t, "runner-a")
	f.engine.Sweep(ctx)
	if got := f.mustGet(t, task.ID); got.Status != protocol.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
}

func TestCancelBeatsAccept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.beat(t, "runner-a")
	task := f.createCommission(t)

	if _, err := f.engine.RequestCancel(ctx, task.ID, "req-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	var rejected *protocol.AcceptRejectedError
	_, err := f.engine.TryAccept(ctx, task.ID, "runner-a")
	if !errors.As(err, &rejected) {
		t.Fatalf("accept after cancel: got %v, want AcceptRejectedError", err)
	}
	if rejected.Reason != protocol.RejectAlreadyAssigned {
		t.Errorf("reason = %s, want %s", rejected.Reason, protocol.RejectAlreadyAssigned)
	}
}

func TestAcceptBeatsCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.beat(t, "runner-a")
	task := f.createCommission(t)

	if _, err := f.engine.TryAccept(ctx, task.ID, "runner-a"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	var conflict *protocol.ConflictError
	_, err := f.engine.RequestCancel(ctx, task.ID, "req-1")
	if !errors.As(err, &conflict) {
		t.Fatalf("cancel after accept: got %v, want ConflictError", err)
	}
}

func TestFullErrandLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.beat(t, "runner-a")

	lat, lng := 51.5007, -0.1246
	task, err := f.engine.CreateTask(ctx, store.CreateParams{
		Kind:        protocol.KindErrand,
		RequesterID: "req-1",
		Lat:         &lat,
		Lng:         &lng,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Status != protocol.StatusOffered {
		t.Fatalf("status = %s, want offered", task.Status)
	}

	if _, err := f.engine.TryAccept(ctx, task.ID, "runner-a"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	f.clk.Advance(20 * time.Minute)
	done, err := f.engine.Complete(ctx, task.ID, "req-1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != protocol.StatusCompleted {
		t.Fatalf("status = %s, want completed", done.Status)
	}
}

func TestAcknowledgeExhaustionDeletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createCommission(t)

	f.clk.Advance(protocol.ExhaustionDwell + time.Second)
	f.engine.Sweep(ctx)

	if err := f.engine.AcknowledgeExhaustion(ctx, task.ID, "req-1"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	var nfErr *protocol.TaskNotFoundError
	if _, err := f.engine.GetTask(ctx, task.ID); !errors.As(err, &nfErr) {
		t.Fatalf("got %v, want TaskNotFoundError after acknowledgement", err)
	}
}
