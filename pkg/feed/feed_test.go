package feed_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gofer/pkg/feed"
	"gofer/pkg/protocol"
	"gofer/pkg/store"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newStoreWithTask(t *testing.T) (*store.Store, protocol.Task) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "gofer.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	task, err := st.CreateTask(context.Background(), store.CreateParams{
		Kind:        protocol.KindCommission,
		RequesterID: "req-1",
	}, base)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return st, task
}

func drain(ch <-chan protocol.TaskChange) []protocol.TaskChange {
	var out []protocol.TaskChange
	for {
		select {
		case c := <-ch:
			out = append(out, c)
		default:
			return out
		}
	}
}

func TestPollDeliversChanges(t *testing.T) {
	st, task := newStoreWithTask(t)
	ctx := context.Background()

	f := feed.New(feed.Config{}, st, 0, nil)
	ch, cancel := f.Subscribe("")
	defer cancel()

	if err := f.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	got := drain(ch)
	if len(got) != 1 {
		t.Fatalf("changes = %d, want 1", len(got))
	}
	if got[0].TaskID != task.ID || got[0].Transition != protocol.TransitionCreated {
		t.Fatalf("change = %+v, want created for %s", got[0], task.ID)
	}
	if f.Cursor() != got[0].Cursor {
		t.Errorf("cursor = %d, want %d", f.Cursor(), got[0].Cursor)
	}
}

func TestPollDoesNotRedeliver(t *testing.T) {
	st, _ := newStoreWithTask(t)
	ctx := context.Background()

	f := feed.New(feed.Config{}, st, 0, nil)
	ch, cancel := f.Subscribe("")
	defer cancel()

	if err := f.Poll(ctx); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	drain(ch)

	// Nothing new happened; a second poll stays silent.
	if err := f.Poll(ctx); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if got := drain(ch); len(got) != 0 {
		t.Fatalf("redelivered %d changes, want 0", len(got))
	}
}

func TestPollPicksUpNewTransitions(t *testing.T) {
	st, task := newStoreWithTask(t)
	ctx := context.Background()

	f := feed.New(feed.Config{}, st, 0, nil)
	ch, cancel := f.Subscribe("")
	defer cancel()

	if err := f.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	drain(ch)

	if _, err := st.PlaceOffer(ctx, task.ID, "runner-1", base, protocol.OfferWindow); err != nil {
		t.Fatalf("place offer: %v", err)
	}
	if err := f.Poll(ctx); err != nil {
		t.Fatalf("poll after offer: %v", err)
	}

	got := drain(ch)
	if len(got) != 1 || got[0].Transition != protocol.TransitionOffered {
		t.Fatalf("changes = %+v, want one offered", got)
	}
}

func TestSubscribeScopesToRequester(t *testing.T) {
	st, _ := newStoreWithTask(t)
	ctx := context.Background()

	if _, err := st.CreateTask(ctx, store.CreateParams{
		Kind:        protocol.KindCommission,
		RequesterID: "req-2",
	}, base); err != nil {
		t.Fatalf("create second task: %v", err)
	}

	f := feed.New(feed.Config{}, st, 0, nil)
	mine, cancelMine := f.Subscribe("req-2")
	defer cancelMine()
	all, cancelAll := f.Subscribe("")
	defer cancelAll()

	if err := f.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	scoped := drain(mine)
	if len(scoped) != 1 || scoped[0].RequesterID != "req-2" {
		t.Fatalf("scoped = %+v, want just req-2's change", scoped)
	}
	if got := drain(all); len(got) != 2 {
		t.Fatalf("unscoped = %d changes, want 2", len(got))
	}
}

func TestResumeFromCursor(t *testing.T) {
	st, task := newStoreWithTask(t)
	ctx := context.Background()

	first := feed.New(feed.Config{}, st, 0, nil)
	if err := first.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	resumeAt := first.Cursor()

	if _, err := st.PlaceOffer(ctx, task.ID, "runner-1", base, protocol.OfferWindow); err != nil {
		t.Fatalf("place offer: %v", err)
	}

	// A fresh feed resuming from the saved cursor sees only what followed.
	second := feed.New(feed.Config{}, st, resumeAt, nil)
	ch, cancel := second.Subscribe("")
	defer cancel()
	if err := second.Poll(ctx); err != nil {
		t.Fatalf("resume poll: %v", err)
	}

	got := drain(ch)
	if len(got) != 1 || got[0].Transition != protocol.TransitionOffered {
		t.Fatalf("resumed changes = %+v, want one offered", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	st, _ := newStoreWithTask(t)

	f := feed.New(feed.Config{PollInterval: 10 * time.Millisecond}, st, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

// cannedLister serves a fixed change log page by page.
type cannedLister struct{ changes []protocol.TaskChange }

func (l cannedLister) ListChangesSince(_ context.Context, cursor int64, _ string, limit int) ([]protocol.TaskChange, int64, error) {
	var out []protocol.TaskChange
	next := cursor
	for _, c := range l.changes {
		if c.Cursor > cursor && len(out) < limit {
			out = append(out, c)
			next = c.Cursor
		}
	}
	return out, next, nil
}

func TestPollRedeliversToSlowSubscriber(t *testing.T) {
	// One more change than a subscriber's buffer holds; the last one is a
	// terminal transition that must not be lost.
	var log []protocol.TaskChange
	for i := 1; i <= 65; i++ {
		log = append(log, protocol.TaskChange{
			Cursor:     int64(i),
			TaskID:     "task-1",
			Transition: protocol.TransitionOffered,
		})
	}
	log[64].Transition = protocol.TransitionAssigned

	f := feed.New(feed.Config{}, cannedLister{changes: log}, 0, nil)
	ch, cancel := f.Subscribe("")
	defer cancel()

	ctx := context.Background()
	if err := f.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	// The consumer was slow: only now does it drain the full buffer.
	first := drain(ch)
	if len(first) != 64 {
		t.Fatalf("first drain = %d changes, want 64", len(first))
	}

	if err := f.Poll(ctx); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	rest := drain(ch)
	if len(rest) != 1 {
		t.Fatalf("second drain = %d changes, want the deferred one", len(rest))
	}
	if rest[0].Cursor != 65 || rest[0].Transition != protocol.TransitionAssigned {
		t.Fatalf("deferred change = %+v, want assigned at cursor 65", rest[0])
	}

	// Every change arrived exactly once, in order.
	all := append(first, rest...)
	for i, c := range all {
		if c.Cursor != int64(i+1) {
			t.Fatalf("change %d has cursor %d, want %d", i, c.Cursor, i+1)
		}
	}
}

// failingLister always errors, standing in for an unreachable daemon.
type failingLister struct{}

func (failingLister) ListChangesSince(context.Context, int64, string, int) ([]protocol.TaskChange, int64, error) {
	return nil, 0, errors.New("connection refused")
}

func TestRunSurvivesPollFailures(t *testing.T) {
	f := feed.New(feed.Config{
		PollInterval:    5 * time.Millisecond,
		ReconnectBase:   5 * time.Millisecond,
		ReconnectJitter: time.Millisecond,
		MaxBackoff:      20 * time.Millisecond,
	}, failingLister{}, 0, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// Run must keep retrying with backoff and exit cleanly, not crash.
	if err := f.Run(ctx); err != nil {
		t.Fatalf("run returned %v, want nil", err)
	}
}
