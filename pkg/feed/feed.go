// Package feed delivers task change events to subscribers from two
// redundant channels folded into one cursor: a filesystem notification on
// the database file (the push channel) and a periodic poll (the safety
// net). Delivery is at-least-once; consumers are expected to be idempotent,
// which the notify guard provides. One reconnect/backoff policy covers
// every failure mode instead of ad-hoc retry loops at call sites.
package feed

import (
	"context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gofer/pkg/protocol"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Lister pages the change log from a cursor. Both *store.Store (in-process)
// and *client.Client (over HTTP) satisfy it, so the same feed loop serves
// the daemon and remote devices.
type Lister interface {
	ListChangesSince(ctx context.Context, cursor int64, requesterID string, limit int) ([]protocol.TaskChange, int64, error)
}

// Config holds feed tuning.
type Config struct {
	// WatchPath is the database file to watch for the push channel; its
	// parent directory is registered because SQLite appends to the WAL
	// sidecar. Empty disables the push channel (poll only), which is how
	// HTTP-backed feeds run.
	WatchPath string

	PollInterval    time.Duration // safety-net poll cadence (default 2s)
	ReconnectBase   time.Duration // backoff base after a failed poll (default 2s)
	ReconnectJitter time.Duration // max jitter added to backoff (default 500ms)
	MaxBackoff      time.Duration // backoff cap (default 30s)
}

func (c Config) withDefaults() Config {
	out := c
	if out.PollInterval == 0 {
		out.PollInterval = 2 * time.Second
	}
	if out.ReconnectBase == 0 {
		out.ReconnectBase = 2 * time.Second
	}
	if out.ReconnectJitter == 0 {
		out.ReconnectJitter = 500 * time.Millisecond
	}
	if out.MaxBackoff == 0 {
		out.MaxBackoff = 30 * time.Second
	}
	return out
}

// subscriber is one registered change consumer.
type subscriber struct {
	requesterID string // "" = all requesters
	ch          chan protocol.TaskChange
	cursor      int64 // highest change handed to this subscriber
}

// Feed multiplexes the change log to subscribers.
type Feed struct {
	cfg    Config
	lister Lister
	log    *zap.Logger

	mu     sync.Mutex
	cursor int64
	nextID int
	subs   map[int]*subscriber
}

// New creates a Feed starting at cursor (0 = from the beginning).
func New(cfg Config, lister Lister, cursor int64, log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{
		cfg:    cfg.withDefaults(),
		lister: lister,
		log:    log,
		cursor: cursor,
		subs:   make(map[int]*subscriber),
	}
}

// Subscribe registers a consumer for changes to the given requester's tasks
// ("" for all). The returned cancel func must be called when done.
func (f *Feed) Subscribe(requesterID string) (<-chan protocol.TaskChange, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++
	sub := &subscriber{
		requesterID: requesterID,
		ch:          make(chan protocol.TaskChange, 64),
		cursor:      f.cursor,
	}
	f.subs[id] = sub

	return sub.ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if s, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(s.ch)
		}
	}
}

// Run pumps changes until ctx is cancelled. Push events only shorten the
// wait for the next poll; the poll itself always runs, so no transition is
// observable solely through push.
func (f *Feed) Run(ctx context.Context) error {
	events := f.watch(ctx)

	failures := 0
	timer := time.NewTimer(f.cfg.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-events:
			// Push channel fired; poll immediately.
		case <-timer.C:
		}

		if err := f.Poll(ctx); err != nil {
			failures++
			f.log.Warn("feed poll failed", zap.Int("consecutive", failures), zap.Error(err))
		} else {
			failures = 0
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(f.nextDelay(failures))
	}
}

// nextDelay applies the single backoff policy: the normal poll interval
// while healthy, exponential backoff with jitter while the store is
// unreachable.
func (f *Feed) nextDelay(failures int) time.Duration {
	if failures == 0 {
		return f.cfg.PollInterval
	}
	d := f.cfg.ReconnectBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= f.cfg.MaxBackoff {
			d = f.cfg.MaxBackoff
			break
		}
	}
	return d + rand.N(f.cfg.ReconnectJitter)
}

// Poll reads from the furthest-behind subscriber cursor and fans out.
// Exported so tests and push-less callers can drive the feed directly.
// Each subscriber's cursor only advances past what landed in its channel,
// so a full buffer stalls that subscriber in place and the next poll
// redelivers from where it stopped. No change is ever skipped.
func (f *Feed) Poll(ctx context.Context) error {
	for {
		changes, next, err := f.lister.ListChangesSince(ctx, f.listFrom(), "", 100)
		if err != nil {
			return err
		}
		if len(changes) == 0 {
			return nil
		}

		f.mu.Lock()
		if next > f.cursor {
			f.cursor = next
		}
		stalled := false
		full := make(map[*subscriber]bool)
		for _, c := range changes {
			for _, s := range f.subs {
				if full[s] || c.Cursor <= s.cursor {
					continue
				}
				if s.requesterID != "" && s.requesterID != c.RequesterID {
					s.cursor = c.Cursor
					continue
				}
				select {
				case s.ch <- c:
					s.cursor = c.Cursor
				default:
					// Buffer full. Hold the cursor here and stop sending to
					// this subscriber for the rest of the batch so delivery
					// stays in order; the next poll resumes from its cursor.
					full[s] = true
					stalled = true
					f.log.Warn("feed subscriber lagging, delivery deferred",
						zap.String("task", c.TaskID),
						zap.String("transition", string(c.Transition)))
				}
			}
		}
		f.mu.Unlock()

		if len(changes) < 100 || stalled {
			return nil
		}
	}
}

// listFrom returns the cursor to page from: the furthest-behind subscriber,
// or the feed's own position when nobody lags.
func (f *Feed) listFrom() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	from := f.cursor
	for _, s := range f.subs {
		if s.cursor < from {
			from = s.cursor
		}
	}
	return from
}

// watch starts the push channel. Failures fall back to poll-only mode, the
// same degraded path the config can select explicitly.
func (f *Feed) watch(ctx context.Context) <-chan struct{} {
	if f.cfg.WatchPath == "" {
		return nil
	}
	dir := filepath.Dir(f.cfg.WatchPath)
	if _, err := os.Stat(dir); err != nil {
		f.log.Warn("feed watch dir missing, poll-only", zap.String("dir", dir))
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		f.log.Warn("fsnotify unavailable, poll-only", zap.Error(err))
		return nil
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		f.log.Warn("fsnotify watch failed, poll-only", zap.String("dir", dir), zap.Error(err))
		return nil
	}

	out := make(chan struct{}, 1)
	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if err != nil {
					f.log.Warn("feed watcher error", zap.Error(err))
				}
			}
		}
	}()
	return out
}

// Cursor returns the current feed position.
func (f *Feed) Cursor() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursor
}
