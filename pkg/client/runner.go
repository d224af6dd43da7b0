package client

import (
	"context"
	"sync"
	"time"

	"gofer/pkg/protocol"

	"go.uber.org/zap"
)

// RunnerAPI is the slice of Client the runner agent needs. Kept as an
// interface so tests can fake the server.
type RunnerAPI interface {
	Heartbeat(ctx context.Context, runnerID string, available bool, lat, lng *float64) error
	GetTask(ctx context.Context, taskID string) (protocol.Task, error)
	OfferTimeout(ctx context.Context, taskID, runnerID string) error
	Accept(ctx context.Context, taskID, runnerID string) (protocol.Task, error)
	Decline(ctx context.Context, taskID, runnerID string) error
	ListChangesSince(ctx context.Context, cursor int64, requesterID string, limit int) ([]protocol.TaskChange, int64, error)
}

// RunnerConfig tunes the runner agent's loops.
type RunnerConfig struct {
	HeartbeatPeriod time.Duration // default 60s
	PollInterval    time.Duration // offer watch cadence (default 2s)
	ExpirySlack     time.Duration // extra wait past offer_expires_at (default 1s)
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	out := c
	if out.HeartbeatPeriod == 0 {
		out.HeartbeatPeriod = protocol.HeartbeatPeriod
	}
	if out.PollInterval == 0 {
		out.PollInterval = 2 * time.Second
	}
	if out.ExpirySlack == 0 {
		out.ExpirySlack = time.Second
	}
	return out
}

// RunnerAgent is one runner device: it heartbeats presence, watches the
// change feed for offers addressed to it, and fires the best-effort expiry
// trigger when an offer it held lapses locally. The trigger calls the same
// idempotent server operation the authoritative sweep uses, so whichever
// side observes expiry first wins and the other no-ops.
type RunnerAgent struct {
	cfg RunnerConfig
	api RunnerAPI
	id  string
	log *zap.Logger

	// OnOffer, when set, is invoked for each offer addressed to this
	// runner. The callback decides whether to Accept or Decline.
	OnOffer func(protocol.Task)

	mu        sync.Mutex
	available bool
	lat, lng  *float64
	cursor    int64
	armed     map[string]struct{} // task ids with a pending expiry trigger

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewRunnerAgent creates a runner agent for the given runner id.
func NewRunnerAgent(cfg RunnerConfig, api RunnerAPI, runnerID string, log *zap.Logger) *RunnerAgent {
	if log == nil {
		log = zap.NewNop()
	}
	return &RunnerAgent{
		cfg:       cfg.withDefaults(),
		api:       api,
		id:        runnerID,
		log:       log,
		available: true,
		armed:     make(map[string]struct{}),
		nowFunc:   time.Now,
	}
}

// SetAvailability flips whether this runner accepts new offers; effective
// from the next heartbeat.
func (a *RunnerAgent) SetAvailability(available bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.available = available
}

// SetLocation updates the coordinates reported on the next heartbeat.
func (a *RunnerAgent) SetLocation(lat, lng float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lat, a.lng = &lat, &lng
}

// Run drives the heartbeat and offer-watch loops until ctx is cancelled.
func (a *RunnerAgent) Run(ctx context.Context) error {
	a.beat(ctx)

	heartbeat := time.NewTicker(a.cfg.HeartbeatPeriod)
	defer heartbeat.Stop()
	poll := time.NewTicker(a.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			a.beat(ctx)
		case <-poll.C:
			a.watchOffers(ctx)
		}
	}
}

// beat sends one presence heartbeat.
func (a *RunnerAgent) beat(ctx context.Context) {
	a.mu.Lock()
	available, lat, lng := a.available, a.lat, a.lng
	a.mu.Unlock()

	if err := a.api.Heartbeat(ctx, a.id, available, lat, lng); err != nil {
		a.log.Warn("heartbeat failed", zap.String("runner", a.id), zap.Error(err))
	}
}

// watchOffers polls the change feed for offers addressed to this runner.
func (a *RunnerAgent) watchOffers(ctx context.Context) {
	a.mu.Lock()
	cursor := a.cursor
	a.mu.Unlock()

	changes, next, err := a.api.ListChangesSince(ctx, cursor, "", 100)
	if err != nil {
		a.log.Warn("offer watch poll failed", zap.Error(err))
		return
	}
	a.mu.Lock()
	if next > a.cursor {
		a.cursor = next
	}
	a.mu.Unlock()

	for _, c := range changes {
		if c.Transition != protocol.TransitionOffered {
			continue
		}
		t, err := a.api.GetTask(ctx, c.TaskID)
		if err != nil {
			continue // task may already be gone; the next poll catches up
		}
		if t.OfferedRunnerID != a.id {
			continue
		}
		if a.OnOffer != nil {
			a.OnOffer(t)
		}
		a.armExpiryTrigger(ctx, t)
	}
}

// armExpiryTrigger schedules the best-effort timeout call for an offer this
// runner holds. At most one trigger is armed per task.
func (a *RunnerAgent) armExpiryTrigger(ctx context.Context, t protocol.Task) {
	a.mu.Lock()
	if _, dup := a.armed[t.ID]; dup {
		a.mu.Unlock()
		return
	}
	a.armed[t.ID] = struct{}{}
	a.mu.Unlock()

	wait := t.OfferExpiresAt.Sub(a.nowFunc()) + a.cfg.ExpirySlack
	if wait < 0 {
		wait = 0
	}

	go func() {
		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case <-ctx.Done():
		case <-timer.C:
			if err := a.api.OfferTimeout(ctx, t.ID, a.id); err != nil {
				// The authoritative sweep covers us; nothing to retry.
				a.log.Debug("expiry trigger failed", zap.String("task", t.ID), zap.Error(err))
			}
		}

		a.mu.Lock()
		delete(a.armed, t.ID)
		a.mu.Unlock()
	}()
}

// Accept forwards an acceptance attempt for this runner.
func (a *RunnerAgent) Accept(ctx context.Context, taskID string) (protocol.Task, error) {
	return a.api.Accept(ctx, taskID, a.id)
}

// Decline forwards an explicit decline for this runner.
func (a *RunnerAgent) Decline(ctx context.Context, taskID string) error {
	return a.api.Decline(ctx, taskID, a.id)
}
