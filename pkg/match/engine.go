// Package match implements the task assignment lifecycle: rotating offers
// through eligible runners one at a time, resolving acceptance safely under
// concurrent attempts, expiring stale offers, and detecting candidate
// exhaustion. All coordination happens through conditional writes on the
// task row; no actor ever holds a lock.
//
// The engine is the authoritative server-side half. Client devices run
// best-effort triggers (offer-expiry calls, polling) against the same
// idempotent operations, so ordering between the two halves never affects
// correctness.
package match

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gofer/pkg/eligibility"
	"gofer/pkg/protocol"
	"gofer/pkg/store"

	"go.uber.org/zap"
)

// --- Config ---

// Config holds engine tuning. Zero values take the protocol defaults.
type Config struct {
	OfferWindow     time.Duration // how long each runner holds an offer
	SweepInterval   time.Duration // authoritative enforcer cadence
	ExhaustionDwell time.Duration // minimum task age before no-candidates
	CancelWindow    time.Duration // requester cancellation window
}

func (c Config) withDefaults() Config {
	out := c
	if out.OfferWindow == 0 {
		out.OfferWindow = protocol.OfferWindow
	}
	if out.SweepInterval == 0 {
		out.SweepInterval = protocol.SweepInterval
	}
	if out.ExhaustionDwell == 0 {
		out.ExhaustionDwell = protocol.ExhaustionDwell
	}
	if out.CancelWindow == 0 {
		out.CancelWindow = protocol.CancelWindow
	}
	return out
}

// --- Engine ---

// Engine is the matching coordinator.
type Engine struct {
	cfg    Config
	store  *store.Store
	filter *eligibility.Filter
	log    *zap.Logger

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates an Engine. It does not start the sweep loop — call Run().
func New(cfg Config, st *store.Store, filter *eligibility.Filter, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cfg:     cfg.withDefaults(),
		store:   st,
		filter:  filter,
		log:     log,
		nowFunc: time.Now,
	}
}

// Run drives the authoritative periodic pass until ctx is cancelled. Every
// state transition is reachable from this loop alone: realtime push toward
// clients is a latency optimization, never the only trigger.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	e.log.Info("match engine running",
		zap.Duration("offer_window", e.cfg.OfferWindow),
		zap.Duration("sweep_interval", e.cfg.SweepInterval))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// Sweep is one authoritative pass: expire lapsed offers, then rotate or
// exhaust every pending task. Safe to call concurrently with client-driven
// operations; every write it performs is conditional.
func (e *Engine) Sweep(ctx context.Context) {
	if err := e.SweepExpiredOffers(ctx); err != nil {
		e.log.Warn("sweep expired offers", zap.Error(err))
	}
	if err := e.RotatePending(ctx); err != nil {
		e.log.Warn("rotate pending", zap.Error(err))
	}
}

// --- Offer rotation ---

// Rotate offers a pending task to its next eligible candidate, or defers to
// the exhaustion check when none remain. A concurrent actor advancing the
// task first is routine; Rotate then no-ops.
func (e *Engine) Rotate(ctx context.Context, taskID string) error {
	now := e.nowFunc()

	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != protocol.StatusPending {
		return nil
	}
	if t.OfferedRunnerID != "" {
		// Schema and guards should make this unreachable; do not work
		// around it here.
		err := &protocol.InvariantViolationError{TaskID: t.ID, Detail: "pending task carries an offer"}
		e.log.Error("invariant violation", zap.String("task", t.ID), zap.Error(err))
		return err
	}

	cands, err := e.candidates(ctx, t, now)
	if err != nil {
		return err
	}
	if len(cands) == 0 {
		return e.checkExhaustion(ctx, t, now)
	}

	next := cands[0]
	placed, err := e.store.PlaceOffer(ctx, t.ID, next.RunnerID, now, e.cfg.OfferWindow)
	if err != nil {
		var conflict *protocol.ConflictError
		if errors.As(err, &conflict) {
			e.log.Debug("offer lost race", zap.String("task", t.ID))
			return nil
		}
		return err
	}

	_ = e.store.LogEvent(ctx, "offer", "engine", placed.ID, next.RunnerID,
		fmt.Sprintf(`{"expires_at":%q}`, placed.OfferExpiresAt.Format(time.RFC3339)))
	e.log.Info("offer placed",
		zap.String("task", placed.ID),
		zap.String("runner", next.RunnerID),
		zap.Time("expires_at", placed.OfferExpiresAt))
	return nil
}

// candidates recomputes eligibility lazily. A geofenced task without a
// requester location fails safe to an empty set ("cannot match").
func (e *Engine) candidates(ctx context.Context, t protocol.Task, now time.Time) ([]eligibility.Candidate, error) {
	cands, err := e.filter.Candidates(ctx, t, now)
	if err != nil {
		var invalid *protocol.ValidationError
		if errors.As(err, &invalid) {
			e.log.Debug("cannot match", zap.String("task", t.ID), zap.Error(err))
			return nil, nil
		}
		return nil, err
	}
	return cands, nil
}

// RotatePending runs Rotate over every pending task. This is the polling
// safety net that keeps rotation and exhaustion reachable without any
// connected client.
func (e *Engine) RotatePending(ctx context.Context) error {
	tasks, err := e.store.QueryTasksByStatus(ctx, protocol.StatusPending, store.QueryFilters{})
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if err := e.Rotate(ctx, t.ID); err != nil {
			e.log.Warn("rotate", zap.String("task", t.ID), zap.Error(err))
		}
	}
	return nil
}

// --- Acceptance ---

// TryAccept resolves a runner's acceptance attempt. On success the task is
// atomically assigned and returned. On failure a typed
// *protocol.AcceptRejectedError reports the reason; the attempt is terminal
// and the runner's client must not retry blindly.
func (e *Engine) TryAccept(ctx context.Context, taskID, runnerID string) (protocol.Task, error) {
	t, err := e.store.Accept(ctx, taskID, runnerID, e.nowFunc())
	if err != nil {
		var rejected *protocol.AcceptRejectedError
		if errors.As(err, &rejected) {
			e.log.Debug("accept rejected",
				zap.String("task", taskID),
				zap.String("runner", runnerID),
				zap.String("reason", string(rejected.Reason)))
		}
		return protocol.Task{}, err
	}

	_ = e.store.LogEvent(ctx, "accept", "engine", t.ID, runnerID, "")
	e.log.Info("task assigned", zap.String("task", t.ID), zap.String("runner", runnerID))
	return t, nil
}

// Decline records a runner explicitly turning down a live offer, exhausts
// the runner for this task, and rotates to the next candidate.
func (e *Engine) Decline(ctx context.Context, taskID, runnerID string) error {
	_, err := e.store.DeclineOffer(ctx, taskID, runnerID, e.nowFunc())
	if err != nil {
		return err
	}
	_ = e.store.LogEvent(ctx, "decline", "engine", taskID, runnerID, "")
	return e.Rotate(ctx, taskID)
}

// --- Timeout enforcement ---

// HandleOfferTimeout idempotently expires the offer held by runnerID on the
// task and rotates to the next candidate. Safe to call zero, one, or many
// times for the same stale offer from either the authoritative sweep or a
// client's best-effort timer: if the specific offer is no longer live, or a
// newer offer has superseded it, the call observes the advanced state and
// no-ops.
func (e *Engine) HandleOfferTimeout(ctx context.Context, taskID, runnerID string) error {
	now := e.nowFunc()

	_, err := e.store.ExpireOffer(ctx, taskID, runnerID, now)
	if err != nil {
		var conflict *protocol.ConflictError
		var notFound *protocol.TaskNotFoundError
		if errors.As(err, &conflict) || errors.As(err, &notFound) {
			return nil // already advanced by another actor
		}
		return err
	}

	_ = e.store.LogEvent(ctx, "offer_expired", "engine", taskID, runnerID, "")
	e.log.Info("offer expired", zap.String("task", taskID), zap.String("runner", runnerID))
	return e.Rotate(ctx, taskID)
}

// SweepExpiredOffers is the authoritative enforcer pass: every offered task
// whose expiry has lapsed gets its offer cleared and rotated. It runs with
// or without any connected client.
func (e *Engine) SweepExpiredOffers(ctx context.Context) error {
	stale, err := e.store.ExpiredOffers(ctx, e.nowFunc())
	if err != nil {
		return err
	}
	for _, t := range stale {
		if err := e.HandleOfferTimeout(ctx, t.ID, t.OfferedRunnerID); err != nil {
			e.log.Warn("offer timeout", zap.String("task", t.ID), zap.Error(err))
		}
	}
	return nil
}

// --- Exhaustion ---

// CheckExhaustion recomputes eligibility for a pending task and, when no
// candidates remain and the task has dwelled long enough, transitions it to
// cancelled with a single exhaustion change event.
func (e *Engine) CheckExhaustion(ctx context.Context, taskID string) error {
	now := e.nowFunc()
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != protocol.StatusPending {
		return nil
	}
	cands, err := e.candidates(ctx, t, now)
	if err != nil {
		return err
	}
	if len(cands) > 0 {
		return nil
	}
	return e.checkExhaustion(ctx, t, now)
}

// checkExhaustion applies the dwell rule and the guarded pending->cancelled
// transition. The guard makes the exhaustion event exactly-once: a losing
// concurrent detector pass observes the task no longer pending and no-ops.
func (e *Engine) checkExhaustion(ctx context.Context, t protocol.Task, now time.Time) error {
	if now.Sub(t.CreatedAt) < e.cfg.ExhaustionDwell {
		// Give the pool the minimum dwell before declaring no-candidates,
		// even when it is provably empty right now. A runner coming online
		// before the next pass rescues the task.
		return nil
	}

	marked, err := e.store.MarkExhausted(ctx, t.ID, now)
	if err != nil {
		var conflict *protocol.ConflictError
		if errors.As(err, &conflict) {
			return nil
		}
		return err
	}

	_ = e.store.LogEvent(ctx, "exhausted", "engine", marked.ID, "", "")
	e.log.Info("no candidates remain", zap.String("task", marked.ID))
	return nil
}

// --- Requester operations ---

// CreateTask stores a new task and immediately attempts the first offer.
// Rotation failures are not the requester's problem; the periodic pass
// retries them.
func (e *Engine) CreateTask(ctx context.Context, p store.CreateParams) (protocol.Task, error) {
	t, err := e.store.CreateTask(ctx, p, e.nowFunc())
	if err != nil {
		return protocol.Task{}, err
	}
	_ = e.store.LogEvent(ctx, "create", "engine", t.ID, "", fmt.Sprintf(`{"kind":%q}`, t.Kind))

	if err := e.Rotate(ctx, t.ID); err != nil {
		e.log.Warn("initial rotate", zap.String("task", t.ID), zap.Error(err))
	}
	return e.store.GetTask(ctx, t.ID)
}

// RequestCancel withdraws a not-yet-assigned task inside the cancellation
// window. A concurrent acceptance that lands first wins; the returned
// ConflictError tells this actor to stop.
func (e *Engine) RequestCancel(ctx context.Context, taskID, requesterID string) (protocol.Task, error) {
	t, err := e.store.Cancel(ctx, taskID, requesterID, e.nowFunc(), e.cfg.CancelWindow)
	if err != nil {
		return protocol.Task{}, err
	}
	_ = e.store.LogEvent(ctx, "cancel", "requester", t.ID, "", "")
	return t, nil
}

// Complete marks an assigned errand finished, by its requester.
func (e *Engine) Complete(ctx context.Context, taskID, requesterID string) (protocol.Task, error) {
	t, err := e.store.Complete(ctx, taskID, requesterID, e.nowFunc())
	if err != nil {
		return protocol.Task{}, err
	}
	_ = e.store.LogEvent(ctx, "complete", "requester", t.ID, t.AssignedRunnerID, "")
	return t, nil
}

// Deliver marks an assigned commission delivered, by its assigned runner.
func (e *Engine) Deliver(ctx context.Context, taskID, runnerID string) (protocol.Task, error) {
	t, err := e.store.Deliver(ctx, taskID, runnerID, e.nowFunc())
	if err != nil {
		return protocol.Task{}, err
	}
	_ = e.store.LogEvent(ctx, "deliver", "runner", t.ID, runnerID, "")
	return t, nil
}

// AcknowledgeExhaustion removes an exhausted (cancelled) task after the
// requester's client acknowledged the outcome. Deletion stays attributable
// to the requester; the system never deletes tasks on its own.
func (e *Engine) AcknowledgeExhaustion(ctx context.Context, taskID, requesterID string) error {
	if err := e.store.DeleteAcknowledged(ctx, taskID, requesterID, e.nowFunc()); err != nil {
		return err
	}
	_ = e.store.LogEvent(ctx, "withdraw", "requester", taskID, "", "")
	return nil
}

// GetTask loads one task.
func (e *Engine) GetTask(ctx context.Context, taskID string) (protocol.Task, error) {
	return e.store.GetTask(ctx, taskID)
}
