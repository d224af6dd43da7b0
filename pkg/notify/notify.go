// Package notify guarantees a requester's client acts on a terminal task
// transition exactly once, no matter how many times the underlying change is
// observed: realtime push may duplicate, the polling fallback overlaps with
// push, and multiple signed-in devices all see the same change.
package notify

import (
	"context"
	"time"

	"gofer/pkg/protocol"

	"go.uber.org/zap"
)

// Ledger is the durable check-and-set marker store. *store.Store satisfies
// it; durability matters because a page reload or process restart must not
// re-trigger the side effect.
type Ledger interface {
	MarkHandled(ctx context.Context, taskID string, transition protocol.Transition, now time.Time) (bool, error)
}

// Guard routes duplicate deliveries into at-most-one side effect per
// (task, transition).
type Guard struct {
	ledger Ledger
	log    *zap.Logger

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Guard.
func New(ledger Ledger, log *zap.Logger) *Guard {
	if log == nil {
		log = zap.NewNop()
	}
	return &Guard{ledger: ledger, log: log, nowFunc: time.Now}
}

// Handle fires fn exactly once per (taskID, transition). The marker is set
// before fn runs: if the process crashes mid-effect, a retry observes the
// marker and skips, which trades a possibly-lost side effect for never
// duplicating an irreversible one (e.g. navigation into a conversation).
// Returns whether this call was the one that fired.
func (g *Guard) Handle(ctx context.Context, taskID string, transition protocol.Transition, fn func(ctx context.Context) error) (bool, error) {
	first, err := g.ledger.MarkHandled(ctx, taskID, transition, g.nowFunc())
	if err != nil {
		return false, err
	}
	if !first {
		g.log.Debug("duplicate delivery suppressed",
			zap.String("task", taskID),
			zap.String("transition", string(transition)))
		return false, nil
	}

	if err := fn(ctx); err != nil {
		// The marker stays set; surfacing the error is the caller's job.
		g.log.Warn("one-time handler failed",
			zap.String("task", taskID),
			zap.String("transition", string(transition)),
			zap.Error(err))
		return true, err
	}
	return true, nil
}
