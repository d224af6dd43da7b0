package client

import (
	"context"
	"time"

	"gofer/pkg/feed"
	"gofer/pkg/notify"
	"gofer/pkg/protocol"

	"go.uber.org/zap"
)

// RequesterAPI is the slice of Client the requester agent needs.
type RequesterAPI interface {
	GetTask(ctx context.Context, taskID string) (protocol.Task, error)
	AckExhaustion(ctx context.Context, taskID, requesterID string) error
	ListChangesSince(ctx context.Context, cursor int64, requesterID string, limit int) ([]protocol.TaskChange, int64, error)
}

// RequesterConfig tunes the requester agent.
type RequesterConfig struct {
	PollInterval time.Duration // change feed cadence (default 2s)
}

// RequesterAgent is one requester device. It consumes the change feed for
// its own tasks and reacts to the two terminal transitions exactly once,
// routed through the durable notify guard: "assigned" opens the
// conversation, "exhausted" shows the removal notice and acknowledges the
// withdrawal. Duplicate deliveries, reloads, and other signed-in devices
// sharing the ledger all collapse into one side effect.
type RequesterAgent struct {
	cfg         RequesterConfig
	api         RequesterAPI
	requesterID string
	guard       *notify.Guard
	log         *zap.Logger

	// OnMatched fires exactly once when a task is assigned; the callback
	// opens the conversation channel with the runner.
	OnMatched func(ctx context.Context, t protocol.Task) error

	// OnRemoved fires exactly once when no candidates remain; the callback
	// shows the removal notice.
	OnRemoved func(ctx context.Context, taskID string) error
}

// NewRequesterAgent creates a requester agent sharing the given guard.
func NewRequesterAgent(cfg RequesterConfig, api RequesterAPI, requesterID string, guard *notify.Guard, log *zap.Logger) *RequesterAgent {
	if log == nil {
		log = zap.NewNop()
	}
	return &RequesterAgent{
		cfg:         cfg,
		api:         api,
		requesterID: requesterID,
		guard:       guard,
		log:         log,
	}
}

// Run consumes the change feed until ctx is cancelled. The feed gives
// at-least-once delivery over a polling loop with one backoff policy; the
// guard makes consumption idempotent.
func (a *RequesterAgent) Run(ctx context.Context) error {
	f := feed.New(feed.Config{PollInterval: a.cfg.PollInterval}, a.api, 0, a.log)
	ch, cancel := f.Subscribe(a.requesterID)
	defer cancel()

	go func() { _ = f.Run(ctx) }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-ch:
			if !ok {
				return nil
			}
			a.handle(ctx, c)
		}
	}
}

// handle routes one observed change. Non-terminal transitions are status
// updates ("matching…") and need no dedup.
func (a *RequesterAgent) handle(ctx context.Context, c protocol.TaskChange) {
	switch c.Transition {
	case protocol.TransitionAssigned:
		_, err := a.guard.Handle(ctx, c.TaskID, protocol.TransitionAssigned, func(ctx context.Context) error {
			t, err := a.api.GetTask(ctx, c.TaskID)
			if err != nil {
				return err
			}
			if a.OnMatched != nil {
				return a.OnMatched(ctx, t)
			}
			return nil
		})
		if err != nil {
			a.log.Warn("matched handler", zap.String("task", c.TaskID), zap.Error(err))
		}

	case protocol.TransitionExhausted:
		_, err := a.guard.Handle(ctx, c.TaskID, protocol.TransitionExhausted, func(ctx context.Context) error {
			if a.OnRemoved != nil {
				if err := a.OnRemoved(ctx, c.TaskID); err != nil {
					return err
				}
			}
			// Acknowledging withdraws the task; the server tolerates a
			// repeat ack from another device as a routine conflict.
			return a.api.AckExhaustion(ctx, c.TaskID, a.requesterID)
		})
		if err != nil {
			a.log.Warn("removal handler", zap.String("task", c.TaskID), zap.Error(err))
		}
	}
}
