package protocol

import "fmt"

// RejectReason classifies a failed TryAccept attempt. Rejections are terminal
// for that attempt: the runner's client must not retry blindly.
type RejectReason string

// Rejection reason constants.
const (
	// RejectAlreadyAssigned means the task was assigned to another runner
	// (or reached a terminal state) before this attempt's write landed.
	RejectAlreadyAssigned RejectReason = "already_assigned_elsewhere"

	// RejectOverCapacity means the runner already holds an active assignment,
	// or an active assignment with this same requester.
	RejectOverCapacity RejectReason = "runner_over_capacity"

	// RejectOfferExpired means the offer this runner held is no longer live
	// and has rotated away.
	RejectOfferExpired RejectReason = "offer_expired"
)

// AcceptRejectedError is the typed rejection returned by the acceptance
// coordinator when a precondition fails. No mutation is performed.
type AcceptRejectedError struct {
	TaskID   string
	RunnerID string
	Reason   RejectReason
}

func (e *AcceptRejectedError) Error() string {
	return fmt.Sprintf("accept rejected for task %s (runner %s): %s", e.TaskID, e.RunnerID, e.Reason)
}

// ValidationError represents malformed caller input, e.g. a geofenced task
// created without a requester location. Recovered locally; surfaced to
// requesters as "cannot match right now".
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Detail)
}

// ConflictError means a conditional write lost a race against another actor.
// This is expected and routine, never a fault: the losing actor re-reads and
// decides whether to retry or stop.
type ConflictError struct {
	Op     string
	TaskID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s lost conditional write on task %s", e.Op, e.TaskID)
}

// TaskNotFoundError represents a task lookup failure.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.TaskID)
}

// StoreError wraps a transient store failure (network, busy database). The
// caller retries with backoff; it is never silently dropped.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// InvariantViolationError indicates observed state that the conditional
// writes should have made impossible, e.g. two live offers on one task. It
// is fatal for the observing actor and must be logged loudly, never patched
// around client-side.
type InvariantViolationError struct {
	TaskID string
	Detail string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation on task %s: %s", e.TaskID, e.Detail)
}
