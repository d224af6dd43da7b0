package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"gofer/pkg/protocol"
)

// This file holds the guarded lifecycle writes. Each one runs a
// read-verify-write inside a single immediate transaction and additionally
// repeats its precondition in the UPDATE's WHERE clause, so a write only
// lands if the read-time condition still holds at write time.

// PlaceOffer transitions pending -> offered for the given runner, stamping
// offer_expires_at = now + window. No-ops with ConflictError if another
// actor already advanced the task.
func (s *Store) PlaceOffer(ctx context.Context, taskID, runnerID string, now time.Time, window time.Duration) (protocol.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return protocol.Task{}, &protocol.StoreError{Op: "begin place offer", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	t, err := getTaskTx(ctx, tx, taskID)
	if err != nil {
		return protocol.Task{}, err
	}
	if t.Status != protocol.StatusPending || t.OfferedRunnerID != "" {
		return protocol.Task{}, &protocol.ConflictError{Op: "place offer", TaskID: taskID}
	}
	if t.Exhausted(runnerID) {
		// Exhausted runners are never re-offered; the eligibility filter
		// should have excluded this candidate.
		return protocol.Task{}, &protocol.ConflictError{Op: "place offer", TaskID: taskID}
	}

	expires := now.Add(window)
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, offered_runner_id = ?, offer_expires_at = ?
		 WHERE id = ? AND status = ? AND offered_runner_id IS NULL`,
		string(protocol.StatusOffered), runnerID, fmtTime(expires),
		taskID, string(protocol.StatusPending))
	if err != nil {
		return protocol.Task{}, &protocol.StoreError{Op: "place offer", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return protocol.Task{}, &protocol.ConflictError{Op: "place offer", TaskID: taskID}
	}

	t.Status = protocol.StatusOffered
	t.OfferedRunnerID = runnerID
	t.OfferExpiresAt = expires.UTC()
	if err := appendChange(ctx, tx, t, protocol.TransitionOffered, now); err != nil {
		return protocol.Task{}, &protocol.StoreError{Op: "place offer", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return protocol.Task{}, &protocol.StoreError{Op: "commit place offer", Err: err}
	}
	return t, nil
}

// clearOffer reverts offered -> pending for runnerID, appending the runner
// to the exhausted set. requireLapsed additionally demands the offer has
// expired, which is what makes the timeout path safe to call any number of
// times: a newer offer (different runner, or the same runner with a fresh
// expiry) fails the guard and the call is a no-op.
func (s *Store) clearOffer(ctx context.Context, taskID, runnerID string, now time.Time, requireLapsed bool, transition protocol.Transition) (protocol.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return protocol.Task{}, &protocol.StoreError{Op: "begin clear offer", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	t, err := getTaskTx(ctx, tx, taskID)
	if err != nil {
		return protocol.Task{}, err
	}
	if t.Status != protocol.StatusOffered || t.OfferedRunnerID != runnerID {
		return protocol.Task{}, &protocol.ConflictError{Op: "clear offer", TaskID: taskID}
	}
	if requireLapsed && now.Before(t.OfferExpiresAt) {
		// Still-live offer; expiring it now would clear an offer that has
		// been superseded since the caller last looked.
		return protocol.Task{}, &protocol.ConflictError{Op: "clear offer", TaskID: taskID}
	}

	exhausted := t.ExhaustedRunnerIDs
	if !t.Exhausted(runnerID) {
		exhausted = append(exhausted, runnerID)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, offered_runner_id = NULL, offer_expires_at = NULL, exhausted_runner_ids = ?
		 WHERE id = ? AND status = ? AND offered_runner_id = ?`,
		string(protocol.StatusPending), idsToJSON(exhausted),
		taskID, string(protocol.StatusOffered), runnerID)
	if err != nil {
		return protocol.Task{}, &protocol.StoreError{Op: "clear offer", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return protocol.Task{}, &protocol.ConflictError{Op: "clear offer", TaskID: taskID}
	}

	t.Status = protocol.StatusPending
	t.OfferedRunnerID = ""
	t.OfferExpiresAt = time.Time{}
	t.ExhaustedRunnerIDs = exhausted
	if err := appendChange(ctx, tx, t, transition, now); err != nil {
		return protocol.Task{}, &protocol.StoreError{Op: "clear offer", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return protocol.Task{}, &protocol.StoreError{Op: "commit clear offer", Err: err}
	}
	return t, nil
}

// ExpireOffer clears a lapsed offer held by runnerID. Safe to call zero,
// one, or many times for the same stale offer.
func (s *Store) ExpireOffer(ctx context.Context, taskID, runnerID string, now time.Time) (protocol.Task, error) {
	return s.clearOffer(ctx, taskID, runnerID, now, true, protocol.TransitionOfferExpired)
}

// DeclineOffer clears a live offer that runnerID explicitly turned down.
func (s *Store) DeclineOffer(ctx context.Context, taskID, runnerID string, now time.Time) (protocol.Task, error) {
	return s.clearOffer(ctx, taskID, runnerID, now, false, protocol.TransitionDeclined)
}

// Accept performs the acceptance coordinator's transactional
// read-verify-write. Preconditions, checked against store state inside the
// same transaction that writes:
//   - the runner holds no other active assignment at all, and none with
//     this task's requester;
//   - the task's offered runner is null or equals runnerID;
//   - the task is not already assigned or terminal.
//
// On success the task becomes assigned atomically. On a violated
// precondition a *protocol.AcceptRejectedError is returned and nothing is
// mutated. This is the only code path that sets assigned_runner_id.
func (s *Store) Accept(ctx context.Context, taskID, runnerID string, now time.Time) (protocol.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return protocol.Task{}, &protocol.StoreError{Op: "begin accept", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	t, err := getTaskTx(ctx, tx, taskID)
	if err != nil {
		return protocol.Task{}, err
	}

	if t.Status == protocol.StatusAssigned || t.Status.Terminal() {
		return protocol.Task{}, &protocol.AcceptRejectedError{TaskID: taskID, RunnerID: runnerID, Reason: protocol.RejectAlreadyAssigned}
	}
	if t.Exhausted(runnerID) {
		// This runner's offer already lapsed or was declined.
		return protocol.Task{}, &protocol.AcceptRejectedError{TaskID: taskID, RunnerID: runnerID, Reason: protocol.RejectOfferExpired}
	}
	if t.OfferedRunnerID != "" && t.OfferedRunnerID != runnerID {
		return protocol.Task{}, &protocol.AcceptRejectedError{TaskID: taskID, RunnerID: runnerID, Reason: protocol.RejectAlreadyAssigned}
	}

	// One active assignment per runner, and at most one per runner-requester
	// pairing. Checked here, inside the writing transaction, not as an
	// advisory application-level check.
	if n, err := activeAssignmentsTx(ctx, tx, runnerID, ""); err != nil {
		return protocol.Task{}, err
	} else if n > 0 {
		return protocol.Task{}, &protocol.AcceptRejectedError{TaskID: taskID, RunnerID: runnerID, Reason: protocol.RejectOverCapacity}
	}
	if n, err := activeAssignmentsTx(ctx, tx, runnerID, t.RequesterID); err != nil {
		return protocol.Task{}, err
	} else if n > 0 {
		return protocol.Task{}, &protocol.AcceptRejectedError{TaskID: taskID, RunnerID: runnerID, Reason: protocol.RejectOverCapacity}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, assigned_runner_id = ?, offered_runner_id = NULL, offer_expires_at = NULL, accepted_at = ?
		 WHERE id = ? AND status IN (?, ?) AND assigned_runner_id IS NULL
		   AND (offered_runner_id IS NULL OR offered_runner_id = ?)`,
		string(protocol.StatusAssigned), runnerID, fmtTime(now),
		taskID, string(protocol.StatusPending), string(protocol.StatusOffered), runnerID)
	if err != nil {
		return protocol.Task{}, &protocol.StoreError{Op: "accept", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return protocol.Task{}, &protocol.AcceptRejectedError{TaskID: taskID, RunnerID: runnerID, Reason: protocol.RejectAlreadyAssigned}
	}

	t.Status = protocol.StatusAssigned
	t.AssignedRunnerID = runnerID
	t.OfferedRunnerID = ""
	t.OfferExpiresAt = time.Time{}
	t.AcceptedAt = now.UTC()
	if err := appendChange(ctx, tx, t, protocol.TransitionAssigned, now); err != nil {
		return protocol.Task{}, &protocol.StoreError{Op: "accept", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return protocol.Task{}, &protocol.StoreError{Op: "commit accept", Err: err}
	}
	return t, nil
}

// Cancel withdraws a not-yet-assigned task at the requester's request.
// Allowed only while status is pending or offered and within window of
// creation. A concurrent acceptance that lands first wins the race and this
// call returns ConflictError.
func (s *Store) Cancel(ctx context.Context, taskID, requesterID string, now time.Time, window time.Duration) (protocol.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return protocol.Task{}, &protocol.StoreError{Op: "begin cancel", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	t, err := getTaskTx(ctx, tx, taskID)
	if err != nil {
		return protocol.Task{}, err
	}
	if t.RequesterID != requesterID {
		return protocol.Task{}, &protocol.ValidationError{Field: "requester_id", Detail: "not the task owner"}
	}
	if t.Status != protocol.StatusPending && t.Status != protocol.StatusOffered {
		return protocol.Task{}, &protocol.ConflictError{Op: "cancel", TaskID: taskID}
	}
	if now.After(t.CreatedAt.Add(window)) {
		return protocol.Task{}, &protocol.ValidationError{Field: "cancel", Detail: "cancellation window elapsed"}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, offered_runner_id = NULL, offer_expires_at = NULL
		 WHERE id = ? AND status = ? AND assigned_runner_id IS NULL`,
		string(protocol.StatusCancelled), taskID, string(t.Status))
	if err != nil {
		return protocol.Task{}, &protocol.StoreError{Op: "cancel", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return protocol.Task{}, &protocol.ConflictError{Op: "cancel", TaskID: taskID}
	}

	t.Status = protocol.StatusCancelled
	t.OfferedRunnerID = ""
	t.OfferExpiresAt = time.Time{}
	if err := appendChange(ctx, tx, t, protocol.TransitionCancelled, now); err != nil {
		return protocol.Task{}, &protocol.StoreError{Op: "cancel", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return protocol.Task{}, &protocol.StoreError{Op: "commit cancel", Err: err}
	}
	return t, nil
}

// MarkExhausted transitions pending -> cancelled when no eligible,
// non-exhausted candidates remain. The guarded transition is what makes the
// exhaustion event exactly-once: a second detector pass finds the task no
// longer pending and no-ops.
func (s *Store) MarkExhausted(ctx context.Context, taskID string, now time.Time) (protocol.Task, error) {
	return s.ConditionalUpdate(ctx, taskID,
		Expect{Status: protocol.StatusPending, NoOffer: true},
		Update{Status: protocol.StatusCancelled},
		protocol.TransitionExhausted, now)
}

// Complete marks an assigned task completed by its requester.
func (s *Store) Complete(ctx context.Context, taskID, requesterID string, now time.Time) (protocol.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return protocol.Task{}, &protocol.StoreError{Op: "begin complete", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	t, err := getTaskTx(ctx, tx, taskID)
	if err != nil {
		return protocol.Task{}, err
	}
	if t.RequesterID != requesterID {
		return protocol.Task{}, &protocol.ValidationError{Field: "requester_id", Detail: "not the task owner"}
	}
	return s.finishTx(ctx, tx, t, protocol.StatusCompleted, protocol.TransitionCompleted, now)
}

// Deliver marks an assigned task delivered by its assigned runner.
func (s *Store) Deliver(ctx context.Context, taskID, runnerID string, now time.Time) (protocol.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return protocol.Task{}, &protocol.StoreError{Op: "begin deliver", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	t, err := getTaskTx(ctx, tx, taskID)
	if err != nil {
		return protocol.Task{}, err
	}
	if t.AssignedRunnerID != runnerID {
		return protocol.Task{}, &protocol.ValidationError{Field: "runner_id", Detail: "not the assigned runner"}
	}
	return s.finishTx(ctx, tx, t, protocol.StatusDelivered, protocol.TransitionDelivered, now)
}

// finishTx applies an assigned -> terminal transition inside tx.
func (s *Store) finishTx(ctx context.Context, tx *sql.Tx, t protocol.Task, to protocol.TaskStatus, transition protocol.Transition, now time.Time) (protocol.Task, error) {
	if t.Status != protocol.StatusAssigned {
		return protocol.Task{}, &protocol.ConflictError{Op: string(transition), TaskID: t.ID}
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
		string(to), fmtTime(now), t.ID, string(protocol.StatusAssigned))
	if err != nil {
		return protocol.Task{}, &protocol.StoreError{Op: string(transition), Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return protocol.Task{}, &protocol.ConflictError{Op: string(transition), TaskID: t.ID}
	}

	t.Status = to
	t.CompletedAt = now.UTC()
	if err := appendChange(ctx, tx, t, transition, now); err != nil {
		return protocol.Task{}, &protocol.StoreError{Op: string(transition), Err: err}
	}
	if err := tx.Commit(); err != nil {
		return protocol.Task{}, &protocol.StoreError{Op: "commit " + string(transition), Err: err}
	}
	return t, nil
}

// DeleteAcknowledged removes a cancelled task after its requester
// acknowledged the no-candidates outcome. Deletion stays attributable to an
// explicit requester action; nothing in the system deletes tasks on its own.
func (s *Store) DeleteAcknowledged(ctx context.Context, taskID, requesterID string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &protocol.StoreError{Op: "begin withdraw", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	t, err := getTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if t.RequesterID != requesterID {
		return &protocol.ValidationError{Field: "requester_id", Detail: "not the task owner"}
	}
	if t.Status != protocol.StatusCancelled {
		return &protocol.ConflictError{Op: "withdraw", TaskID: taskID}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND status = ?`, taskID, string(protocol.StatusCancelled)); err != nil {
		return &protocol.StoreError{Op: "withdraw", Err: err}
	}
	t.Status = protocol.StatusCancelled
	if err := appendChange(ctx, tx, t, protocol.TransitionWithdrawn, now); err != nil {
		return &protocol.StoreError{Op: "withdraw", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &protocol.StoreError{Op: "commit withdraw", Err: err}
	}
	return nil
}

// --- generic conditional update ---

// Expect is the read-time condition a ConditionalUpdate requires at write
// time.
type Expect struct {
	Status  protocol.TaskStatus // "" = any status
	NoOffer bool                // require offered_runner_id IS NULL
}

// Update is the field set a ConditionalUpdate applies.
type Update struct {
	Status          protocol.TaskStatus
	OfferedRunnerID string     // "" clears
	OfferExpiresAt  *time.Time // nil clears
}

// ConditionalUpdate applies set to the task only if expect still holds,
// appending a change-log row for transition when one is named. Returns
// ConflictError when the condition no longer holds.
func (s *Store) ConditionalUpdate(ctx context.Context, taskID string, expect Expect, set Update, transition protocol.Transition, now time.Time) (protocol.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return protocol.Task{}, &protocol.StoreError{Op: "begin conditional update", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	t, err := getTaskTx(ctx, tx, taskID)
	if err != nil {
		return protocol.Task{}, err
	}

	conds := []string{"id = ?"}
	args := []any{}
	if expect.Status != "" {
		conds = append(conds, "status = ?")
	}
	if expect.NoOffer {
		conds = append(conds, "offered_runner_id IS NULL")
	}

	sets := []string{"status = ?", "offered_runner_id = ?", "offer_expires_at = ?"}
	args = append(args, string(set.Status), nullStr(set.OfferedRunnerID))
	if set.OfferExpiresAt != nil {
		args = append(args, fmtTime(*set.OfferExpiresAt))
	} else {
		args = append(args, nil)
	}
	args = append(args, taskID)
	if expect.Status != "" {
		args = append(args, string(expect.Status))
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE `+strings.Join(conds, " AND "), args...)
	if err != nil {
		return protocol.Task{}, &protocol.StoreError{Op: "conditional update", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return protocol.Task{}, &protocol.ConflictError{Op: "conditional update", TaskID: taskID}
	}

	t.Status = set.Status
	t.OfferedRunnerID = set.OfferedRunnerID
	if set.OfferExpiresAt != nil {
		t.OfferExpiresAt = set.OfferExpiresAt.UTC()
	} else {
		t.OfferExpiresAt = time.Time{}
	}
	if transition != "" {
		if err := appendChange(ctx, tx, t, transition, now); err != nil {
			return protocol.Task{}, &protocol.StoreError{Op: "conditional update", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return protocol.Task{}, &protocol.StoreError{Op: "commit conditional update", Err: err}
	}
	return t, nil
}
