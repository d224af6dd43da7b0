// Package protocol defines the shared domain types for the gofer matching
// core: task lifecycle states, transition kinds for the change log, runner
// presence, typed rejections, and the SQLite schema the daemon runs on.
package protocol

import (
	"time"
)

// TaskKind distinguishes the two task products.
type TaskKind string

// Task kind constants.
const (
	KindErrand     TaskKind = "errand"     // location-scoped simple errand
	KindCommission TaskKind = "commission" // creative commission, no geofence
)

// Geofenced reports whether this kind requires proximity filtering.
func (k TaskKind) Geofenced() bool {
	return k == KindErrand
}

// Valid reports whether k is a known task kind.
func (k TaskKind) Valid() bool {
	return k == KindErrand || k == KindCommission
}

// TaskStatus represents a task's lifecycle state.
type TaskStatus string

// Task status constants. "offered" is modeled as an explicit status: a task
// is offered exactly while one runner holds a live, unexpired offer.
const (
	StatusPending   TaskStatus = "pending"
	StatusOffered   TaskStatus = "offered"
	StatusAssigned  TaskStatus = "assigned"
	StatusCompleted TaskStatus = "completed"
	StatusDelivered TaskStatus = "delivered"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDelivered, StatusCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether s counts against a runner's capacity: an assignment
// is active from acceptance until it reaches a terminal state.
func (s TaskStatus) Active() bool {
	return s == StatusAssigned
}

// ValidTransition reports whether from -> to is an edge of the status graph.
// Assignments never revert once placed; cancellation is only reachable from
// pre-assigned states (the accept/cancel race is resolved by whichever
// conditional write lands first).
func ValidTransition(from, to TaskStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusOffered || to == StatusCancelled
	case StatusOffered:
		return to == StatusPending || to == StatusAssigned || to == StatusCancelled
	case StatusAssigned:
		return to == StatusCompleted || to == StatusDelivered
	default:
		return false
	}
}

// Transition classifies a change-log entry. Requester clients key their
// notify-once markers on (taskID, transition).
type Transition string

// Transition constants for the task change log.
const (
	TransitionCreated      Transition = "created"
	TransitionOffered      Transition = "offered"
	TransitionOfferExpired Transition = "offer_expired"
	TransitionDeclined     Transition = "declined"
	TransitionAssigned     Transition = "assigned"
	TransitionCancelled    Transition = "cancelled"
	TransitionExhausted    Transition = "exhausted"
	TransitionCompleted    Transition = "completed"
	TransitionDelivered    Transition = "delivered"
	TransitionWithdrawn    Transition = "withdrawn"
)

// Task is one matching request, errand or commission. Lifecycle fields are
// identical for both kinds; Lat/Lng are only meaningful for geofenced kinds.
type Task struct {
	ID                 string     `json:"id"`
	Kind               TaskKind   `json:"kind"`
	RequesterID        string     `json:"requester_id"`
	Status             TaskStatus `json:"status"`
	AssignedRunnerID   string     `json:"assigned_runner_id,omitempty"`
	OfferedRunnerID    string     `json:"offered_runner_id,omitempty"`
	OfferExpiresAt     time.Time  `json:"offer_expires_at,omitzero"`
	ExhaustedRunnerIDs []string   `json:"exhausted_runner_ids,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	AcceptedAt         time.Time  `json:"accepted_at,omitzero"`
	CompletedAt        time.Time  `json:"completed_at,omitzero"`
	Lat                *float64   `json:"lat,omitempty"`
	Lng                *float64   `json:"lng,omitempty"`
}

// HasLiveOffer reports whether the task currently holds an unexpired offer.
func (t Task) HasLiveOffer(now time.Time) bool {
	return t.OfferedRunnerID != "" && !t.OfferExpiresAt.IsZero() && now.Before(t.OfferExpiresAt)
}

// Exhausted reports whether runnerID has already been offered-and-expired or
// has declined this task. Exhausted runners are never re-offered.
func (t Task) Exhausted(runnerID string) bool {
	for _, id := range t.ExhaustedRunnerIDs {
		if id == runnerID {
			return true
		}
	}
	return false
}

// HasLocation reports whether the requester location hint is present.
func (t Task) HasLocation() bool {
	return t.Lat != nil && t.Lng != nil
}

// TaskChange is one append-only change-log row. Cursor is the monotonically
// increasing feed position; consumers resume from the last cursor they saw
// and must tolerate at-least-once delivery.
type TaskChange struct {
	Cursor      int64      `json:"cursor"`
	TaskID      string     `json:"task_id"`
	RequesterID string     `json:"requester_id"`
	Transition  Transition `json:"transition"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Presence is one runner's heartbeat record. It is owned and mutated by the
// runner's own client; the matching core only reads it.
type Presence struct {
	RunnerID          string    `json:"runner_id"`
	Role              string    `json:"role"`
	IsAvailable       bool      `json:"is_available"`
	LastSeenAt        time.Time `json:"last_seen_at"`
	LocationUpdatedAt time.Time `json:"location_updated_at,omitzero"`
	Lat               *float64  `json:"lat,omitempty"`
	Lng               *float64  `json:"lng,omitempty"`
}

// RoleRunner is the role string required for matching eligibility.
const RoleRunner = "runner"

// HasLocation reports whether the presence record carries coordinates.
func (p Presence) HasLocation() bool {
	return p.Lat != nil && p.Lng != nil
}
