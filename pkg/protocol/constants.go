package protocol

import "time"

// Matching window constants. These are the defaults; config can override
// each of them, but the relationships matter: the heartbeat freshness
// window exceeds the heartbeat period so a single delayed beat does not
// flap eligibility, and the exhaustion dwell gives the first candidate a
// full offer window before no-candidates can be declared.
const (
	// OfferWindow is how long a runner holds an offer before it lapses.
	OfferWindow = 60 * time.Second

	// HeartbeatPeriod is the cadence runner clients heartbeat at.
	HeartbeatPeriod = 60 * time.Second

	// HeartbeatWindow is the presence freshness cutoff for eligibility.
	HeartbeatWindow = 75 * time.Second

	// ProximityRadiusMeters bounds great-circle distance for errand tasks.
	ProximityRadiusMeters = 500.0

	// ExhaustionDwell is the minimum age a task must reach before a
	// no-candidates outcome may be declared, even when the pool is
	// provably empty earlier.
	ExhaustionDwell = 60 * time.Second

	// CancelWindow is how long after creation a requester may cancel a
	// not-yet-assigned task.
	CancelWindow = 5 * time.Minute

	// SweepInterval is the authoritative timeout enforcer cadence.
	SweepInterval = 5 * time.Second
)
