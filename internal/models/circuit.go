package models

import "time"

type CircuitStateName string

const (
	CircuitClosed   CircuitStateName = "CLOSED"
	CircuitOpen     CircuitStateName = "OPEN"
	CircuitHalfOpen CircuitStateName = "HALF_OPEN"
)

// CircuitState is the persisted breaker row, one per carrier.
type CircuitState struct {
	Carrier             Carrier          `json:"carrier"`
	State               CircuitStateName `json:"state"`
	ConsecutiveFailures int              `json:"consecutiveFailures"`
	OpenedAt            *time.Time       `json:"openedAt,omitempty"`
	LastTransitionAt    time.Time        `json:"lastTransitionAt"`
	// TrialStartedAt is set while a half-open trial call is in flight.
	TrialStartedAt   *time.Time `json:"trialStartedAt,omitempty"`
	RecentFailureIDs []string   `json:"-"`
	Version          int64      `json:"version"`
}

// NewCircuitState is the lazily created initial row.
func NewCircuitState(c Carrier, now time.Time) CircuitState {
	return CircuitState{
		Carrier:          c,
		State:            CircuitClosed,
		LastTransitionAt: now.UTC(),
	}
}
