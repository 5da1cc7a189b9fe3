package worker

import "time"

type OutcomeKind string

const (
	OutcomeApplied        OutcomeKind = "applied"
	OutcomeAlreadyApplied OutcomeKind = "already_applied"
	OutcomeDropped        OutcomeKind = "dropped"
	OutcomeIneligible     OutcomeKind = "ineligible"
	OutcomeDeferred       OutcomeKind = "deferred"
	OutcomeRetry          OutcomeKind = "retry"
	OutcomeFlagged        OutcomeKind = "flagged"
	OutcomeAlerted        OutcomeKind = "alerted"
)

// Action is what the runner does with the delivery.
type Action string

const (
	ActionAck   Action = "ack"
	ActionNack  Action = "nack"  // consumes a delivery attempt
	ActionDefer Action = "defer" // does not
)

type Outcome struct {
	Kind   OutcomeKind
	Action Action
	Delay  time.Duration
	Reason string
}

func ack(kind OutcomeKind, reason string) Outcome {
	return Outcome{Kind: kind, Action: ActionAck, Reason: reason}
}

func retry(delay time.Duration, reason string) Outcome {
	return Outcome{Kind: OutcomeRetry, Action: ActionNack, Delay: delay, Reason: reason}
}

func deferFor(delay time.Duration, reason string) Outcome {
	return Outcome{Kind: OutcomeDeferred, Action: ActionDefer, Delay: delay, Reason: reason}
}
