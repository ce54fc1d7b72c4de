package model

import "time"

// OutcomeKind is the terminal state of an event's trip through the pipeline.
type OutcomeKind string

const (
	OutcomeDelivered    OutcomeKind = "delivered"
	OutcomeDuplicate    OutcomeKind = "duplicate"
	OutcomeDeadLettered OutcomeKind = "dead_lettered"
	OutcomeReplayed     OutcomeKind = "replayed"
)

// DeliveryOutcome is one append-only audit row per terminal pipeline outcome.
type DeliveryOutcome struct {
	ID             int64
	EventID        string
	Outcome        OutcomeKind
	SourcePlatform Platform
	TargetPlatform Platform
	EventType      EventType
	TicketID       string
	ThreadID       string
	AttemptCount   int
	Error          string
	CreatedAt      time.Time
}
