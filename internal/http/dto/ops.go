// Package dto holds the request and response shapes of the HTTP surface.
package dto

import "time"

type WebhookAck struct {
	Status  string `json:"status"`
	EventID string `json:"event_id,omitempty"`
}

type ChallengeResponse struct {
	Challenge string `json:"challenge"`
}

type QueueStatusResponse struct {
	QueueSizes    QueueSizes `json:"queueSizes"`
	ActiveWorkers int64      `json:"activeWorkers"`
	IsProcessing  bool       `json:"isProcessing"`
}

type QueueSizes struct {
	Normal     int64 `json:"normal"`
	Priority   int64 `json:"priority"`
	Delayed    int64 `json:"delayed"`
	DeadLetter int64 `json:"deadLetter"`
}

type ReplayResponse struct {
	Replayed int `json:"replayed"`
}

type DeadLetterRecord struct {
	JobID         string    `json:"job_id"`
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	OriginalQueue string    `json:"original_queue"`
	AttemptCount  int       `json:"attempt_count"`
	Error         string    `json:"error"`
	FailedAt      time.Time `json:"failed_at"`
}

type OutcomeRecord struct {
	EventID        string    `json:"event_id"`
	Outcome        string    `json:"outcome"`
	SourcePlatform string    `json:"source_platform"`
	TargetPlatform string    `json:"target_platform"`
	EventType      string    `json:"event_type"`
	TicketID       string    `json:"ticket_id,omitempty"`
	ThreadID       string    `json:"thread_id,omitempty"`
	AttemptCount   int       `json:"attempt_count"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
