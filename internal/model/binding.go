package model

import "time"

// ThreadBinding is the durable 1:1 association between a ticketing
// conversation and a chat thread. Immutable once created; a ticket is
// never rebound to a different thread.
type ThreadBinding struct {
	TicketID  string    `json:"ticket_id"`
	ThreadID  string    `json:"thread_id"`
	CreatedAt time.Time `json:"created_at"`
}
