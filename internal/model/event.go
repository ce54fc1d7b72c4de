package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Platform identifies one side of the bridge.
type Platform string

const (
	PlatformChat      Platform = "chat"
	PlatformTicketing Platform = "ticketing"
)

// Other returns the opposite platform.
func (p Platform) Other() Platform {
	if p == PlatformChat {
		return PlatformTicketing
	}
	return PlatformChat
}

func ParsePlatform(s string) (Platform, error) {
	switch Platform(s) {
	case PlatformChat, PlatformTicketing:
		return Platform(s), nil
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// EventType discriminates the payload union.
type EventType string

const (
	EventMessageCreated            EventType = "message_created"
	EventAttachmentAdded           EventType = "attachment_added"
	EventThreadCreated             EventType = "thread_created"
	EventConversationStatusChanged EventType = "conversation_status_changed"
)

func ParseEventType(s string) (EventType, error) {
	switch EventType(s) {
	case EventMessageCreated, EventAttachmentAdded, EventThreadCreated, EventConversationStatusChanged:
		return EventType(s), nil
	}
	return "", fmt.Errorf("unknown event type %q", s)
}

// Priority orders dispatch. Derived from the event type, never set directly.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// PriorityFor is the static priority table: status changes are urgent,
// attachment-only events carry no text and can wait, everything else is normal.
func PriorityFor(t EventType) Priority {
	switch t {
	case EventConversationStatusChanged:
		return PriorityHigh
	case EventAttachmentAdded:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Source records provenance for observability.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourceRetry   Source = "retry"
	SourceManual  Source = "manual"
)

// Attachment describes a file referenced by a message.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Payload is the normalized platform-specific body. Which fields are
// meaningful depends on the event type; the normalizer enforces the
// per-type requirements before anything is queued.
type Payload struct {
	// ConversationID is the source-platform conversation identifier:
	// ticket ID for ticketing events, thread ID for chat events.
	ConversationID string `json:"conversation_id"`

	Text        string       `json:"text,omitempty"`
	AuthorID    string       `json:"author_id,omitempty"`
	AuthorName  string       `json:"author_name,omitempty"`
	AuthorEmail string       `json:"author_email,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// Status for conversation_status_changed events (e.g., "open", "closed").
	Status string `json:"status,omitempty"`

	// Title for thread_created events.
	Title string `json:"title,omitempty"`

	// Origin is the platform whose actor produced the content. When a relayed
	// message echoes back through the source platform's webhook, Origin still
	// names the platform it was authored on; the syncer uses it to break
	// reflection loops.
	Origin Platform `json:"origin,omitempty"`
}

// Event is the canonical unit of work flowing through the pipeline.
// Immutable after normalization except AttemptCount, which only the
// retry path advances.
type Event struct {
	EventID        string    `json:"event_id"`
	SourcePlatform Platform  `json:"source_platform"`
	TargetPlatform Platform  `json:"target_platform"`
	Type           EventType `json:"event_type"`
	ReceivedAt     time.Time `json:"received_at"`
	Payload        Payload   `json:"payload"`
	Priority       Priority  `json:"priority"`
	AttemptCount   int       `json:"attempt_count"`
	Source         Source    `json:"source"`
}

// MarshalPayload renders the payload for queue transport.
func (e *Event) MarshalPayload() (string, error) {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return "", fmt.Errorf("marshaling payload: %w", err)
	}
	return string(raw), nil
}
