package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within a context.
// Fields flow through context enrichment, so business context (event_id, ticket_id,
// thread_id, ...) is included in every log statement without threading it by hand.
type LogFields struct {
	EventID   *string // Canonical event UUID
	JobID     *string // Redis stream entry ID
	TicketID  *string // Ticketing-side conversation ID
	ThreadID  *string // Chat-side thread ID
	Queue     *string // Queue the record was dequeued from
	EventType *string // Event type (e.g., "message_created")
	Attempt   *int    // Delivery attempt number
	Component string  // Component name (OTel semantic convention style, e.g., "bridge.queue.manager")
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking precedence.
// Context timeouts and cancellation are preserved.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

// mergeFields merges two LogFields, preferring non-nil/non-empty values from 'new'.
func mergeFields(existing, new LogFields) LogFields {
	result := existing

	if new.EventID != nil {
		result.EventID = new.EventID
	}
	if new.JobID != nil {
		result.JobID = new.JobID
	}
	if new.TicketID != nil {
		result.TicketID = new.TicketID
	}
	if new.ThreadID != nil {
		result.ThreadID = new.ThreadID
	}
	if new.Queue != nil {
		result.Queue = new.Queue
	}
	if new.EventType != nil {
		result.EventType = new.EventType
	}
	if new.Attempt != nil {
		result.Attempt = new.Attempt
	}
	if new.Component != "" {
		result.Component = new.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline: logger.WithLogFields(ctx, logger.LogFields{EventID: logger.Ptr(id)})
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen characters, appending "..." if truncated.
// Useful for logging potentially long strings like message bodies or error messages.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
