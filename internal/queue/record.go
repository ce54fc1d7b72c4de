package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"threadline.dev/bridge/internal/model"
)

// Persisted state layout. The three queues are independent Redis streams;
// delayed re-enqueues wait in a sorted set keyed by ready time.
const (
	QueueNormal     = "queue:normal"
	QueuePriority   = "queue:priority"
	QueueDeadLetter = "queue:dead-letter"
	DelayedKey      = "queue:delayed"
)

// QueueFor routes an event priority onto a stream. Low priority shares the
// normal stream; only high-priority events get the dedicated one.
func QueueFor(p model.Priority) string {
	if p == model.PriorityHigh {
		return QueuePriority
	}
	return QueueNormal
}

// Record wraps an Event with queue metadata. Owned by the manager; handlers
// signal outcome through Ack/Fail and never mutate a record directly.
type Record struct {
	// JobID is the Redis stream entry ID.
	JobID string
	Queue string
	Event model.Event

	EnqueuedAt     time.Time
	LeaseExpiresAt time.Time

	TraceID string

	// Dead-letter metadata, populated only for records read off the DLQ.
	FailedAt      time.Time
	ErrorMessage  string
	OriginalQueue string

	Raw redis.XMessage
}

// recordValues flattens an event into stream fields. Everything is a string
// so the same encoding survives the delayed-entry JSON round trip.
func recordValues(ev model.Event, traceID string, enqueuedAt time.Time) map[string]string {
	payload, err := ev.MarshalPayload()
	if err != nil {
		// Payload came from our own normalizer; a marshal failure here is a bug.
		payload = "{}"
	}

	values := map[string]string{
		"event_id":        ev.EventID,
		"source_platform": string(ev.SourcePlatform),
		"target_platform": string(ev.TargetPlatform),
		"event_type":      string(ev.Type),
		"received_at":     ev.ReceivedAt.UTC().Format(time.RFC3339Nano),
		"payload":         payload,
		"priority":        strconv.Itoa(int(ev.Priority)),
		"attempt":         strconv.Itoa(ev.AttemptCount),
		"source":          string(ev.Source),
		"enqueued_at":     enqueuedAt.UTC().Format(time.RFC3339Nano),
	}
	if traceID != "" {
		values["trace_id"] = traceID
	}
	return values
}

// ParseRecord decodes a stream entry back into a Record.
func ParseRecord(queueName string, msg redis.XMessage) (Record, error) {
	eventID, err := parseString(msg.Values, "event_id")
	if err != nil {
		return Record{}, err
	}

	sourcePlatform, err := parseString(msg.Values, "source_platform")
	if err != nil {
		return Record{}, err
	}
	source, err := model.ParsePlatform(sourcePlatform)
	if err != nil {
		return Record{}, err
	}

	targetPlatform, err := parseString(msg.Values, "target_platform")
	if err != nil {
		return Record{}, err
	}
	target, err := model.ParsePlatform(targetPlatform)
	if err != nil {
		return Record{}, err
	}

	eventTypeStr, err := parseString(msg.Values, "event_type")
	if err != nil {
		return Record{}, err
	}
	eventType, err := model.ParseEventType(eventTypeStr)
	if err != nil {
		return Record{}, err
	}

	payloadStr, err := parseString(msg.Values, "payload")
	if err != nil {
		return Record{}, err
	}
	var payload model.Payload
	if err := json.Unmarshal([]byte(payloadStr), &payload); err != nil {
		return Record{}, fmt.Errorf("decoding payload: %w", err)
	}

	attempt := parseOptionalInt(msg.Values, "attempt")
	priority := parseOptionalInt(msg.Values, "priority")
	receivedAt := parseOptionalTime(msg.Values, "received_at")
	enqueuedAt := parseOptionalTime(msg.Values, "enqueued_at")

	eventSource := model.Source(parseOptionalString(msg.Values, "source"))
	if eventSource == "" {
		eventSource = model.SourceWebhook
	}

	rec := Record{
		JobID: msg.ID,
		Queue: queueName,
		Event: model.Event{
			EventID:        eventID,
			SourcePlatform: source,
			TargetPlatform: target,
			Type:           eventType,
			ReceivedAt:     receivedAt,
			Payload:        payload,
			Priority:       model.Priority(priority),
			AttemptCount:   attempt,
			Source:         eventSource,
		},
		EnqueuedAt: enqueuedAt,
		TraceID:    parseOptionalString(msg.Values, "trace_id"),
		Raw:        msg,
	}

	if queueName == QueueDeadLetter {
		rec.ErrorMessage = parseOptionalString(msg.Values, "error")
		rec.OriginalQueue = parseOptionalString(msg.Values, "original_queue")
		rec.FailedAt = parseOptionalTime(msg.Values, "failed_at")
	}

	return rec, nil
}

func parseString(values map[string]any, key string) (string, error) {
	raw, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing %s", key)
	}
	return fmt.Sprint(raw), nil
}

func parseOptionalString(values map[string]any, key string) string {
	raw, ok := values[key]
	if !ok {
		return ""
	}
	return fmt.Sprint(raw)
}

func parseOptionalInt(values map[string]any, key string) int {
	raw, ok := values[key]
	if !ok {
		return 0
	}
	num, err := strconv.Atoi(fmt.Sprint(raw))
	if err != nil {
		return 0
	}
	return num
}

func parseOptionalTime(values map[string]any, key string) time.Time {
	raw, ok := values[key]
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, fmt.Sprint(raw))
	if err != nil {
		return time.Time{}
	}
	return t
}
