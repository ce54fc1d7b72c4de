// Package queue implements the durable, priority-aware delivery queues on
// Redis streams with consumer groups. Leases come from the group's pending
// entries: a dequeued record that is never acked or failed goes stale and
// the reclaimer makes it redeliverable, giving at-least-once delivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"threadline.dev/bridge/common/logger"
	"threadline.dev/bridge/internal/model"
	"threadline.dev/bridge/internal/retry"
)

// ErrNoRecord is returned by Dequeue when the queue has no undelivered
// records.
var ErrNoRecord = errors.New("no record available")

type Config struct {
	ConsumerGroup string
	ConsumerName  string
}

// AuditSink receives terminal pipeline outcomes. Recording is best-effort;
// a sink failure never fails the queue operation that produced the outcome.
type AuditSink interface {
	Record(ctx context.Context, outcome model.DeliveryOutcome) error
}

// Manager owns all queue mutation. Handlers never touch records directly;
// the dispatcher signals outcomes through Ack and Fail.
type Manager struct {
	client *redis.Client
	cfg    Config
	policy retry.Policy
	logger *slog.Logger
	audit  AuditSink
}

// SetAuditSink attaches the delivery audit log. Dead-letter transfers and
// replays are recorded through it.
func (m *Manager) SetAuditSink(sink AuditSink) {
	m.audit = sink
}

func (m *Manager) recordOutcome(ctx context.Context, outcome model.DeliveryOutcome) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Record(ctx, outcome); err != nil {
		slog.WarnContext(ctx, "failed to record queue outcome", "error", err)
	}
}

func NewManager(client *redis.Client, cfg Config, policy retry.Policy, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{client: client, cfg: cfg, policy: policy, logger: log}

	for _, stream := range []string{QueueNormal, QueuePriority} {
		if err := m.ensureGroup(context.Background(), stream); err != nil { //nolint:contextcheck
			return nil, err
		}
	}
	return m, nil
}

func (m *Manager) ensureGroup(ctx context.Context, stream string) error {
	// Starting from "0" instead of "$" means a recreated group still sees
	// whatever is already sitting in the stream.
	if err := m.client.XGroupCreateMkStream(ctx, stream, m.cfg.ConsumerGroup, "0").Err(); err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("creating consumer group for %s: %w", stream, err)
	}
	return nil
}

// Enqueue writes the event to the priority-appropriate stream and returns
// the stream entry ID as the job ID.
func (m *Manager) Enqueue(ctx context.Context, ev model.Event) (string, error) {
	queueName := QueueFor(ev.Priority)

	traceID := ""
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		traceID = sc.TraceID().String()
	}

	jobID, err := m.client.XAdd(ctx, &redis.XAddArgs{
		Stream: queueName,
		Values: recordValues(ev, traceID, time.Now()),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue to %s: %w", queueName, err)
	}

	slog.InfoContext(ctx, "event enqueued",
		"event_id", ev.EventID,
		"event_type", ev.Type,
		"queue", queueName,
		"job_id", jobID,
		"priority", int(ev.Priority),
		"source", ev.Source)
	return jobID, nil
}

// Dequeue pops the next undelivered record from the named queue. The read
// never blocks: the dispatcher interleaves slots across queues, and a
// blocking read on one empty queue would stall delivery on the others.
// The lease is advisory here; actual redelivery of stalled records is
// driven by the reclaimer watching the group's pending entries for the
// same duration.
func (m *Manager) Dequeue(ctx context.Context, queueName string, lease time.Duration) (*Record, error) {
	streams, err := m.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    m.cfg.ConsumerGroup,
		Consumer: m.cfg.ConsumerName,
		// ">" = messages never delivered to any consumer. Stale pending
		// entries are the reclaimer's job, not ours.
		Streams: []string{queueName, ">"},
		Count:   1,
		// Negative means no BLOCK argument at all.
		Block: -1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoRecord
		}
		return nil, fmt.Errorf("reading from %s: %w", queueName, err)
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			rec, parseErr := ParseRecord(queueName, msg)
			if parseErr != nil {
				// A record we cannot decode would loop forever; ack it away.
				slog.ErrorContext(ctx, "failed to parse queue record, acknowledging to prevent loop",
					"error", parseErr,
					"raw_message_id", msg.ID,
					"queue", queueName)
				_ = m.Ack(ctx, Record{JobID: msg.ID, Queue: queueName, Raw: msg})
				continue
			}
			rec.LeaseExpiresAt = time.Now().Add(lease)
			return &rec, nil
		}
	}

	return nil, ErrNoRecord
}

// Ack removes the record permanently: the entry leaves both the pending
// list and the stream itself, so queue depth always equals live backlog.
func (m *Manager) Ack(ctx context.Context, rec Record) error {
	if err := m.client.XAck(ctx, rec.Queue, m.cfg.ConsumerGroup, rec.JobID).Err(); err != nil {
		return fmt.Errorf("xack (queue=%s): %w", rec.Queue, err)
	}
	if err := m.client.XDel(ctx, rec.Queue, rec.JobID).Err(); err != nil {
		return fmt.Errorf("xdel (queue=%s): %w", rec.Queue, err)
	}

	slog.DebugContext(ctx, "record acknowledged", "queue", rec.Queue, "job_id", rec.JobID)
	return nil
}

// Fail routes a failed attempt through the retry policy: either a delayed
// re-enqueue onto the record's own queue, or transfer to the dead-letter
// stream. Either way the original lease is released.
func (m *Manager) Fail(ctx context.Context, rec Record, cause error) (retry.Decision, error) {
	failedAttempt := rec.Event.AttemptCount + 1
	decision := m.policy.Decide(cause, failedAttempt)

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		EventID: logger.Ptr(rec.Event.EventID),
		Queue:   logger.Ptr(rec.Queue),
		Attempt: logger.Ptr(failedAttempt),
	})

	// The successor entry is written before the lease is released. A crash
	// or Redis error between the two leaves the original pending for the
	// reclaimer to redeliver; the reverse order would lose the event
	// outright, since Ack also deletes the stream copy.
	if decision.Verdict == retry.VerdictDeadLetter {
		if err := m.sendDeadLetter(ctx, rec, failedAttempt, cause); err != nil {
			return decision, err
		}
	} else {
		ev := rec.Event
		ev.AttemptCount = failedAttempt
		if err := m.scheduleRetry(ctx, rec.Queue, ev, rec.TraceID, decision.Delay); err != nil {
			return decision, err
		}
		slog.WarnContext(ctx, "record scheduled for retry",
			"delay", decision.Delay,
			"reason", cause.Error())
	}

	if err := m.Ack(ctx, rec); err != nil {
		return decision, fmt.Errorf("releasing lease of failed record: %w", err)
	}
	return decision, nil
}

// delayedEntry is the sorted-set member for a scheduled re-enqueue.
type delayedEntry struct {
	Queue  string            `json:"queue"`
	Values map[string]string `json:"values"`
}

// scheduleRetry parks the event in the delay set; the scheduler moves it
// back onto its stream once the backoff elapses. Workers never sleep on
// another event's backoff window.
func (m *Manager) scheduleRetry(ctx context.Context, queueName string, ev model.Event, traceID string, delay time.Duration) error {
	member, err := json.Marshal(delayedEntry{
		Queue:  queueName,
		Values: recordValues(ev, traceID, time.Now()),
	})
	if err != nil {
		return fmt.Errorf("encoding delayed entry: %w", err)
	}

	readyAt := time.Now().Add(delay)
	if err := m.client.ZAdd(ctx, DelayedKey, redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: string(member),
	}).Err(); err != nil {
		return fmt.Errorf("zadd delayed: %w", err)
	}
	return nil
}

func (m *Manager) sendDeadLetter(ctx context.Context, rec Record, failedAttempt int, cause error) error {
	values := recordValues(rec.Event, rec.TraceID, time.Now())
	values["attempt"] = fmt.Sprint(failedAttempt)
	values["error"] = cause.Error()
	values["failed_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	values["original_queue"] = rec.Queue

	if err := m.client.XAdd(ctx, &redis.XAddArgs{
		Stream: QueueDeadLetter,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("xadd dead-letter: %w", err)
	}

	slog.ErrorContext(ctx, "record dead-lettered",
		"final_error", cause.Error(),
		"original_queue", rec.Queue)
	m.recordOutcome(ctx, model.DeliveryOutcome{
		EventID:        rec.Event.EventID,
		Outcome:        model.OutcomeDeadLettered,
		SourcePlatform: rec.Event.SourcePlatform,
		TargetPlatform: rec.Event.TargetPlatform,
		EventType:      rec.Event.Type,
		AttemptCount:   failedAttempt,
		Error:          cause.Error(),
	})
	return nil
}

// ListDeadLetters returns up to limit quarantined records, oldest first.
func (m *Manager) ListDeadLetters(ctx context.Context, limit int64) ([]Record, error) {
	msgs, err := m.client.XRangeN(ctx, QueueDeadLetter, "-", "+", limit).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange dead-letter: %w", err)
	}

	records := make([]Record, 0, len(msgs))
	for _, msg := range msgs {
		rec, parseErr := ParseRecord(QueueDeadLetter, msg)
		if parseErr != nil {
			slog.WarnContext(ctx, "skipping unparseable dead-letter record",
				"error", parseErr, "raw_message_id", msg.ID)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// ReplayDeadLetter is the DLQ's only mutation: an operator-triggered replay
// that reconstructs each quarantined event as a fresh one (new ID,
// source=retry, attempt count reset) and re-enqueues it onto the normal
// queue. Returns the number of events replayed.
func (m *Manager) ReplayDeadLetter(ctx context.Context, limit int64) (int, error) {
	records, err := m.ListDeadLetters(ctx, limit)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, rec := range records {
		ev := rec.Event
		ev.EventID = uuid.NewString()
		ev.Source = model.SourceRetry
		ev.AttemptCount = 0
		// Replays always take the normal queue regardless of original priority.
		ev.Priority = model.PriorityNormal

		if err := m.client.XAdd(ctx, &redis.XAddArgs{
			Stream: QueueNormal,
			Values: recordValues(ev, rec.TraceID, time.Now()),
		}).Err(); err != nil {
			return replayed, fmt.Errorf("replaying record %s: %w", rec.JobID, err)
		}
		if err := m.client.XDel(ctx, QueueDeadLetter, rec.JobID).Err(); err != nil {
			return replayed, fmt.Errorf("removing replayed record %s: %w", rec.JobID, err)
		}

		slog.InfoContext(ctx, "dead-letter record replayed",
			"original_event_id", rec.Event.EventID,
			"event_id", ev.EventID,
			"event_type", ev.Type)
		m.recordOutcome(ctx, model.DeliveryOutcome{
			EventID:        ev.EventID,
			Outcome:        model.OutcomeReplayed,
			SourcePlatform: ev.SourcePlatform,
			TargetPlatform: ev.TargetPlatform,
			EventType:      ev.Type,
			Error:          "replayed from " + rec.Event.EventID,
		})
		replayed++
	}

	return replayed, nil
}

// Depths reports the live backlog of each queue plus the delay set.
type Depths struct {
	Normal     int64 `json:"normal"`
	Priority   int64 `json:"priority"`
	DeadLetter int64 `json:"dead_letter"`
	Delayed    int64 `json:"delayed"`
}

func (m *Manager) Depths(ctx context.Context) (Depths, error) {
	var d Depths
	var err error

	if d.Normal, err = m.client.XLen(ctx, QueueNormal).Result(); err != nil {
		return d, fmt.Errorf("xlen %s: %w", QueueNormal, err)
	}
	if d.Priority, err = m.client.XLen(ctx, QueuePriority).Result(); err != nil {
		return d, fmt.Errorf("xlen %s: %w", QueuePriority, err)
	}
	if d.DeadLetter, err = m.client.XLen(ctx, QueueDeadLetter).Result(); err != nil {
		return d, fmt.Errorf("xlen %s: %w", QueueDeadLetter, err)
	}
	if d.Delayed, err = m.client.ZCard(ctx, DelayedKey).Result(); err != nil {
		return d, fmt.Errorf("zcard %s: %w", DelayedKey, err)
	}
	return d, nil
}
