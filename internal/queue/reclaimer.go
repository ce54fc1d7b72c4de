package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"threadline.dev/bridge/common/logger"
)

// RecordProcessor handles a reclaimed record end to end, including the
// ack/fail outcome. Supplied by the dispatcher.
type RecordProcessor func(ctx context.Context, rec Record) error

type ReclaimerConfig struct {
	ConsumerGroup string
	ConsumerName  string

	// MinIdle is the lease duration: a pending entry idle at least this
	// long is considered stalled and eligible for redelivery.
	MinIdle   time.Duration
	Interval  time.Duration
	BatchSize int64
}

// Reclaimer periodically reclaims stale pending entries from the normal
// and priority queues. This is the crash-recovery half of the lease
// contract: a worker that dies between dequeue and ack leaves its entry
// pending until the reclaimer picks it up (at-least-once, so handlers
// must stay idempotent).
type Reclaimer struct {
	client    *redis.Client
	cfg       ReclaimerConfig
	manager   *Manager
	processor RecordProcessor

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewReclaimer(client *redis.Client, cfg ReclaimerConfig, manager *Manager, processor RecordProcessor) *Reclaimer {
	return &Reclaimer{
		client:    client,
		cfg:       cfg,
		manager:   manager,
		processor: processor,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run starts the reclaimer loop. Blocks until Stop() is called.
func (r *Reclaimer) Run(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "bridge.queue.reclaimer",
	})

	defer close(r.stoppedCh)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "reclaimer started",
		"interval", r.cfg.Interval,
		"min_idle", r.cfg.MinIdle,
		"group", r.cfg.ConsumerGroup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			slog.InfoContext(ctx, "reclaimer stopping")
			return
		case <-ticker.C:
			for _, queueName := range []string{QueuePriority, QueueNormal} {
				if err := r.reclaimOnce(ctx, queueName); err != nil {
					slog.ErrorContext(ctx, "reclaim cycle error", "error", err, "queue", queueName)
				}
			}
		}
	}
}

// Stop signals the reclaimer to stop gracefully.
func (r *Reclaimer) Stop() {
	close(r.stopCh)
	<-r.stoppedCh
}

func (r *Reclaimer) reclaimOnce(ctx context.Context, queueName string) error {
	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: queueName,
		Group:  r.cfg.ConsumerGroup,
		Idle:   r.cfg.MinIdle,
		Start:  "-",
		End:    "+",
		Count:  r.cfg.BatchSize,
	}).Result()
	if err != nil {
		return fmt.Errorf("xpending %s: %w", queueName, err)
	}

	if len(pending) == 0 {
		return nil
	}

	slog.InfoContext(ctx, "found stalled leases", "count", len(pending), "queue", queueName)

	for _, p := range pending {
		if err := r.reclaimRecord(ctx, queueName, p); err != nil {
			slog.ErrorContext(ctx, "failed to reclaim record",
				"error", err,
				"job_id", p.ID,
				"original_consumer", p.Consumer,
				"idle_time", p.Idle)
			// Continue with other records
		}
	}

	return nil
}

func (r *Reclaimer) reclaimRecord(ctx context.Context, queueName string, pending redis.XPendingExt) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		JobID: logger.Ptr(pending.ID),
		Queue: logger.Ptr(queueName),
	})

	slog.InfoContext(ctx, "reclaiming stalled record",
		"original_consumer", pending.Consumer,
		"idle_time", pending.Idle,
		"delivery_count", pending.RetryCount)

	messages, err := r.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   queueName,
		Group:    r.cfg.ConsumerGroup,
		Consumer: r.cfg.ConsumerName,
		MinIdle:  r.cfg.MinIdle,
		Messages: []string{pending.ID},
	}).Result()
	if err != nil {
		return fmt.Errorf("xclaim: %w", err)
	}

	if len(messages) == 0 {
		slog.DebugContext(ctx, "record already reclaimed by another worker")
		return nil
	}

	msg := messages[0]

	rec, err := ParseRecord(queueName, msg)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse reclaimed record, acknowledging to prevent loop",
			"error", err)
		_ = r.manager.Ack(ctx, Record{JobID: msg.ID, Queue: queueName, Raw: msg})
		return nil
	}
	rec.LeaseExpiresAt = time.Now().Add(r.cfg.MinIdle)

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		EventID:   logger.Ptr(rec.Event.EventID),
		EventType: logger.Ptr(string(rec.Event.Type)),
	})

	start := time.Now()
	if err := r.processor(ctx, rec); err != nil {
		return fmt.Errorf("processing reclaimed record: %w", err)
	}

	slog.InfoContext(ctx, "reclaimed record processed",
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}
