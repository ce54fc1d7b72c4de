package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"threadline.dev/bridge/common/logger"
)

const schedulerBatchSize = 100

// DelayScheduler moves due entries from the delay set back onto their
// target streams. It is the other half of Fail's scheduled re-enqueue.
type DelayScheduler struct {
	client   *redis.Client
	interval time.Duration

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewDelayScheduler(client *redis.Client, interval time.Duration) *DelayScheduler {
	return &DelayScheduler{
		client:    client,
		interval:  interval,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run starts the scheduler loop. Blocks until Stop() is called.
func (s *DelayScheduler) Run(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "bridge.queue.scheduler",
	})

	defer close(s.stoppedCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "delay scheduler started", "interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			slog.InfoContext(ctx, "delay scheduler stopping")
			return
		case <-ticker.C:
			if err := s.moveDueOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "delay cycle error", "error", err)
			}
		}
	}
}

// Stop signals the scheduler to stop gracefully.
func (s *DelayScheduler) Stop() {
	close(s.stopCh)
	<-s.stoppedCh
}

func (s *DelayScheduler) moveDueOnce(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	members, err := s.client.ZRangeByScore(ctx, DelayedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: schedulerBatchSize,
	}).Result()
	if err != nil {
		return fmt.Errorf("zrangebyscore delayed: %w", err)
	}

	if len(members) == 0 {
		return nil
	}

	moved := 0
	for _, member := range members {
		// ZRem is the claim: whichever scheduler instance removes the member
		// owns the re-enqueue, so concurrent schedulers never double-deliver.
		removed, err := s.client.ZRem(ctx, DelayedKey, member).Result()
		if err != nil {
			return fmt.Errorf("zrem delayed: %w", err)
		}
		if removed == 0 {
			continue
		}

		var entry delayedEntry
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			slog.ErrorContext(ctx, "dropping undecodable delayed entry", "error", err)
			continue
		}

		if err := s.client.XAdd(ctx, &redis.XAddArgs{
			Stream: entry.Queue,
			Values: entry.Values,
		}).Err(); err != nil {
			// Put it back rather than lose the event; it will be retried
			// on the next cycle.
			_ = s.client.ZAdd(ctx, DelayedKey, redis.Z{
				Score:  float64(time.Now().UnixMilli()),
				Member: member,
			}).Err()
			return fmt.Errorf("re-enqueueing delayed entry to %s: %w", entry.Queue, err)
		}
		moved++
	}

	if moved > 0 {
		slog.DebugContext(ctx, "moved due entries back to queues", "count", moved)
	}
	return nil
}
