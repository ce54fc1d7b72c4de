// Package dispatch pulls records off the queues and drives them through
// the registered event handlers. It owns the worker pool sizing, the
// global outbound rate limit, and the priority weighting between queues.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"threadline.dev/bridge/common/logger"
	"threadline.dev/bridge/internal/model"
	"threadline.dev/bridge/internal/platform"
	"threadline.dev/bridge/internal/queue"
	"threadline.dev/bridge/internal/retry"
)

// StatusKey is where the dispatcher publishes its live status for the
// ops API.
const StatusKey = "dispatch:status"

const statusTTL = 15 * time.Second

// Handler processes one event. Handlers must be idempotent: the queue is
// at-least-once and records are redelivered after a lease expires.
type Handler func(ctx context.Context, ev model.Event) error

// Registry routes events to handlers by type.
type Registry struct {
	handlers map[model.EventType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[model.EventType]Handler)}
}

func (r *Registry) Register(t model.EventType, h Handler) {
	r.handlers[t] = h
}

// Handle dispatches to the registered handler. An unknown event type is a
// permanent failure, not a retryable one.
func (r *Registry) Handle(ctx context.Context, ev model.Event) error {
	h, ok := r.handlers[ev.Type]
	if !ok {
		return fmt.Errorf("%w: no handler for event type %q", platform.ErrPermanent, ev.Type)
	}
	return h(ctx, ev)
}

// QueueManager is the slice of *queue.Manager the dispatcher needs.
type QueueManager interface {
	Dequeue(ctx context.Context, queueName string, lease time.Duration) (*queue.Record, error)
	Ack(ctx context.Context, rec queue.Record) error
	Fail(ctx context.Context, rec queue.Record, cause error) (retry.Decision, error)
}

type Config struct {
	NormalConcurrency   int
	PriorityConcurrency int
	LeaseDuration       time.Duration
	HandlerTimeout      time.Duration
	RatePerSecond       float64
	RateBurst           int
	DrainTimeout        time.Duration

	// IdlePause is how long the loop parks after a cycle in which no queue
	// yielded a record and no worker slot was free.
	IdlePause time.Duration
}

// Dispatcher runs the dequeue loop. Each cycle offers two slots to the
// priority queue for every one offered to the normal queue, so priority
// traffic drains first under load without starving normal traffic.
type Dispatcher struct {
	manager  QueueManager
	registry *Registry
	limiter  *rate.Limiter
	client   *redis.Client
	cfg      Config

	semNormal   *semaphore.Weighted
	semPriority *semaphore.Weighted

	activeWorkers atomic.Int64
	wg            sync.WaitGroup

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func New(manager QueueManager, registry *Registry, client *redis.Client, cfg Config) *Dispatcher {
	if cfg.NormalConcurrency <= 0 {
		cfg.NormalConcurrency = 5
	}
	if cfg.PriorityConcurrency <= 0 {
		cfg.PriorityConcurrency = 10
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = time.Minute
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 20
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 10
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if cfg.IdlePause <= 0 {
		cfg.IdlePause = 250 * time.Millisecond
	}
	return &Dispatcher{
		manager:     manager,
		registry:    registry,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
		client:      client,
		cfg:         cfg,
		semNormal:   semaphore.NewWeighted(int64(cfg.NormalConcurrency)),
		semPriority: semaphore.NewWeighted(int64(cfg.PriorityConcurrency)),
		stopCh:      make(chan struct{}),
		stoppedCh:   make(chan struct{}),
	}
}

func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.stoppedCh)

	slog.InfoContext(ctx, "dispatcher started",
		"normal_concurrency", d.cfg.NormalConcurrency,
		"priority_concurrency", d.cfg.PriorityConcurrency,
		"rate_per_second", d.cfg.RatePerSecond)

	statusTicker := time.NewTicker(5 * time.Second)
	defer statusTicker.Stop()

	// Two priority slots per normal slot. Dequeues are non-blocking, so an
	// empty queue costs its slot a round-trip, not a read timeout.
	cycle := []string{queue.QueuePriority, queue.QueuePriority, queue.QueueNormal}

	for {
		dispatched := 0
		for _, queueName := range cycle {
			select {
			case <-ctx.Done():
				d.drain(ctx)
				return ctx.Err()
			case <-d.stopCh:
				slog.InfoContext(ctx, "dispatcher stopping")
				d.drain(ctx)
				return nil
			case <-statusTicker.C:
				d.publishStatus(ctx)
			default:
			}

			if err := d.dispatchOne(ctx, queueName); err != nil {
				if errors.Is(err, queue.ErrNoRecord) {
					continue
				}
				slog.ErrorContext(ctx, "dispatch error", "error", err, "queue", queueName)
				time.Sleep(time.Second)
				continue
			}
			dispatched++
		}

		// A fully idle cycle parks instead of hammering Redis. Stop and
		// cancellation still cut the pause short.
		if dispatched == 0 {
			select {
			case <-ctx.Done():
				d.drain(ctx)
				return ctx.Err()
			case <-d.stopCh:
				slog.InfoContext(ctx, "dispatcher stopping")
				d.drain(ctx)
				return nil
			case <-statusTicker.C:
				d.publishStatus(ctx)
			case <-time.After(d.cfg.IdlePause):
			}
		}
	}
}

// Stop halts the dequeue loop and waits for in-flight handlers to drain.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	<-d.stoppedCh
}

// ActiveWorkers reports how many handlers are running right now.
func (d *Dispatcher) ActiveWorkers() int64 {
	return d.activeWorkers.Load()
}

// dispatchOne offers one slot to the named queue: reserve a worker slot,
// wait out the rate limiter, dequeue, and hand off to a goroutine. A full
// worker pool skips the slot rather than blocking the cycle.
func (d *Dispatcher) dispatchOne(ctx context.Context, queueName string) error {
	sem := d.semNormal
	if queueName == queue.QueuePriority {
		sem = d.semPriority
	}

	if !sem.TryAcquire(1) {
		return queue.ErrNoRecord
	}

	if err := d.limiter.Wait(ctx); err != nil {
		sem.Release(1)
		return err
	}

	rec, err := d.manager.Dequeue(ctx, queueName, d.cfg.LeaseDuration)
	if err != nil {
		sem.Release(1)
		return err
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer sem.Release(1)
		d.activeWorkers.Add(1)
		defer d.activeWorkers.Add(-1)

		if err := d.Process(ctx, *rec); err != nil {
			slog.ErrorContext(ctx, "record processing not resolved",
				"error", err,
				"job_id", rec.JobID,
				"queue", rec.Queue)
		}
	}()
	return nil
}

// Process runs one record through its handler and settles the lease:
// Ack on success, Fail (retry or dead-letter) on error. Also used by the
// lease reclaimer, so it must be safe for redelivered records.
func (d *Dispatcher) Process(ctx context.Context, rec queue.Record) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		EventID:   logger.Ptr(rec.Event.EventID),
		JobID:     logger.Ptr(rec.JobID),
		Queue:     logger.Ptr(rec.Queue),
		EventType: logger.Ptr(string(rec.Event.Type)),
		Attempt:   logger.Ptr(rec.Event.AttemptCount + 1),
	})

	start := time.Now()
	err := d.handleSafe(ctx, rec.Event)
	if err == nil {
		slog.InfoContext(ctx, "record processed", "duration", time.Since(start))
		return d.manager.Ack(ctx, rec)
	}

	slog.ErrorContext(ctx, "record handler failed",
		"error", err,
		"duration", time.Since(start))

	decision, failErr := d.manager.Fail(ctx, rec, err)
	if failErr != nil {
		return fmt.Errorf("settling failed record: %w", failErr)
	}
	if decision.Verdict == retry.VerdictDeadLetter {
		slog.WarnContext(ctx, "record dead-lettered", "reason", err.Error())
	}
	return nil
}

// handleSafe bounds the handler with the configured timeout and converts
// panics and timeouts into errors the retry policy can classify.
func (d *Dispatcher) handleSafe(ctx context.Context, ev model.Event) (err error) {
	hctx, cancel := context.WithTimeout(ctx, d.cfg.HandlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in event handler",
				"panic", r,
				"event_id", ev.EventID)
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	err = d.registry.Handle(hctx, ev)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: handler exceeded %s: %v", platform.ErrTimeout, d.cfg.HandlerTimeout, err)
	}
	return err
}

// drain waits for in-flight handlers, bounded by DrainTimeout. Records
// still running after the bound keep their pending entries and will be
// picked up by the reclaimer.
func (d *Dispatcher) drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.InfoContext(ctx, "all in-flight records drained")
	case <-time.After(d.cfg.DrainTimeout):
		slog.WarnContext(ctx, "drain timeout reached, abandoning in-flight leases",
			"active_workers", d.activeWorkers.Load())
	}
	d.publishStatus(context.WithoutCancel(ctx))
}

type status struct {
	ActiveWorkers int64     `json:"active_workers"`
	IsProcessing  bool      `json:"is_processing"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (d *Dispatcher) publishStatus(ctx context.Context) {
	if d.client == nil {
		return
	}
	active := d.activeWorkers.Load()
	payload, err := json.Marshal(status{
		ActiveWorkers: active,
		IsProcessing:  active > 0,
		UpdatedAt:     time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := d.client.Set(ctx, StatusKey, payload, statusTTL).Err(); err != nil {
		slog.WarnContext(ctx, "failed to publish dispatcher status", "error", err)
	}
}
