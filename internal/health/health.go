// Package health aggregates dependency probes into a single status for
// the health endpoint.
package health

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"threadline.dev/bridge/core/db"
	"threadline.dev/bridge/internal/model"
	"threadline.dev/bridge/internal/queue"
)

// OutcomeCounter is the slice of the audit store the checker reads.
// Satisfied by *store.OutcomeStore.
type OutcomeCounter interface {
	CountSince(ctx context.Context, kind model.OutcomeKind, since time.Time) (int64, error)
}

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

type Report struct {
	Status Status            `json:"status"`
	Checks map[string]string `json:"checks"`
	Depths *queue.Depths     `json:"queue_depths,omitempty"`
}

type Config struct {
	// DeadLetterThreshold degrades the service when the quarantine grows
	// past it.
	DeadLetterThreshold int64

	// BacklogThreshold degrades the service when live queue depth grows
	// past it.
	BacklogThreshold int64

	// DeadLetterRateThreshold degrades the service when more than this
	// many events were quarantined within DeadLetterWindow. Catches a
	// failing downstream before the quarantine itself fills up.
	DeadLetterRateThreshold int64
	DeadLetterWindow        time.Duration

	ProbeTimeout time.Duration
}

type Checker struct {
	client   *redis.Client
	db       *db.DB
	manager  *queue.Manager
	outcomes OutcomeCounter
	cfg      Config
}

func NewChecker(client *redis.Client, database *db.DB, manager *queue.Manager, outcomes OutcomeCounter, cfg Config) *Checker {
	if cfg.DeadLetterThreshold <= 0 {
		cfg.DeadLetterThreshold = 100
	}
	if cfg.BacklogThreshold <= 0 {
		cfg.BacklogThreshold = 10000
	}
	if cfg.DeadLetterRateThreshold <= 0 {
		cfg.DeadLetterRateThreshold = 25
	}
	if cfg.DeadLetterWindow <= 0 {
		cfg.DeadLetterWindow = 15 * time.Minute
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	return &Checker{client: client, db: database, manager: manager, outcomes: outcomes, cfg: cfg}
}

// Check probes every dependency. Redis down means the pipeline cannot
// move at all (unhealthy); Postgres down or a swollen queue only loses
// auditing or latency (degraded).
func (c *Checker) Check(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	report := Report{Status: StatusHealthy, Checks: map[string]string{}}

	if err := c.client.Ping(ctx).Err(); err != nil {
		report.Checks["redis"] = err.Error()
		report.Status = StatusUnhealthy
		return report
	}
	report.Checks["redis"] = "ok"

	if c.db != nil {
		if err := c.db.Ping(ctx); err != nil {
			report.Checks["postgres"] = err.Error()
			report.Status = StatusDegraded
		} else {
			report.Checks["postgres"] = "ok"
		}
	}

	depths, err := c.manager.Depths(ctx)
	if err != nil {
		report.Checks["queues"] = err.Error()
		report.Status = StatusDegraded
		return report
	}
	report.Depths = &depths
	report.Checks["queues"] = "ok"

	if depths.DeadLetter > c.cfg.DeadLetterThreshold {
		report.Checks["queues"] = "dead-letter quarantine above threshold"
		report.Status = StatusDegraded
	}
	if depths.Normal+depths.Priority+depths.Delayed > c.cfg.BacklogThreshold {
		report.Checks["queues"] = "backlog above threshold"
		report.Status = StatusDegraded
	}

	if c.outcomes != nil {
		cutoff := time.Now().Add(-c.cfg.DeadLetterWindow)
		n, err := c.outcomes.CountSince(ctx, model.OutcomeDeadLettered, cutoff)
		switch {
		case err != nil:
			report.Checks["audit"] = err.Error()
			report.Status = StatusDegraded
		case n > c.cfg.DeadLetterRateThreshold:
			report.Checks["audit"] = "dead-letter rate above threshold"
			report.Status = StatusDegraded
		default:
			report.Checks["audit"] = "ok"
		}
	}

	return report
}
