// Package store persists delivery outcomes to Postgres. The audit log is
// append-only and advisory: the pipeline's correctness never depends on a
// row existing, only operators reading history do.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"threadline.dev/bridge/common/id"
	"threadline.dev/bridge/internal/model"
)

type OutcomeStore struct {
	pool *pgxpool.Pool
}

func NewOutcomeStore(pool *pgxpool.Pool) *OutcomeStore {
	return &OutcomeStore{pool: pool}
}

// Record appends one outcome row. IDs are snowflakes so rows sort by
// insertion time without a sequence round-trip.
func (s *OutcomeStore) Record(ctx context.Context, outcome model.DeliveryOutcome) error {
	if outcome.ID == 0 {
		outcome.ID = id.New()
	}
	if outcome.CreatedAt.IsZero() {
		outcome.CreatedAt = time.Now().UTC()
	}

	const q = `
		INSERT INTO delivery_outcomes (
			id, event_id, outcome, source_platform, target_platform,
			event_type, ticket_id, thread_id, attempt_count, error, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.pool.Exec(ctx, q,
		outcome.ID,
		outcome.EventID,
		string(outcome.Outcome),
		string(outcome.SourcePlatform),
		string(outcome.TargetPlatform),
		string(outcome.EventType),
		nullable(outcome.TicketID),
		nullable(outcome.ThreadID),
		outcome.AttemptCount,
		nullable(outcome.Error),
		outcome.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting delivery outcome: %w", err)
	}
	return nil
}

// List returns the most recent outcomes, newest first.
func (s *OutcomeStore) List(ctx context.Context, limit int) ([]model.DeliveryOutcome, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	const q = `
		SELECT id, event_id, outcome, source_platform, target_platform,
		       event_type, ticket_id, thread_id, attempt_count, error, created_at
		FROM delivery_outcomes
		ORDER BY id DESC
		LIMIT $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("listing delivery outcomes: %w", err)
	}
	defer rows.Close()

	var out []model.DeliveryOutcome
	for rows.Next() {
		var o model.DeliveryOutcome
		var outcome, source, target, eventType string
		var ticketID, threadID, detail *string
		if err := rows.Scan(
			&o.ID, &o.EventID, &outcome, &source, &target,
			&eventType, &ticketID, &threadID, &o.AttemptCount, &detail, &o.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning delivery outcome: %w", err)
		}
		o.Outcome = model.OutcomeKind(outcome)
		o.SourcePlatform = model.Platform(source)
		o.TargetPlatform = model.Platform(target)
		o.EventType = model.EventType(eventType)
		if ticketID != nil {
			o.TicketID = *ticketID
		}
		if threadID != nil {
			o.ThreadID = *threadID
		}
		if detail != nil {
			o.Error = *detail
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading delivery outcomes: %w", err)
	}
	return out, nil
}

// CountSince reports outcomes per kind since the cutoff; the health check
// uses the dead-letter count as a degradation signal.
func (s *OutcomeStore) CountSince(ctx context.Context, kind model.OutcomeKind, since time.Time) (int64, error) {
	const q = `
		SELECT count(*) FROM delivery_outcomes
		WHERE outcome = $1 AND created_at >= $2`

	var n int64
	if err := s.pool.QueryRow(ctx, q, string(kind), since).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting delivery outcomes: %w", err)
	}
	return n, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
