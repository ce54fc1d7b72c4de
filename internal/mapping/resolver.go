package mapping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"threadline.dev/bridge/internal/model"
	"threadline.dev/bridge/internal/platform"
)

// BindingSource is what the resolver retries against. Satisfied by *Store.
type BindingSource interface {
	ResolveByTicket(ctx context.Context, ticketID string) (*model.ThreadBinding, error)
	ResolveByThread(ctx context.Context, threadID string) (*model.ThreadBinding, error)
}

type ResolverConfig struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Window    time.Duration
}

// Resolver wraps binding lookups with bounded retry-with-backoff for the
// relay hot path, where a webhook for a freshly created conversation can
// race ahead of its bind completing. Misses inside the window are treated
// as a likely race and retried; a miss that survives the whole window is
// genuinely unmapped and comes back permanent so the retry engine
// dead-letters instead of spinning.
type Resolver struct {
	source BindingSource
	cfg    ResolverConfig
}

func NewResolver(source BindingSource, cfg ResolverConfig) *Resolver {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 4
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Second
	}
	return &Resolver{source: source, cfg: cfg}
}

// ByTicket resolves with retry from the ticketing side.
func (r *Resolver) ByTicket(ctx context.Context, ticketID string) (*model.ThreadBinding, error) {
	return r.lookup(ctx, "ticket", ticketID, func(ctx context.Context) (*model.ThreadBinding, error) {
		return r.source.ResolveByTicket(ctx, ticketID)
	})
}

// ByThread resolves with retry from the chat side.
func (r *Resolver) ByThread(ctx context.Context, threadID string) (*model.ThreadBinding, error) {
	return r.lookup(ctx, "thread", threadID, func(ctx context.Context) (*model.ThreadBinding, error) {
		return r.source.ResolveByThread(ctx, threadID)
	})
}

func (r *Resolver) lookup(ctx context.Context, side, id string, fn func(ctx context.Context) (*model.ThreadBinding, error)) (*model.ThreadBinding, error) {
	start := time.Now()
	deadline := start.Add(r.cfg.Window)

	for attempt := 1; ; attempt++ {
		binding, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				slog.InfoContext(ctx, "binding resolved after retry",
					side+"_id", id,
					"attempt", attempt,
					"elapsed_ms", time.Since(start).Milliseconds())
			}
			return binding, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("resolving %s %s: %w", side, id, err)
		}

		delay := r.backoff(attempt)
		if attempt >= r.cfg.Attempts || time.Now().Add(delay).After(deadline) {
			elapsed := time.Since(start)
			slog.ErrorContext(ctx, "binding genuinely unmapped, giving up",
				side+"_id", id,
				"attempts", attempt,
				"elapsed_ms", elapsed.Milliseconds(),
				"window", r.cfg.Window)
			// Permanent so the queue-level retry policy dead-letters rather
			// than re-running an exhausted window.
			return nil, fmt.Errorf("%w: %w: no binding for %s %s after %d attempts in %s (orphaned event)",
				platform.ErrPermanent, ErrNotFound, side, id, attempt, elapsed.Round(time.Millisecond))
		}

		slog.WarnContext(ctx, "binding not found yet, retrying within race window",
			side+"_id", id,
			"attempt", attempt,
			"next_delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// backoff is capped-exponential: base, 2*base, 4*base, ... up to MaxDelay.
func (r *Resolver) backoff(attempt int) time.Duration {
	delay := r.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= r.cfg.MaxDelay {
			return r.cfg.MaxDelay
		}
	}
	return delay
}
