// Package mapping holds the bidirectional ticket↔thread bindings that
// route events to the correct destination.
package mapping

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"threadline.dev/bridge/internal/model"
)

var (
	// ErrNotFound means no binding exists for the given key.
	ErrNotFound = errors.New("mapping not found")

	// ErrAlreadyBound means one side of the requested pair is already bound
	// to a different counterpart. Bindings are immutable; this never
	// silently overwrites.
	ErrAlreadyBound = errors.New("already bound")
)

const (
	ticketKeyPrefix = "by-ticket:"
	threadKeyPrefix = "by-thread:"
)

// Store persists bindings under two keys, one per direction, so either
// side resolves in O(1).
type Store struct {
	client *redis.Client
}

func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Bind writes both directions of a new 1:1 binding. The dual-key write is
// a single MSETNX, so it fails closed: either both keys exist afterwards
// or neither does, and callers retry the whole operation. Re-binding the
// same pair is a no-op; binding either side to a different counterpart
// fails with ErrAlreadyBound.
func (s *Store) Bind(ctx context.Context, ticketID, threadID string) error {
	if ticketID == "" || threadID == "" {
		return fmt.Errorf("bind requires both ticket and thread IDs")
	}

	binding := model.ThreadBinding{
		TicketID:  ticketID,
		ThreadID:  threadID,
		CreatedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(binding)
	if err != nil {
		return fmt.Errorf("encoding binding: %w", err)
	}

	ok, err := s.client.MSetNX(ctx,
		ticketKeyPrefix+ticketID, raw,
		threadKeyPrefix+threadID, raw,
	).Result()
	if err != nil {
		return fmt.Errorf("writing binding: %w", err)
	}
	if ok {
		slog.InfoContext(ctx, "binding created", "ticket_id", ticketID, "thread_id", threadID)
		return nil
	}

	// At least one key already exists. Idempotent re-binds of the same pair
	// are fine; anything else is a conflict.
	existing, err := s.ResolveByTicket(ctx, ticketID)
	if err == nil {
		if existing.ThreadID == threadID {
			return nil
		}
		return fmt.Errorf("%w: ticket %s is bound to thread %s", ErrAlreadyBound, ticketID, existing.ThreadID)
	}
	if !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("checking existing binding: %w", err)
	}

	byThread, err := s.ResolveByThread(ctx, threadID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Neither key resolves yet MSETNX refused: a concurrent bind is
			// mid-flight. Callers retry the whole operation.
			return fmt.Errorf("concurrent bind in progress for ticket %s / thread %s", ticketID, threadID)
		}
		return fmt.Errorf("checking existing binding: %w", err)
	}
	return fmt.Errorf("%w: thread %s is bound to ticket %s", ErrAlreadyBound, threadID, byThread.TicketID)
}

// ResolveByTicket looks up the binding from the ticketing side.
func (s *Store) ResolveByTicket(ctx context.Context, ticketID string) (*model.ThreadBinding, error) {
	return s.resolve(ctx, ticketKeyPrefix+ticketID)
}

// ResolveByThread looks up the binding from the chat side.
func (s *Store) ResolveByThread(ctx context.Context, threadID string) (*model.ThreadBinding, error) {
	return s.resolve(ctx, threadKeyPrefix+threadID)
}

func (s *Store) resolve(ctx context.Context, key string) (*model.ThreadBinding, error) {
	raw, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}

	var binding model.ThreadBinding
	if err := json.Unmarshal([]byte(raw), &binding); err != nil {
		return nil, fmt.Errorf("decoding binding at %s: %w", key, err)
	}
	return &binding, nil
}
