// Package relay implements the per-event business logic: resolving the
// destination through the mapping store, suppressing duplicates and
// echoes, and delivering content to the opposite platform.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"threadline.dev/bridge/common/logger"
	"threadline.dev/bridge/internal/dedup"
	"threadline.dev/bridge/internal/model"
	"threadline.dev/bridge/internal/platform"
)

// BindingResolver is the retrying lookup used on the delivery hot path.
// Satisfied by *mapping.Resolver.
type BindingResolver interface {
	ByTicket(ctx context.Context, ticketID string) (*model.ThreadBinding, error)
	ByThread(ctx context.Context, threadID string) (*model.ThreadBinding, error)
}

// BindingStore is the non-retrying store surface, used where a missing
// binding is an expected state rather than a race. Satisfied by *mapping.Store.
type BindingStore interface {
	Bind(ctx context.Context, ticketID, threadID string) error
	ResolveByTicket(ctx context.Context, ticketID string) (*model.ThreadBinding, error)
	ResolveByThread(ctx context.Context, threadID string) (*model.ThreadBinding, error)
}

// FingerprintIndex claims content fingerprints. Satisfied by *dedup.Index.
type FingerprintIndex interface {
	Claim(ctx context.Context, key, eventID string) (bool, error)
}

// OutcomeRecorder appends terminal pipeline outcomes to the audit log.
// Recording is best-effort; implementations must never fail the pipeline.
type OutcomeRecorder interface {
	Record(ctx context.Context, outcome model.DeliveryOutcome) error
}

type Config struct {
	// MaxLengthRatio caps the containment fuzzy match (policy constant,
	// default 1.5).
	MaxLengthRatio float64

	// RecentMessageLimit is how many target-thread messages are compared
	// against a candidate.
	RecentMessageLimit int

	// DeletionGuard suppresses delivery when a message was deleted on the
	// target thread this recently.
	DeletionGuard time.Duration

	// ChatChannelID is the parent channel new threads are created under.
	ChatChannelID string
}

// Syncer carries the shared collaborators of all event handlers. All
// handlers are idempotent and order-tolerant: the queue redelivers and
// reorders, so suppression, not sequence, is what keeps output correct.
type Syncer struct {
	resolver  BindingResolver
	bindings  BindingStore
	index     FingerprintIndex
	chat      platform.ChatClient
	ticketing platform.TicketingClient
	outcomes  OutcomeRecorder
	cfg       Config
}

func NewSyncer(
	resolver BindingResolver,
	bindings BindingStore,
	index FingerprintIndex,
	chat platform.ChatClient,
	ticketing platform.TicketingClient,
	outcomes OutcomeRecorder,
	cfg Config,
) *Syncer {
	if cfg.MaxLengthRatio < 1 {
		cfg.MaxLengthRatio = 1.5
	}
	if cfg.RecentMessageLimit <= 0 {
		cfg.RecentMessageLimit = 10
	}
	if cfg.DeletionGuard <= 0 {
		cfg.DeletionGuard = 5 * time.Second
	}
	return &Syncer{
		resolver:  resolver,
		bindings:  bindings,
		index:     index,
		chat:      chat,
		ticketing: ticketing,
		outcomes:  outcomes,
		cfg:       cfg,
	}
}

// deliverToChat runs the suppression chain for chat-bound text, then sends.
func (s *Syncer) deliverToChat(ctx context.Context, ev model.Event, threadID, text string) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{ThreadID: logger.Ptr(threadID)})

	if s.isSelfEcho(ctx, ev) {
		return s.suppress(ctx, ev, "", threadID, "self-echo")
	}

	key := dedup.Fingerprint(ev.TargetPlatform, ev.Type, threadID, text)
	first, err := s.index.Claim(ctx, key, ev.EventID)
	if err != nil {
		return fmt.Errorf("claiming fingerprint: %w", err)
	}
	if !first {
		return s.suppress(ctx, ev, "", threadID, "fingerprint already delivered")
	}

	deleted, err := s.chat.RecentlyDeleted(ctx, threadID, s.cfg.DeletionGuard)
	if err != nil {
		return fmt.Errorf("checking recent deletions: %w", err)
	}
	if deleted {
		return s.suppress(ctx, ev, "", threadID, "message deleted on target within guard window")
	}

	recent, err := s.chat.FetchRecentMessages(ctx, threadID, s.cfg.RecentMessageLimit)
	if err != nil {
		return fmt.Errorf("fetching recent messages: %w", err)
	}

	// Attachment sections are stripped for comparison only; delivery keeps
	// the original text.
	candidate := StripAttachmentSection(text)
	for _, msg := range recent {
		if IsDuplicate(candidate, msg.Content, s.cfg.MaxLengthRatio) {
			return s.suppress(ctx, ev, "", threadID, "duplicate of existing thread message")
		}
	}

	// A leading quote block that matches an existing message becomes a
	// threaded reply; quoted attachment references are sent as-is. The
	// split runs over the original text so the reply keeps any trailing
	// attachments block.
	if quoted, remainder, ok := ExtractQuotedReply(text); ok && remainder != "" && !LooksLikeAttachmentRef(quoted) {
		if parentID := findQuoted(recent, quoted); parentID != "" {
			if _, err := s.chat.SendReply(ctx, threadID, parentID, remainder); err != nil {
				return fmt.Errorf("sending threaded reply: %w", err)
			}
			return s.delivered(ctx, ev, "", threadID)
		}
	}

	if _, err := s.chat.SendMessage(ctx, threadID, text); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return s.delivered(ctx, ev, "", threadID)
}

// deliverToTicketing mirrors deliverToChat for the ticketing direction.
// The ticketing API exposes no message listing or deletion feed, so only
// echo suppression and the fingerprint index guard this side.
func (s *Syncer) deliverToTicketing(ctx context.Context, ev model.Event, ticketID, text string) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{TicketID: logger.Ptr(ticketID)})

	if s.isSelfEcho(ctx, ev) {
		return s.suppress(ctx, ev, ticketID, "", "self-echo")
	}

	key := dedup.Fingerprint(ev.TargetPlatform, ev.Type, ticketID, text)
	first, err := s.index.Claim(ctx, key, ev.EventID)
	if err != nil {
		return fmt.Errorf("claiming fingerprint: %w", err)
	}
	if !first {
		return s.suppress(ctx, ev, ticketID, "", "fingerprint already delivered")
	}

	if err := s.ticketing.PostMessage(ctx, ticketID, StripAttachmentSection(text)); err != nil {
		return fmt.Errorf("posting message: %w", err)
	}
	return s.delivered(ctx, ev, ticketID, "")
}

// isSelfEcho detects content that originated on the platform we are about
// to deliver to: relaying it back would start a reflection loop.
func (s *Syncer) isSelfEcho(ctx context.Context, ev model.Event) bool {
	if ev.Payload.Origin == "" {
		return false
	}
	if ev.Payload.Origin == ev.TargetPlatform {
		slog.DebugContext(ctx, "discarding self-echo", "origin", ev.Payload.Origin)
		return true
	}
	return false
}

func findQuoted(recent []platform.ChatMessage, quoted string) string {
	want := NormalizeText(quoted)
	for _, msg := range recent {
		if NormalizeText(msg.Content) == want {
			return msg.ID
		}
	}
	return ""
}

func (s *Syncer) suppress(ctx context.Context, ev model.Event, ticketID, threadID, reason string) error {
	slog.InfoContext(ctx, "delivery suppressed", "reason", reason)
	s.audit(ctx, ev, model.OutcomeDuplicate, ticketID, threadID, reason)
	return nil
}

func (s *Syncer) delivered(ctx context.Context, ev model.Event, ticketID, threadID string) error {
	slog.InfoContext(ctx, "event delivered", "target", ev.TargetPlatform)
	s.audit(ctx, ev, model.OutcomeDelivered, ticketID, threadID, "")
	return nil
}

func (s *Syncer) audit(ctx context.Context, ev model.Event, kind model.OutcomeKind, ticketID, threadID, detail string) {
	if s.outcomes == nil {
		return
	}
	err := s.outcomes.Record(ctx, model.DeliveryOutcome{
		EventID:        ev.EventID,
		Outcome:        kind,
		SourcePlatform: ev.SourcePlatform,
		TargetPlatform: ev.TargetPlatform,
		EventType:      ev.Type,
		TicketID:       ticketID,
		ThreadID:       threadID,
		AttemptCount:   ev.AttemptCount,
		Error:          detail,
	})
	if err != nil {
		slog.WarnContext(ctx, "failed to record delivery outcome", "error", err)
	}
}

// resolveTicketSide maps a chat-sourced event's thread onto its ticket.
func (s *Syncer) resolveTicketSide(ctx context.Context, ev model.Event) (*model.ThreadBinding, error) {
	binding, err := s.resolver.ByThread(ctx, ev.Payload.ConversationID)
	if err != nil {
		if errors.Is(err, platform.ErrPermanent) {
			return nil, err
		}
		return nil, fmt.Errorf("resolving thread binding: %w", err)
	}
	return binding, nil
}

// resolveThreadSide maps a ticketing-sourced event's ticket onto its thread.
func (s *Syncer) resolveThreadSide(ctx context.Context, ev model.Event) (*model.ThreadBinding, error) {
	binding, err := s.resolver.ByTicket(ctx, ev.Payload.ConversationID)
	if err != nil {
		if errors.Is(err, platform.ErrPermanent) {
			return nil, err
		}
		return nil, fmt.Errorf("resolving ticket binding: %w", err)
	}
	return binding, nil
}
