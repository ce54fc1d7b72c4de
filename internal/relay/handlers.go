package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"threadline.dev/bridge/common/logger"
	"threadline.dev/bridge/internal/mapping"
	"threadline.dev/bridge/internal/model"
	"threadline.dev/bridge/internal/platform"
)

// HandleMessageCreated relays a message to the opposite platform's
// conversation.
func (s *Syncer) HandleMessageCreated(ctx context.Context, ev model.Event) error {
	switch ev.TargetPlatform {
	case model.PlatformChat:
		binding, err := s.resolveThreadSide(ctx, ev)
		if err != nil {
			return err
		}
		return s.deliverToChat(ctx, ev, binding.ThreadID, formatChatMessage(ev.Payload))

	case model.PlatformTicketing:
		binding, err := s.resolveTicketSide(ctx, ev)
		if err != nil {
			return err
		}
		return s.deliverToTicketing(ctx, ev, binding.TicketID, formatTicketMessage(ev.Payload))
	}
	return fmt.Errorf("%w: message for unknown target %q", platform.ErrValidation, ev.TargetPlatform)
}

// HandleAttachmentAdded relays attachment references as a formatted
// attachments block.
func (s *Syncer) HandleAttachmentAdded(ctx context.Context, ev model.Event) error {
	text := formatAttachments(ev.Payload.Attachments)
	if text == "" {
		return fmt.Errorf("%w: attachment event without attachments", platform.ErrValidation)
	}

	switch ev.TargetPlatform {
	case model.PlatformChat:
		binding, err := s.resolveThreadSide(ctx, ev)
		if err != nil {
			return err
		}
		return s.deliverToChat(ctx, ev, binding.ThreadID, text)

	case model.PlatformTicketing:
		binding, err := s.resolveTicketSide(ctx, ev)
		if err != nil {
			return err
		}
		return s.deliverToTicketing(ctx, ev, binding.TicketID, text)
	}
	return fmt.Errorf("%w: attachment for unknown target %q", platform.ErrValidation, ev.TargetPlatform)
}

// HandleThreadCreated establishes the counterpart conversation and the
// binding between the two. Idempotent: a redelivered event whose
// conversation is already bound is a no-op, so a crash between create and
// bind costs at most one orphaned counterpart, never a double binding.
func (s *Syncer) HandleThreadCreated(ctx context.Context, ev model.Event) error {
	conversationID := ev.Payload.ConversationID

	switch ev.SourcePlatform {
	case model.PlatformTicketing:
		// New ticket: open a chat thread for it.
		if existing, err := s.bindings.ResolveByTicket(ctx, conversationID); err == nil {
			slog.InfoContext(ctx, "ticket already bound, skipping thread creation",
				"ticket_id", conversationID, "thread_id", existing.ThreadID)
			return nil
		} else if !errors.Is(err, mapping.ErrNotFound) {
			return fmt.Errorf("checking existing binding: %w", err)
		}

		name := threadName(ev.Payload)
		threadID, err := s.chat.CreateThread(ctx, s.cfg.ChatChannelID, name)
		if err != nil {
			return fmt.Errorf("creating chat thread: %w", err)
		}
		ctx = logger.WithLogFields(ctx, logger.LogFields{
			TicketID: logger.Ptr(conversationID),
			ThreadID: logger.Ptr(threadID),
		})

		if err := s.bindings.Bind(ctx, conversationID, threadID); err != nil {
			return fmt.Errorf("binding ticket to thread: %w", err)
		}

		if ev.Payload.Text != "" {
			return s.deliverToChat(ctx, ev, threadID, formatChatMessage(ev.Payload))
		}
		return s.delivered(ctx, ev, conversationID, threadID)

	case model.PlatformChat:
		// New chat thread: open a ticket for it.
		if existing, err := s.bindings.ResolveByThread(ctx, conversationID); err == nil {
			slog.InfoContext(ctx, "thread already bound, skipping ticket creation",
				"thread_id", conversationID, "ticket_id", existing.TicketID)
			return nil
		} else if !errors.Is(err, mapping.ErrNotFound) {
			return fmt.Errorf("checking existing binding: %w", err)
		}

		customerID, err := s.ticketing.GetOrCreateCustomer(ctx, ev.Payload.AuthorID, ev.Payload.AuthorEmail)
		if err != nil {
			return fmt.Errorf("resolving customer: %w", err)
		}

		ticket, err := s.ticketing.CreateTicket(ctx, platform.CreateTicketParams{
			Title:      threadName(ev.Payload),
			Body:       ev.Payload.Text,
			CustomerID: customerID,
		})
		if err != nil {
			return fmt.Errorf("creating ticket: %w", err)
		}
		ctx = logger.WithLogFields(ctx, logger.LogFields{
			TicketID: logger.Ptr(ticket.ID),
			ThreadID: logger.Ptr(conversationID),
		})

		if err := s.bindings.Bind(ctx, ticket.ID, conversationID); err != nil {
			return fmt.Errorf("binding ticket to thread: %w", err)
		}
		return s.delivered(ctx, ev, ticket.ID, conversationID)
	}
	return fmt.Errorf("%w: thread created on unknown platform %q", platform.ErrValidation, ev.SourcePlatform)
}

// HandleConversationStatusChanged propagates lifecycle changes: a closed
// ticket archives its chat thread, other transitions surface as notes on
// the counterpart.
func (s *Syncer) HandleConversationStatusChanged(ctx context.Context, ev model.Event) error {
	status := strings.ToLower(ev.Payload.Status)

	switch ev.SourcePlatform {
	case model.PlatformTicketing:
		binding, err := s.resolveThreadSide(ctx, ev)
		if err != nil {
			return err
		}
		ctx = logger.WithLogFields(ctx, logger.LogFields{ThreadID: logger.Ptr(binding.ThreadID)})

		if status == "closed" || status == "solved" {
			if err := s.chat.ArchiveThread(ctx, binding.ThreadID); err != nil {
				return fmt.Errorf("archiving thread: %w", err)
			}
			return s.delivered(ctx, ev, binding.TicketID, binding.ThreadID)
		}
		return s.deliverToChat(ctx, ev, binding.ThreadID, fmt.Sprintf("Ticket status changed to %s", ev.Payload.Status))

	case model.PlatformChat:
		binding, err := s.resolveTicketSide(ctx, ev)
		if err != nil {
			return err
		}
		return s.deliverToTicketing(ctx, ev, binding.TicketID, fmt.Sprintf("Chat thread status changed to %s", ev.Payload.Status))
	}
	return fmt.Errorf("%w: status change from unknown platform %q", platform.ErrValidation, ev.SourcePlatform)
}

func formatChatMessage(p model.Payload) string {
	text := p.Text
	if p.AuthorName != "" {
		text = fmt.Sprintf("**%s**: %s", p.AuthorName, p.Text)
	}
	if len(p.Attachments) > 0 {
		text += "\n" + formatAttachments(p.Attachments)
	}
	return text
}

func formatTicketMessage(p model.Payload) string {
	text := p.Text
	if p.AuthorName != "" {
		text = fmt.Sprintf("%s: %s", p.AuthorName, p.Text)
	}
	if len(p.Attachments) > 0 {
		text += "\n" + formatAttachments(p.Attachments)
	}
	return text
}

func formatAttachments(attachments []model.Attachment) string {
	if len(attachments) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Attachments:")
	for _, a := range attachments {
		if a.Name != "" {
			b.WriteString(fmt.Sprintf("\n[%s](%s)", a.Name, a.URL))
		} else {
			b.WriteString(fmt.Sprintf("\n<%s>", a.URL))
		}
	}
	return b.String()
}

func threadName(p model.Payload) string {
	if p.Title != "" {
		return p.Title
	}
	if p.Text != "" {
		name := NormalizeText(p.Text)
		if len(name) > 60 {
			name = name[:60] + "..."
		}
		return name
	}
	return "Conversation " + p.ConversationID
}
