package relay_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"threadline.dev/bridge/internal/mapping"
	"threadline.dev/bridge/internal/model"
	"threadline.dev/bridge/internal/platform"
	"threadline.dev/bridge/internal/relay"
)

var _ = Describe("Syncer", func() {
	var (
		ctx       context.Context
		resolver  *mockResolver
		bindings  *mockBindingStore
		index     *mockIndex
		chat      *mockChat
		ticketing *mockTicketing
		outcomes  *mockOutcomes
		syncer    *relay.Syncer
	)

	newEvent := func(source model.Platform, typ model.EventType) model.Event {
		return model.Event{
			EventID:        "evt-1",
			SourcePlatform: source,
			TargetPlatform: source.Other(),
			Type:           typ,
			ReceivedAt:     time.Now().UTC(),
			Payload: model.Payload{
				ConversationID: "conv-1",
				Text:           "Hello from the other side",
				AuthorID:       "user-9",
				AuthorName:     "Ada",
				AuthorEmail:    "ada@example.com",
				Origin:         source,
			},
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		resolver = &mockResolver{}
		bindings = &mockBindingStore{}
		index = &mockIndex{}
		chat = &mockChat{}
		ticketing = &mockTicketing{}
		outcomes = &mockOutcomes{}
		syncer = relay.NewSyncer(resolver, bindings, index, chat, ticketing, outcomes, relay.Config{
			ChatChannelID: "ch-support",
		})
	})

	Describe("HandleMessageCreated", func() {
		Context("ticketing to chat", func() {
			It("resolves the thread and posts the formatted message", func() {
				ev := newEvent(model.PlatformTicketing, model.EventMessageCreated)
				resolver.byTicketFn = func(_ context.Context, ticketID string) (*model.ThreadBinding, error) {
					Expect(ticketID).To(Equal("conv-1"))
					return &model.ThreadBinding{TicketID: "conv-1", ThreadID: "th-42"}, nil
				}

				Expect(syncer.HandleMessageCreated(ctx, ev)).To(Succeed())

				Expect(chat.sent).To(HaveLen(1))
				Expect(chat.sent[0].ThreadID).To(Equal("th-42"))
				Expect(chat.sent[0].Content).To(Equal("**Ada**: Hello from the other side"))
				Expect(chat.sent[0].ParentID).To(BeEmpty())
			})

			It("records a delivered outcome", func() {
				ev := newEvent(model.PlatformTicketing, model.EventMessageCreated)

				Expect(syncer.HandleMessageCreated(ctx, ev)).To(Succeed())

				Expect(outcomes.recorded).To(HaveLen(1))
				Expect(outcomes.recorded[0].Outcome).To(Equal(model.OutcomeDelivered))
				Expect(outcomes.recorded[0].EventID).To(Equal("evt-1"))
			})

			It("suppresses when the fingerprint is already claimed by another event", func() {
				ev := newEvent(model.PlatformTicketing, model.EventMessageCreated)
				index.claimFn = func(_ context.Context, _, _ string) (bool, error) {
					return false, nil
				}

				Expect(syncer.HandleMessageCreated(ctx, ev)).To(Succeed())

				Expect(chat.sent).To(BeEmpty())
				Expect(outcomes.recorded).To(HaveLen(1))
				Expect(outcomes.recorded[0].Outcome).To(Equal(model.OutcomeDuplicate))
			})

			It("delivers a redelivered event that already holds its own fingerprint", func() {
				// At-least-once redelivery: the claim reports first=true for
				// the same event ID, so the pipeline proceeds.
				ev := newEvent(model.PlatformTicketing, model.EventMessageCreated)
				index.claimFn = func(_ context.Context, _, eventID string) (bool, error) {
					Expect(eventID).To(Equal("evt-1"))
					return true, nil
				}

				Expect(syncer.HandleMessageCreated(ctx, ev)).To(Succeed())
				Expect(chat.sent).To(HaveLen(1))
			})

			It("suppresses a self-echo without claiming a fingerprint", func() {
				ev := newEvent(model.PlatformTicketing, model.EventMessageCreated)
				ev.Payload.Origin = model.PlatformChat

				Expect(syncer.HandleMessageCreated(ctx, ev)).To(Succeed())

				Expect(index.claims).To(BeEmpty())
				Expect(chat.sent).To(BeEmpty())
				Expect(outcomes.recorded[0].Outcome).To(Equal(model.OutcomeDuplicate))
			})

			It("suppresses when a message was deleted on the target within the guard window", func() {
				ev := newEvent(model.PlatformTicketing, model.EventMessageCreated)
				chat.recentlyDeletedFn = func(_ context.Context, _ string, within time.Duration) (bool, error) {
					Expect(within).To(Equal(5 * time.Second))
					return true, nil
				}

				Expect(syncer.HandleMessageCreated(ctx, ev)).To(Succeed())
				Expect(chat.sent).To(BeEmpty())
			})

			It("suppresses an exact duplicate of a recent thread message", func() {
				ev := newEvent(model.PlatformTicketing, model.EventMessageCreated)
				chat.recentFn = func(_ context.Context, _ string, _ int) ([]platform.ChatMessage, error) {
					return []platform.ChatMessage{
						{ID: "m1", Content: "**Ada**:   Hello from the   other side"},
					}, nil
				}

				Expect(syncer.HandleMessageCreated(ctx, ev)).To(Succeed())

				Expect(chat.sent).To(BeEmpty())
				Expect(outcomes.recorded[0].Outcome).To(Equal(model.OutcomeDuplicate))
			})

			It("suppresses a containment duplicate within the length ratio", func() {
				ev := newEvent(model.PlatformTicketing, model.EventMessageCreated)
				ev.Payload.AuthorName = ""
				ev.Payload.Text = "Hello from the other"
				chat.recentFn = func(_ context.Context, _ string, _ int) ([]platform.ChatMessage, error) {
					return []platform.ChatMessage{
						{ID: "m1", Content: "Hello from the other side"},
					}, nil
				}

				Expect(syncer.HandleMessageCreated(ctx, ev)).To(Succeed())
				Expect(chat.sent).To(BeEmpty())
			})

			It("delivers when the only overlap exceeds the length ratio", func() {
				ev := newEvent(model.PlatformTicketing, model.EventMessageCreated)
				ev.Payload.AuthorName = ""
				ev.Payload.Text = "Hello world and a great deal of additional context in this one"
				chat.recentFn = func(_ context.Context, _ string, _ int) ([]platform.ChatMessage, error) {
					return []platform.ChatMessage{
						{ID: "m1", Content: "Hello world"},
					}, nil
				}

				Expect(syncer.HandleMessageCreated(ctx, ev)).To(Succeed())
				Expect(chat.sent).To(HaveLen(1))
			})

			It("compares with the attachment section stripped but sends the original text", func() {
				ev := newEvent(model.PlatformTicketing, model.EventMessageCreated)
				ev.Payload.AuthorName = ""
				ev.Payload.Text = "See the log output\nAttachments:\n[trace.log](https://files.example.com/trace.log)"
				chat.recentFn = func(_ context.Context, _ string, _ int) ([]platform.ChatMessage, error) {
					return []platform.ChatMessage{{ID: "m1", Content: "unrelated"}}, nil
				}

				Expect(syncer.HandleMessageCreated(ctx, ev)).To(Succeed())

				Expect(chat.sent).To(HaveLen(1))
				Expect(chat.sent[0].Content).To(ContainSubstring("Attachments:"))
			})

			It("threads a quoted reply under the quoted message", func() {
				ev := newEvent(model.PlatformTicketing, model.EventMessageCreated)
				ev.Payload.AuthorName = ""
				ev.Payload.Text = "> Original message\nMy reply"
				chat.recentFn = func(_ context.Context, _ string, _ int) ([]platform.ChatMessage, error) {
					return []platform.ChatMessage{
						{ID: "m-parent", Content: "Original message"},
					}, nil
				}

				Expect(syncer.HandleMessageCreated(ctx, ev)).To(Succeed())

				Expect(chat.sent).To(HaveLen(1))
				Expect(chat.sent[0].ParentID).To(Equal("m-parent"))
				Expect(chat.sent[0].Content).To(Equal("My reply"))
			})

			It("keeps the attachments block when threading a quoted reply", func() {
				ev := newEvent(model.PlatformTicketing, model.EventMessageCreated)
				ev.Payload.AuthorName = ""
				ev.Payload.Text = "> Original message\nMy reply\nAttachments:\n[patch.diff](https://files.example.com/patch.diff)"
				chat.recentFn = func(_ context.Context, _ string, _ int) ([]platform.ChatMessage, error) {
					return []platform.ChatMessage{
						{ID: "m-parent", Content: "Original message"},
					}, nil
				}

				Expect(syncer.HandleMessageCreated(ctx, ev)).To(Succeed())

				Expect(chat.sent).To(HaveLen(1))
				Expect(chat.sent[0].ParentID).To(Equal("m-parent"))
				Expect(chat.sent[0].Content).To(ContainSubstring("My reply"))
				Expect(chat.sent[0].Content).To(ContainSubstring("Attachments:"))
			})

			It("sends a quoted reply flat when the quoted text matches no recent message", func() {
				ev := newEvent(model.PlatformTicketing, model.EventMessageCreated)
				ev.Payload.AuthorName = ""
				ev.Payload.Text = "> Something long gone\nMy reply"

				Expect(syncer.HandleMessageCreated(ctx, ev)).To(Succeed())

				Expect(chat.sent).To(HaveLen(1))
				Expect(chat.sent[0].ParentID).To(BeEmpty())
				Expect(chat.sent[0].Content).To(Equal("> Something long gone\nMy reply"))
			})

			It("propagates an unmapped conversation as a permanent error", func() {
				ev := newEvent(model.PlatformTicketing, model.EventMessageCreated)
				resolver.byTicketFn = func(_ context.Context, _ string) (*model.ThreadBinding, error) {
					return nil, errors.Join(platform.ErrPermanent, mapping.ErrNotFound)
				}

				err := syncer.HandleMessageCreated(ctx, ev)
				Expect(err).To(HaveOccurred())
				Expect(errors.Is(err, platform.ErrPermanent)).To(BeTrue())
				Expect(chat.sent).To(BeEmpty())
			})
		})

		Context("chat to ticketing", func() {
			It("posts the message with the attachment section stripped", func() {
				ev := newEvent(model.PlatformChat, model.EventMessageCreated)
				ev.Payload.AuthorName = ""
				ev.Payload.Text = "Here you go\nAttachments:\n<https://files.example.com/a.png>"
				resolver.byThreadFn = func(_ context.Context, threadID string) (*model.ThreadBinding, error) {
					Expect(threadID).To(Equal("conv-1"))
					return &model.ThreadBinding{TicketID: "T-7", ThreadID: "conv-1"}, nil
				}

				Expect(syncer.HandleMessageCreated(ctx, ev)).To(Succeed())

				Expect(ticketing.posted).To(HaveLen(1))
				Expect(ticketing.posted[0].ThreadID).To(Equal("T-7"))
				Expect(ticketing.posted[0].Content).To(Equal("Here you go"))
			})

			It("suppresses a self-echo", func() {
				ev := newEvent(model.PlatformChat, model.EventMessageCreated)
				ev.Payload.Origin = model.PlatformTicketing

				Expect(syncer.HandleMessageCreated(ctx, ev)).To(Succeed())
				Expect(ticketing.posted).To(BeEmpty())
			})
		})
	})

	Describe("HandleAttachmentAdded", func() {
		It("relays a formatted attachments block to chat", func() {
			ev := newEvent(model.PlatformTicketing, model.EventAttachmentAdded)
			ev.Payload.Text = ""
			ev.Payload.Attachments = []model.Attachment{
				{Name: "invoice.pdf", URL: "https://files.example.com/invoice.pdf"},
			}

			Expect(syncer.HandleAttachmentAdded(ctx, ev)).To(Succeed())

			Expect(chat.sent).To(HaveLen(1))
			Expect(chat.sent[0].Content).To(Equal("Attachments:\n[invoice.pdf](https://files.example.com/invoice.pdf)"))
		})

		It("rejects an attachment event carrying no attachments", func() {
			ev := newEvent(model.PlatformTicketing, model.EventAttachmentAdded)
			ev.Payload.Attachments = nil

			err := syncer.HandleAttachmentAdded(ctx, ev)
			Expect(errors.Is(err, platform.ErrValidation)).To(BeTrue())
		})
	})

	Describe("HandleThreadCreated", func() {
		Context("from ticketing", func() {
			It("creates a chat thread, binds it, and delivers the opening message", func() {
				ev := newEvent(model.PlatformTicketing, model.EventThreadCreated)
				ev.Payload.Title = "Printer on fire"

				Expect(syncer.HandleThreadCreated(ctx, ev)).To(Succeed())

				Expect(chat.created).To(Equal([]string{"Printer on fire"}))
				Expect(bindings.boundTickets).To(Equal([]string{"conv-1"}))
				Expect(bindings.boundThreads).To(Equal([]string{"th-new"}))
				Expect(chat.sent).To(HaveLen(1))
				Expect(chat.sent[0].ThreadID).To(Equal("th-new"))
			})

			It("skips creation when the ticket is already bound", func() {
				ev := newEvent(model.PlatformTicketing, model.EventThreadCreated)
				bindings.byTicketFn = func(_ context.Context, _ string) (*model.ThreadBinding, error) {
					return &model.ThreadBinding{TicketID: "conv-1", ThreadID: "th-old"}, nil
				}

				Expect(syncer.HandleThreadCreated(ctx, ev)).To(Succeed())

				Expect(chat.created).To(BeEmpty())
				Expect(bindings.boundTickets).To(BeEmpty())
			})

			It("derives the thread name from the text when no title is set", func() {
				ev := newEvent(model.PlatformTicketing, model.EventThreadCreated)
				ev.Payload.Title = ""

				Expect(syncer.HandleThreadCreated(ctx, ev)).To(Succeed())
				Expect(chat.created).To(Equal([]string{"Hello from the other side"}))
			})

			It("fails when thread creation fails, leaving nothing bound", func() {
				ev := newEvent(model.PlatformTicketing, model.EventThreadCreated)
				chat.createThreadFn = func(_ context.Context, _, _ string) (string, error) {
					return "", platform.WrapTransient(errors.New("rate limited"))
				}

				err := syncer.HandleThreadCreated(ctx, ev)
				Expect(errors.Is(err, platform.ErrTransient)).To(BeTrue())
				Expect(bindings.boundTickets).To(BeEmpty())
			})
		})

		Context("from chat", func() {
			It("creates a ticket for the resolved customer and binds it", func() {
				ev := newEvent(model.PlatformChat, model.EventThreadCreated)
				ticketing.createTicketFn = func(_ context.Context, params platform.CreateTicketParams) (*platform.Ticket, error) {
					Expect(params.CustomerID).To(Equal("cust-1"))
					Expect(params.Body).To(Equal("Hello from the other side"))
					return &platform.Ticket{ID: "T-99", FriendlyID: "TL-99"}, nil
				}

				Expect(syncer.HandleThreadCreated(ctx, ev)).To(Succeed())

				Expect(bindings.boundTickets).To(Equal([]string{"T-99"}))
				Expect(bindings.boundThreads).To(Equal([]string{"conv-1"}))
			})

			It("skips creation when the thread is already bound", func() {
				ev := newEvent(model.PlatformChat, model.EventThreadCreated)
				bindings.byThreadFn = func(_ context.Context, _ string) (*model.ThreadBinding, error) {
					return &model.ThreadBinding{TicketID: "T-1", ThreadID: "conv-1"}, nil
				}

				Expect(syncer.HandleThreadCreated(ctx, ev)).To(Succeed())
				Expect(bindings.boundTickets).To(BeEmpty())
			})
		})
	})

	Describe("HandleConversationStatusChanged", func() {
		It("archives the chat thread when the ticket closes", func() {
			ev := newEvent(model.PlatformTicketing, model.EventConversationStatusChanged)
			ev.Payload.Status = "Closed"
			resolver.byTicketFn = func(_ context.Context, _ string) (*model.ThreadBinding, error) {
				return &model.ThreadBinding{TicketID: "conv-1", ThreadID: "th-5"}, nil
			}

			Expect(syncer.HandleConversationStatusChanged(ctx, ev)).To(Succeed())

			Expect(chat.archived).To(Equal([]string{"th-5"}))
			Expect(chat.sent).To(BeEmpty())
		})

		It("posts a note for a non-terminal status", func() {
			ev := newEvent(model.PlatformTicketing, model.EventConversationStatusChanged)
			ev.Payload.Status = "pending"

			Expect(syncer.HandleConversationStatusChanged(ctx, ev)).To(Succeed())

			Expect(chat.archived).To(BeEmpty())
			Expect(chat.sent).To(HaveLen(1))
			Expect(chat.sent[0].Content).To(Equal("Ticket status changed to pending"))
		})

		It("relays chat-side status changes as ticket notes", func() {
			ev := newEvent(model.PlatformChat, model.EventConversationStatusChanged)
			ev.Payload.Status = "archived"

			Expect(syncer.HandleConversationStatusChanged(ctx, ev)).To(Succeed())

			Expect(ticketing.posted).To(HaveLen(1))
			Expect(ticketing.posted[0].Content).To(Equal("Chat thread status changed to archived"))
		})
	})
})
