package relay_test

import (
	"context"
	"time"

	"threadline.dev/bridge/internal/mapping"
	"threadline.dev/bridge/internal/model"
	"threadline.dev/bridge/internal/platform"
)

type mockResolver struct {
	byTicketFn func(ctx context.Context, ticketID string) (*model.ThreadBinding, error)
	byThreadFn func(ctx context.Context, threadID string) (*model.ThreadBinding, error)
}

func (m *mockResolver) ByTicket(ctx context.Context, ticketID string) (*model.ThreadBinding, error) {
	if m.byTicketFn != nil {
		return m.byTicketFn(ctx, ticketID)
	}
	return &model.ThreadBinding{TicketID: ticketID, ThreadID: "th-default"}, nil
}

func (m *mockResolver) ByThread(ctx context.Context, threadID string) (*model.ThreadBinding, error) {
	if m.byThreadFn != nil {
		return m.byThreadFn(ctx, threadID)
	}
	return &model.ThreadBinding{TicketID: "T-default", ThreadID: threadID}, nil
}

type mockBindingStore struct {
	bindFn     func(ctx context.Context, ticketID, threadID string) error
	byTicketFn func(ctx context.Context, ticketID string) (*model.ThreadBinding, error)
	byThreadFn func(ctx context.Context, threadID string) (*model.ThreadBinding, error)

	boundTickets []string
	boundThreads []string
}

func (m *mockBindingStore) Bind(ctx context.Context, ticketID, threadID string) error {
	m.boundTickets = append(m.boundTickets, ticketID)
	m.boundThreads = append(m.boundThreads, threadID)
	if m.bindFn != nil {
		return m.bindFn(ctx, ticketID, threadID)
	}
	return nil
}

func (m *mockBindingStore) ResolveByTicket(ctx context.Context, ticketID string) (*model.ThreadBinding, error) {
	if m.byTicketFn != nil {
		return m.byTicketFn(ctx, ticketID)
	}
	return nil, mapping.ErrNotFound
}

func (m *mockBindingStore) ResolveByThread(ctx context.Context, threadID string) (*model.ThreadBinding, error) {
	if m.byThreadFn != nil {
		return m.byThreadFn(ctx, threadID)
	}
	return nil, mapping.ErrNotFound
}

type mockIndex struct {
	claimFn func(ctx context.Context, key, eventID string) (bool, error)
	claims  []string
}

func (m *mockIndex) Claim(ctx context.Context, key, eventID string) (bool, error) {
	m.claims = append(m.claims, key)
	if m.claimFn != nil {
		return m.claimFn(ctx, key, eventID)
	}
	return true, nil
}

type sentMessage struct {
	ThreadID string
	ParentID string
	Content  string
}

type mockChat struct {
	sent     []sentMessage
	archived []string
	created  []string

	recentFn          func(ctx context.Context, threadID string, limit int) ([]platform.ChatMessage, error)
	recentlyDeletedFn func(ctx context.Context, threadID string, within time.Duration) (bool, error)
	createThreadFn    func(ctx context.Context, parentChannelID, name string) (string, error)
	sendFn            func(ctx context.Context, threadID, content string) (string, error)
}

func (m *mockChat) SendMessage(ctx context.Context, threadID, content string) (string, error) {
	m.sent = append(m.sent, sentMessage{ThreadID: threadID, Content: content})
	if m.sendFn != nil {
		return m.sendFn(ctx, threadID, content)
	}
	return "msg-1", nil
}

func (m *mockChat) SendReply(ctx context.Context, threadID, parentMessageID, content string) (string, error) {
	m.sent = append(m.sent, sentMessage{ThreadID: threadID, ParentID: parentMessageID, Content: content})
	return "msg-2", nil
}

func (m *mockChat) CreateThread(ctx context.Context, parentChannelID, name string) (string, error) {
	m.created = append(m.created, name)
	if m.createThreadFn != nil {
		return m.createThreadFn(ctx, parentChannelID, name)
	}
	return "th-new", nil
}

func (m *mockChat) ArchiveThread(ctx context.Context, threadID string) error {
	m.archived = append(m.archived, threadID)
	return nil
}

func (m *mockChat) FetchRecentMessages(ctx context.Context, threadID string, limit int) ([]platform.ChatMessage, error) {
	if m.recentFn != nil {
		return m.recentFn(ctx, threadID, limit)
	}
	return nil, nil
}

func (m *mockChat) RecentlyDeleted(ctx context.Context, threadID string, within time.Duration) (bool, error) {
	if m.recentlyDeletedFn != nil {
		return m.recentlyDeletedFn(ctx, threadID, within)
	}
	return false, nil
}

type mockTicketing struct {
	posted []sentMessage

	createTicketFn func(ctx context.Context, params platform.CreateTicketParams) (*platform.Ticket, error)
	customerFn     func(ctx context.Context, identity, email string) (string, error)
	postFn         func(ctx context.Context, ticketID, content string) error
}

func (m *mockTicketing) CreateTicket(ctx context.Context, params platform.CreateTicketParams) (*platform.Ticket, error) {
	if m.createTicketFn != nil {
		return m.createTicketFn(ctx, params)
	}
	return &platform.Ticket{ID: "T-new", FriendlyID: "TL-1"}, nil
}

func (m *mockTicketing) PostMessage(ctx context.Context, ticketID, content string) error {
	m.posted = append(m.posted, sentMessage{ThreadID: ticketID, Content: content})
	if m.postFn != nil {
		return m.postFn(ctx, ticketID, content)
	}
	return nil
}

func (m *mockTicketing) GetOrCreateCustomer(ctx context.Context, identity, email string) (string, error) {
	if m.customerFn != nil {
		return m.customerFn(ctx, identity, email)
	}
	return "cust-1", nil
}

type mockOutcomes struct {
	recorded []model.DeliveryOutcome
}

func (m *mockOutcomes) Record(ctx context.Context, outcome model.DeliveryOutcome) error {
	m.recorded = append(m.recorded, outcome)
	return nil
}
