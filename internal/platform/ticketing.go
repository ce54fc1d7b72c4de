package platform

import "context"

// Ticket is the ticketing platform's handle for a conversation.
type Ticket struct {
	ID         string `json:"id"`
	FriendlyID string `json:"friendly_id"`
}

type CreateTicketParams struct {
	Title      string `json:"title"`
	Body       string `json:"body"`
	CustomerID string `json:"customer_id"`
}

// TicketingClient is the outbound surface of the ticketing backend.
type TicketingClient interface {
	CreateTicket(ctx context.Context, params CreateTicketParams) (*Ticket, error)

	// PostMessage appends content to a ticket's conversation.
	PostMessage(ctx context.Context, ticketID, content string) error

	// GetOrCreateCustomer resolves a platform identity to a customer ID,
	// creating the customer when unknown.
	GetOrCreateCustomer(ctx context.Context, identity, email string) (string, error)
}
