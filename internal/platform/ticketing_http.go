package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

type ticketingHTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewTicketingHTTPClient(baseURL, apiKey string) TicketingClient {
	return &ticketingHTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *ticketingHTTPClient) CreateTicket(ctx context.Context, params CreateTicketParams) (*Ticket, error) {
	var ticket Ticket
	if err := c.do(ctx, http.MethodPost, "/api/tickets", params, &ticket, "ticketing create ticket"); err != nil {
		return nil, err
	}
	return &ticket, nil
}

func (c *ticketingHTTPClient) PostMessage(ctx context.Context, ticketID, content string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/tickets/%s/messages", url.PathEscape(ticketID)),
		map[string]string{"content": content}, nil, "ticketing post message")
}

func (c *ticketingHTTPClient) GetOrCreateCustomer(ctx context.Context, identity, email string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPut, "/api/customers",
		map[string]string{"identity": identity, "email": email}, &resp, "ticketing get-or-create customer")
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *ticketingHTTPClient) do(ctx context.Context, method, path string, body, out any, op string) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encoding request: %w", op, err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: building request: %w", op, err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return ClassifyNetErr(err, op)
	}
	defer resp.Body.Close()

	if err := ClassifyStatus(resp.StatusCode, op); err != nil {
		return err
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return WrapTransient(fmt.Errorf("%s: decoding response: %v", op, err))
		}
	}
	return nil
}
