package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// chatHTTPClient is a thin REST client for the chat platform. It does no
// retrying of its own; it only classifies failures so the retry policy
// engine can.
type chatHTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewChatHTTPClient(baseURL, token string) ChatClient {
	return &chatHTTPClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *chatHTTPClient) SendMessage(ctx context.Context, threadID, content string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/threads/%s/messages", url.PathEscape(threadID)),
		map[string]string{"content": content}, &resp, "chat send message")
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *chatHTTPClient) SendReply(ctx context.Context, threadID, parentMessageID, content string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/threads/%s/messages", url.PathEscape(threadID)),
		map[string]string{"content": content, "reply_to": parentMessageID}, &resp, "chat send reply")
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *chatHTTPClient) CreateThread(ctx context.Context, parentChannelID, name string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/channels/%s/threads", url.PathEscape(parentChannelID)),
		map[string]string{"name": name}, &resp, "chat create thread")
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *chatHTTPClient) ArchiveThread(ctx context.Context, threadID string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/threads/%s/archive", url.PathEscape(threadID)),
		nil, nil, "chat archive thread")
}

func (c *chatHTTPClient) FetchRecentMessages(ctx context.Context, threadID string, limit int) ([]ChatMessage, error) {
	var resp struct {
		Messages []ChatMessage `json:"messages"`
	}
	path := fmt.Sprintf("/v1/threads/%s/messages?limit=%s", url.PathEscape(threadID), strconv.Itoa(limit))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp, "chat fetch messages"); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *chatHTTPClient) RecentlyDeleted(ctx context.Context, threadID string, within time.Duration) (bool, error) {
	var resp struct {
		Deletions []struct {
			DeletedAt time.Time `json:"deleted_at"`
		} `json:"deletions"`
	}
	path := fmt.Sprintf("/v1/threads/%s/deletions", url.PathEscape(threadID))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp, "chat fetch deletions"); err != nil {
		return false, err
	}

	cutoff := time.Now().Add(-within)
	for _, d := range resp.Deletions {
		if d.DeletedAt.After(cutoff) {
			return true, nil
		}
	}
	return false, nil
}

func (c *chatHTTPClient) do(ctx context.Context, method, path string, body, out any, op string) error {
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
	req.Header.Set("Authorization", "Bearer "+c.token)
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
