package platform

import (
	"context"
	"time"
)

// ChatMessage is a message already visible on a chat thread.
type ChatMessage struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// ChatClient is the outbound surface of the chat platform. All calls may
// fail with network or rate-limit errors classified into the package's
// error taxonomy.
type ChatClient interface {
	// SendMessage posts content to a thread and returns the new message ID.
	SendMessage(ctx context.Context, threadID, content string) (string, error)

	// SendReply posts content threaded under an existing message.
	SendReply(ctx context.Context, threadID, parentMessageID, content string) (string, error)

	// CreateThread opens a new thread under a parent channel.
	CreateThread(ctx context.Context, parentChannelID, name string) (string, error)

	// ArchiveThread closes a thread for new activity.
	ArchiveThread(ctx context.Context, threadID string) error

	// FetchRecentMessages returns up to limit of the thread's latest
	// messages, newest first.
	FetchRecentMessages(ctx context.Context, threadID string, limit int) ([]ChatMessage, error)

	// RecentlyDeleted reports whether a message was deleted on the thread
	// within the given window. Used as a recency guard against deletion races.
	RecentlyDeleted(ctx context.Context, threadID string, within time.Duration) (bool, error)
}
