// Package dedup is the short-TTL fingerprint index preventing re-delivery
// of content already rendered on the target platform.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"threadline.dev/bridge/internal/model"
)

// fingerprintPrefixLen bounds how much normalized content feeds the hash.
// Long messages that differ only after this prefix are close enough to be
// the same delivery within a TTL window.
const fingerprintPrefixLen = 256

// Fingerprint derives the content-based dedup key:
// dedup:{base64(hash(platform, eventType, conversationId, normalizedContentPrefix))}.
func Fingerprint(target model.Platform, eventType model.EventType, conversationID, text string) string {
	prefix := collapseWhitespace(text)
	if len(prefix) > fingerprintPrefixLen {
		prefix = prefix[:fingerprintPrefixLen]
	}

	h := sha256.Sum256([]byte(strings.Join([]string{
		string(target),
		string(eventType),
		conversationID,
		prefix,
	}, "\x1f")))

	return "dedup:" + base64.RawURLEncoding.EncodeToString(h[:])
}

// Index stores fingerprints with a TTL measured in minutes. Entries are
// written once and expire naturally; there is no delete path.
type Index struct {
	client *redis.Client
	ttl    time.Duration
}

func NewIndex(client *redis.Client, ttl time.Duration) *Index {
	return &Index{client: client, ttl: ttl}
}

// Claim records the fingerprint if it is not already present. Returns true
// when this event is the first bearer of the fingerprint within the TTL
// window; false means the content was already delivered and the caller
// should suppress.
func (i *Index) Claim(ctx context.Context, key, eventID string) (bool, error) {
	first, err := i.client.SetNX(ctx, key, eventID, i.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claiming fingerprint: %w", err)
	}

	if !first {
		holder, getErr := i.client.Get(ctx, key).Result()
		if getErr == nil && holder == eventID {
			// The same event re-delivered (lease expiry, crash replay): its
			// own fingerprint does not make it a duplicate.
			return true, nil
		}
		slog.DebugContext(ctx, "fingerprint already claimed", "key", key, "event_id", eventID)
	}
	return first, nil
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
