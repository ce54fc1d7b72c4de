// Package middleware holds the gin middleware shared by the ingress and
// operational routes.
package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	headerSignature = "X-Bridge-Signature"
	headerTimestamp = "X-Bridge-Timestamp"
)

// VerifySignature authenticates webhook deliveries: the sender signs
// "{unix_timestamp}.{body}" with the shared secret, and the timestamp
// must fall within the skew window to stop replayed captures. The body
// is rewound for downstream handlers.
func VerifySignature(secret string, skew time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "webhook secret not configured"})
			return
		}

		sig := c.GetHeader(headerSignature)
		tsHeader := c.GetHeader(headerTimestamp)
		if sig == "" || tsHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing signature headers"})
			return
		}

		ts, err := strconv.ParseInt(tsHeader, 10, 64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid timestamp"})
			return
		}
		if drift := time.Since(time.Unix(ts, 0)); drift > skew || drift < -skew {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "timestamp outside allowed window"})
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(tsHeader))
		mac.Write([]byte("."))
		mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))

		if !hmac.Equal([]byte(expected), []byte(sig)) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}

		c.Next()
	}
}

// Sign computes the signature a sender would attach.
func Sign(secret string, ts time.Time, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts.Unix(), 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
