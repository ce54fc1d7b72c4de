package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"threadline.dev/bridge/common/logger"
	"threadline.dev/bridge/internal/http/dto"
	"threadline.dev/bridge/internal/model"
	"threadline.dev/bridge/internal/normalize"
	"threadline.dev/bridge/internal/platform"
)

// Enqueuer is the queue surface the ingress needs. Satisfied by
// *queue.Manager.
type Enqueuer interface {
	Enqueue(ctx context.Context, ev model.Event) (string, error)
}

type WebhookHandler struct {
	enqueuer Enqueuer
}

func NewWebhookHandler(enqueuer Enqueuer) *WebhookHandler {
	return &WebhookHandler{enqueuer: enqueuer}
}

// inboundEnvelope is the raw webhook body: the reserved url_verification
// handshake carries a challenge, everything else carries event data.
type inboundEnvelope struct {
	Event     string          `json:"event"`
	Challenge string          `json:"challenge"`
	Data      json.RawMessage `json:"data"`
}

func (h *WebhookHandler) HandleChat(c *gin.Context) {
	h.handle(c, model.PlatformChat)
}

func (h *WebhookHandler) HandleTicketing(c *gin.Context) {
	h.handle(c, model.PlatformTicketing)
}

// handle acknowledges fast: the webhook is answered as soon as the event
// is validated and durably queued, never after delivery.
func (h *WebhookHandler) handle(c *gin.Context, source model.Platform) {
	ctx := c.Request.Context()

	var envelope inboundEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	if envelope.Event == "url_verification" {
		c.JSON(http.StatusOK, dto.ChallengeResponse{Challenge: envelope.Challenge})
		return
	}

	ev, err := normalize.Normalize(normalize.Inbound{
		Event: envelope.Event,
		Data:  envelope.Data,
	}, source)
	if err != nil {
		if errors.Is(err, platform.ErrValidation) {
			slog.WarnContext(ctx, "rejecting malformed webhook",
				"error", err,
				"source", source,
				"event", envelope.Event)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process event"})
		return
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		EventID:   logger.Ptr(ev.EventID),
		EventType: logger.Ptr(string(ev.Type)),
	})

	jobID, err := h.enqueuer.Enqueue(ctx, *ev)
	if err != nil {
		slog.ErrorContext(ctx, "failed to enqueue webhook event", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to queue event"})
		return
	}

	slog.InfoContext(ctx, "webhook event queued",
		"job_id", jobID,
		"source", source,
		"priority", ev.Priority)
	c.JSON(http.StatusOK, dto.WebhookAck{Status: "queued", EventID: ev.EventID})
}
