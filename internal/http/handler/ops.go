package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"threadline.dev/bridge/internal/dispatch"
	"threadline.dev/bridge/internal/health"
	"threadline.dev/bridge/internal/http/dto"
	"threadline.dev/bridge/internal/model"
	"threadline.dev/bridge/internal/queue"
)

// QueueAdmin is the queue surface the ops routes need. Satisfied by
// *queue.Manager.
type QueueAdmin interface {
	Depths(ctx context.Context) (queue.Depths, error)
	ListDeadLetters(ctx context.Context, limit int64) ([]queue.Record, error)
	ReplayDeadLetter(ctx context.Context, limit int64) (int, error)
}

// OutcomeLister reads recent audit rows. Satisfied by *store.OutcomeStore.
type OutcomeLister interface {
	List(ctx context.Context, limit int) ([]model.DeliveryOutcome, error)
}

type OpsHandler struct {
	queues   QueueAdmin
	outcomes OutcomeLister
	checker  *health.Checker
	client   *redis.Client
}

func NewOpsHandler(queues QueueAdmin, outcomes OutcomeLister, checker *health.Checker, client *redis.Client) *OpsHandler {
	return &OpsHandler{queues: queues, outcomes: outcomes, checker: checker, client: client}
}

func (h *OpsHandler) Health(c *gin.Context) {
	report := h.checker.Check(c.Request.Context())

	code := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}

func (h *OpsHandler) QueueStatus(c *gin.Context) {
	ctx := c.Request.Context()

	depths, err := h.queues.Depths(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to read queue depths"})
		return
	}

	active, processing := h.dispatcherStatus(ctx)

	c.JSON(http.StatusOK, dto.QueueStatusResponse{
		QueueSizes: dto.QueueSizes{
			Normal:     depths.Normal,
			Priority:   depths.Priority,
			Delayed:    depths.Delayed,
			DeadLetter: depths.DeadLetter,
		},
		ActiveWorkers: active,
		IsProcessing:  processing,
	})
}

// dispatcherStatus reads the status the worker process publishes. A
// missing or expired key means no dispatcher is reporting.
func (h *OpsHandler) dispatcherStatus(ctx context.Context) (int64, bool) {
	if h.client == nil {
		return 0, false
	}
	raw, err := h.client.Get(ctx, dispatch.StatusKey).Bytes()
	if err != nil {
		return 0, false
	}
	var st struct {
		ActiveWorkers int64 `json:"active_workers"`
		IsProcessing  bool  `json:"is_processing"`
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return 0, false
	}
	return st.ActiveWorkers, st.IsProcessing
}

func (h *OpsHandler) ListDeadLetters(c *gin.Context) {
	limit := parseLimit(c, 50)

	records, err := h.queues.ListDeadLetters(c.Request.Context(), int64(limit))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to read dead-letter queue"})
		return
	}

	out := make([]dto.DeadLetterRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, dto.DeadLetterRecord{
			JobID:         rec.JobID,
			EventID:       rec.Event.EventID,
			EventType:     string(rec.Event.Type),
			OriginalQueue: rec.OriginalQueue,
			AttemptCount:  rec.Event.AttemptCount,
			Error:         rec.ErrorMessage,
			FailedAt:      rec.FailedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"records": out})
}

func (h *OpsHandler) ReplayDeadLetters(c *gin.Context) {
	ctx := c.Request.Context()
	limit := parseLimit(c, 10)

	replayed, err := h.queues.ReplayDeadLetter(ctx, int64(limit))
	if err != nil {
		slog.ErrorContext(ctx, "dead-letter replay failed", "error", err, "replayed", replayed)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "replay failed", "replayed": replayed})
		return
	}

	slog.InfoContext(ctx, "dead-letter records replayed", "count", replayed)
	c.JSON(http.StatusOK, dto.ReplayResponse{Replayed: replayed})
}

func (h *OpsHandler) ListOutcomes(c *gin.Context) {
	if h.outcomes == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "audit log not configured"})
		return
	}
	limit := parseLimit(c, 50)

	outcomes, err := h.outcomes.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to read audit log"})
		return
	}

	out := make([]dto.OutcomeRecord, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, dto.OutcomeRecord{
			EventID:        o.EventID,
			Outcome:        string(o.Outcome),
			SourcePlatform: string(o.SourcePlatform),
			TargetPlatform: string(o.TargetPlatform),
			EventType:      string(o.EventType),
			TicketID:       o.TicketID,
			ThreadID:       o.ThreadID,
			AttemptCount:   o.AttemptCount,
			Error:          o.Error,
			CreatedAt:      o.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"outcomes": out})
}

func parseLimit(c *gin.Context, fallback int) int {
	raw := c.Query("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}
