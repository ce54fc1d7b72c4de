package handler_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"threadline.dev/bridge/internal/http/handler"
	"threadline.dev/bridge/internal/http/middleware"
	"threadline.dev/bridge/internal/model"
	"threadline.dev/bridge/internal/queue"
)

type fakeQueueAdmin struct {
	depths      queue.Depths
	deadLetters []queue.Record
	replayed    int

	replayLimits []int64
}

func (f *fakeQueueAdmin) Depths(_ context.Context) (queue.Depths, error) {
	return f.depths, nil
}

func (f *fakeQueueAdmin) ListDeadLetters(_ context.Context, limit int64) ([]queue.Record, error) {
	if int64(len(f.deadLetters)) > limit {
		return f.deadLetters[:limit], nil
	}
	return f.deadLetters, nil
}

func (f *fakeQueueAdmin) ReplayDeadLetter(_ context.Context, limit int64) (int, error) {
	f.replayLimits = append(f.replayLimits, limit)
	return f.replayed, nil
}

type fakeOutcomeLister struct {
	outcomes []model.DeliveryOutcome
}

func (f *fakeOutcomeLister) List(_ context.Context, _ int) ([]model.DeliveryOutcome, error) {
	return f.outcomes, nil
}

const adminKey = "ops-key"

var _ = Describe("OpsHandler", func() {
	var (
		router *gin.Engine
		queues *fakeQueueAdmin
	)

	adminRequest := func(method, path string) *http.Request {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("X-Admin-Api-Key", adminKey)
		return req
	}

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		queues = &fakeQueueAdmin{
			depths: queue.Depths{Normal: 3, Priority: 1, Delayed: 2, DeadLetter: 4},
		}
		outcomes := &fakeOutcomeLister{outcomes: []model.DeliveryOutcome{
			{EventID: "evt-1", Outcome: model.OutcomeDelivered, CreatedAt: time.Now()},
		}}
		h := handler.NewOpsHandler(queues, outcomes, nil, nil)

		router = gin.New()
		ops := router.Group("/ops")
		ops.Use(middleware.RequireAdminKey(adminKey))
		ops.GET("/queues", h.QueueStatus)
		ops.GET("/dead-letter", h.ListDeadLetters)
		ops.POST("/dead-letter/replay", h.ReplayDeadLetters)
		ops.GET("/outcomes", h.ListOutcomes)
	})

	It("reports queue depths", func() {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, adminRequest(http.MethodGet, "/ops/queues"))

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(ContainSubstring(`"normal":3`))
		Expect(w.Body.String()).To(ContainSubstring(`"deadLetter":4`))
		Expect(w.Body.String()).To(ContainSubstring(`"activeWorkers":0`))
	})

	It("rejects requests without the admin key", func() {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ops/queues", nil))

		Expect(w.Code).To(Equal(http.StatusUnauthorized))
	})

	It("lists dead-letter records", func() {
		queues.deadLetters = []queue.Record{
			{
				JobID:         "9-0",
				Queue:         queue.QueueDeadLetter,
				OriginalQueue: queue.QueueNormal,
				ErrorMessage:  "upstream 500",
				Event:         model.Event{EventID: "evt-9", Type: model.EventMessageCreated, AttemptCount: 3},
			},
		}

		w := httptest.NewRecorder()
		router.ServeHTTP(w, adminRequest(http.MethodGet, "/ops/dead-letter"))

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(ContainSubstring(`"event_id":"evt-9"`))
		Expect(w.Body.String()).To(ContainSubstring(`"error":"upstream 500"`))
	})

	It("replays dead letters honoring the limit parameter", func() {
		queues.replayed = 7

		w := httptest.NewRecorder()
		router.ServeHTTP(w, adminRequest(http.MethodPost, "/ops/dead-letter/replay?limit=7"))

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(ContainSubstring(`"replayed":7`))
		Expect(queues.replayLimits).To(Equal([]int64{7}))
	})

	It("falls back to the default replay limit on a bad parameter", func() {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, adminRequest(http.MethodPost, "/ops/dead-letter/replay?limit=-2"))

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(queues.replayLimits).To(Equal([]int64{10}))
	})

	It("lists recent delivery outcomes", func() {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, adminRequest(http.MethodGet, "/ops/outcomes"))

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(ContainSubstring(`"event_id":"evt-1"`))
		Expect(w.Body.String()).To(ContainSubstring(`"outcome":"delivered"`))
	})
})
