package health_test

import (
	"context"
	"errors"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"threadline.dev/bridge/internal/health"
	"threadline.dev/bridge/internal/model"
	"threadline.dev/bridge/internal/queue"
	"threadline.dev/bridge/internal/retry"
)

type fakeCounter struct {
	countFn func(ctx context.Context, kind model.OutcomeKind, since time.Time) (int64, error)
}

func (f *fakeCounter) CountSince(ctx context.Context, kind model.OutcomeKind, since time.Time) (int64, error) {
	if f.countFn != nil {
		return f.countFn(ctx, kind, since)
	}
	return 0, nil
}

var _ = Describe("Checker", func() {
	var (
		ctx     context.Context
		mr      *miniredis.Miniredis
		client  *redis.Client
		manager *queue.Manager
		counter *fakeCounter
	)

	BeforeEach(func() {
		ctx = context.Background()
		mr = miniredis.RunT(GinkgoTB())
		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})

		var err error
		manager, err = queue.NewManager(client, queue.Config{
			ConsumerGroup: "test_group",
			ConsumerName:  "test-consumer",
		}, retry.Policy{MaxAttempts: 3}, nil)
		Expect(err).NotTo(HaveOccurred())

		counter = &fakeCounter{}
	})

	AfterEach(func() {
		Expect(client.Close()).To(Succeed())
	})

	It("reports healthy when every probe passes", func() {
		checker := health.NewChecker(client, nil, manager, counter, health.Config{})

		report := checker.Check(ctx)
		Expect(report.Status).To(Equal(health.StatusHealthy))
		Expect(report.Checks["redis"]).To(Equal("ok"))
		Expect(report.Checks["audit"]).To(Equal("ok"))
		Expect(report.Depths).NotTo(BeNil())
	})

	It("reports unhealthy when redis is unreachable", func() {
		checker := health.NewChecker(client, nil, manager, counter, health.Config{})
		mr.Close()

		report := checker.Check(ctx)
		Expect(report.Status).To(Equal(health.StatusUnhealthy))
	})

	It("degrades when the dead-letter quarantine grows past the threshold", func() {
		checker := health.NewChecker(client, nil, manager, counter, health.Config{DeadLetterThreshold: 1})

		for i := 0; i < 2; i++ {
			Expect(client.XAdd(ctx, &redis.XAddArgs{
				Stream: queue.QueueDeadLetter,
				Values: map[string]string{"event_id": "evt-x"},
			}).Err()).NotTo(HaveOccurred())
		}

		report := checker.Check(ctx)
		Expect(report.Status).To(Equal(health.StatusDegraded))
		Expect(report.Checks["queues"]).To(ContainSubstring("quarantine"))
	})

	It("degrades when recent dead-letter arrivals outpace the rate threshold", func() {
		counter.countFn = func(_ context.Context, kind model.OutcomeKind, _ time.Time) (int64, error) {
			Expect(kind).To(Equal(model.OutcomeDeadLettered))
			return 30, nil
		}
		checker := health.NewChecker(client, nil, manager, counter, health.Config{DeadLetterRateThreshold: 25})

		report := checker.Check(ctx)
		Expect(report.Status).To(Equal(health.StatusDegraded))
		Expect(report.Checks["audit"]).To(Equal("dead-letter rate above threshold"))
	})

	It("degrades instead of failing when the audit store is down", func() {
		counter.countFn = func(_ context.Context, _ model.OutcomeKind, _ time.Time) (int64, error) {
			return 0, errors.New("connection refused")
		}
		checker := health.NewChecker(client, nil, manager, counter, health.Config{})

		report := checker.Check(ctx)
		Expect(report.Status).To(Equal(health.StatusDegraded))
	})
})
