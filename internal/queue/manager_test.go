package queue_test

import (
	"context"
	"errors"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"threadline.dev/bridge/internal/model"
	"threadline.dev/bridge/internal/platform"
	"threadline.dev/bridge/internal/queue"
	"threadline.dev/bridge/internal/retry"
)

type recordingSink struct {
	outcomes []model.DeliveryOutcome
}

func (s *recordingSink) Record(_ context.Context, outcome model.DeliveryOutcome) error {
	s.outcomes = append(s.outcomes, outcome)
	return nil
}

var _ = Describe("Manager", func() {
	var (
		ctx     context.Context
		mr      *miniredis.Miniredis
		client  *redis.Client
		manager *queue.Manager
		sink    *recordingSink
	)

	newEvent := func() model.Event {
		return model.Event{
			EventID:        "evt-1",
			SourcePlatform: model.PlatformChat,
			TargetPlatform: model.PlatformTicketing,
			Type:           model.EventMessageCreated,
			ReceivedAt:     time.Now().UTC(),
			Payload:        model.Payload{ConversationID: "conv-1", Text: "hello"},
			Priority:       model.PriorityNormal,
			Source:         model.SourceWebhook,
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		mr = miniredis.RunT(GinkgoTB())
		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})

		policy := retry.Policy{
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			MaxAttempts: 3,
		}

		var err error
		manager, err = queue.NewManager(client, queue.Config{
			ConsumerGroup: "test_group",
			ConsumerName:  "test-consumer",
		}, policy, nil)
		Expect(err).NotTo(HaveOccurred())

		sink = &recordingSink{}
		manager.SetAuditSink(sink)
	})

	AfterEach(func() {
		Expect(client.Close()).To(Succeed())
	})

	It("round-trips an event through enqueue and dequeue", func() {
		_, err := manager.Enqueue(ctx, newEvent())
		Expect(err).NotTo(HaveOccurred())

		rec, err := manager.Dequeue(ctx, queue.QueueNormal, time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.Event.EventID).To(Equal("evt-1"))
		Expect(rec.Event.Payload.Text).To(Equal("hello"))
	})

	It("returns ErrNoRecord from an empty queue without blocking", func() {
		_, err := manager.Dequeue(ctx, queue.QueueNormal, time.Minute)
		Expect(errors.Is(err, queue.ErrNoRecord)).To(BeTrue())
	})

	Describe("Fail", func() {
		dequeued := func() queue.Record {
			_, err := manager.Enqueue(ctx, newEvent())
			Expect(err).NotTo(HaveOccurred())
			rec, err := manager.Dequeue(ctx, queue.QueueNormal, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			return *rec
		}

		It("parks a transient failure in the delay set and clears the stream", func() {
			rec := dequeued()

			decision, err := manager.Fail(ctx, rec, platform.WrapTransient(errors.New("upstream 502")))
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Verdict).To(Equal(retry.VerdictRetry))

			Expect(client.ZCard(ctx, queue.DelayedKey).Val()).To(Equal(int64(1)))
			Expect(client.XLen(ctx, queue.QueueNormal).Val()).To(BeZero())
		})

		It("moves a permanent failure to the dead-letter queue and records it", func() {
			rec := dequeued()

			decision, err := manager.Fail(ctx, rec, platform.WrapPermanent(errors.New("bad payload")))
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Verdict).To(Equal(retry.VerdictDeadLetter))

			Expect(client.XLen(ctx, queue.QueueDeadLetter).Val()).To(Equal(int64(1)))
			Expect(client.XLen(ctx, queue.QueueNormal).Val()).To(BeZero())

			Expect(sink.outcomes).To(HaveLen(1))
			Expect(sink.outcomes[0].Outcome).To(Equal(model.OutcomeDeadLettered))
		})

		It("keeps the lease when the retry write fails", func() {
			rec := dequeued()

			// A wrong-typed delay key makes the ZADD fail before the ack.
			Expect(mr.Set(queue.DelayedKey, "blocker")).To(Succeed())

			_, err := manager.Fail(ctx, rec, platform.WrapTransient(errors.New("upstream 502")))
			Expect(err).To(HaveOccurred())

			// The original entry survives for the reclaimer to redeliver.
			Expect(client.XLen(ctx, queue.QueueNormal).Val()).To(Equal(int64(1)))
		})

		It("keeps the lease when the dead-letter write fails", func() {
			rec := dequeued()

			Expect(mr.Set(queue.QueueDeadLetter, "blocker")).To(Succeed())

			_, err := manager.Fail(ctx, rec, platform.WrapPermanent(errors.New("bad payload")))
			Expect(err).To(HaveOccurred())

			Expect(client.XLen(ctx, queue.QueueNormal).Val()).To(Equal(int64(1)))
		})
	})

	Describe("ReplayDeadLetter", func() {
		It("re-enqueues quarantined events as fresh normal-priority work", func() {
			_, err := manager.Enqueue(ctx, newEvent())
			Expect(err).NotTo(HaveOccurred())
			rec, err := manager.Dequeue(ctx, queue.QueueNormal, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			_, err = manager.Fail(ctx, *rec, platform.WrapPermanent(errors.New("bad payload")))
			Expect(err).NotTo(HaveOccurred())

			replayed, err := manager.ReplayDeadLetter(ctx, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(replayed).To(Equal(1))

			Expect(client.XLen(ctx, queue.QueueDeadLetter).Val()).To(BeZero())

			fresh, err := manager.Dequeue(ctx, queue.QueueNormal, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(fresh.Event.EventID).NotTo(Equal("evt-1"))
			Expect(fresh.Event.Source).To(Equal(model.SourceRetry))
			Expect(fresh.Event.AttemptCount).To(BeZero())
		})
	})
})
