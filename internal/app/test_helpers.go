package app

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/GALA-Lin/service-sub006/internal/deadletter"
	"github.com/GALA-Lin/service-sub006/internal/domain"
	"github.com/GALA-Lin/service-sub006/internal/lock"
	"github.com/GALA-Lin/service-sub006/internal/messaging"
	"github.com/GALA-Lin/service-sub006/internal/metrics"
	"github.com/GALA-Lin/service-sub006/internal/service/booking"
	"github.com/GALA-Lin/service-sub006/internal/service/notify"
	"github.com/GALA-Lin/service-sub006/internal/service/payment"
	"github.com/GALA-Lin/service-sub006/internal/service/pricing"
	"github.com/GALA-Lin/service-sub006/internal/service/refund"
	"github.com/GALA-Lin/service-sub006/internal/storage/memory"
)

// testRuntime — сервис в памяти с внутрипроцессной доставкой сообщений.
type testRuntime struct {
	repos     *repositories
	engine    *booking.Engine
	refunds   *refund.Workflow
	publisher *messaging.Publisher
	loopback  *messaging.LoopbackTransport
	notifier  *notify.RecordingNotifier
	consumers []*messaging.Consumer
	clock     *shiftedClock
}

// shiftedClock идёт вместе с реальным временем, но может быть сдвинут вперёд.
type shiftedClock struct {
	mu    sync.Mutex
	shift time.Duration
}

func (c *shiftedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().UTC().Add(c.shift)
}

func (c *shiftedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shift += d
}

func newTestRuntime(t *testing.T, cfg Config) *testRuntime {
	t.Helper()

	logger := log.WithField("test", t.Name())
	repos := &repositories{
		orders:      memory.NewOrderRepository(),
		slots:       memory.NewSlotRepository(),
		timeline:    memory.NewTimelineRepository(),
		refunds:     memory.NewRefundRepository(),
		rules:       memory.NewRefundRuleRepository(),
		deadLetters: memory.NewDeadLetterRepository(),
		inbox:       memory.NewInboxRepository(),
	}
	observer := metrics.NewBookingMetricsWithRegisterer(prometheus.NewRegistry())

	loopback := messaging.NewLoopbackTransport(logger)
	t.Cleanup(func() { _ = loopback.Close() })
	publisher := messaging.NewPublisher(loopback, memory.NewCorrelationStore(), messaging.WithPublishObserver(observer))

	clock := &shiftedClock{}
	locks := lock.NewMemoryCoordinator()
	engine := booking.NewEngine(booking.Dependencies{
		Orders:    repos.orders,
		Slots:     repos.slots,
		Timeline:  repos.timeline,
		Locks:     locks,
		Pricing:   pricing.NewMockService(),
		Payments:  payment.NewMockService(),
		Publisher: publisher,
	}, booking.DefaultConfig(), booking.WithLogger(logger), booking.WithObserver(observer), booking.WithClock(clock.Now))
	workflow := refund.NewWorkflow(refund.Dependencies{
		Orders:    repos.orders,
		Refunds:   repos.refunds,
		Rules:     repos.rules,
		Slots:     repos.slots,
		Timeline:  repos.timeline,
		Locks:     locks,
		Publisher: publisher,
	}, refund.DefaultConfig(), refund.WithLogger(logger))

	notifier := &notify.RecordingNotifier{}
	consumers, err := buildConsumers(cfg, flowHandlers{
		engine:        engine,
		refunds:       workflow,
		notifications: booking.NewNotifications(repos.orders, notifier, logger),
		aggregator:    deadletter.NewAggregator(repos.deadLetters, deadletter.WithObserver(observer)),
	}, []messaging.ConsumerOption{
		messaging.WithRouter(publisher),
		messaging.WithInbox(repos.inbox, time.Hour),
		messaging.WithConsumeObserver(observer),
	}, []messaging.ConsumerOption{
		messaging.WithRouter(publisher),
	})
	if err != nil {
		t.Fatalf("buildConsumers failed: %v", err)
	}
	for _, consumer := range consumers {
		loopback.Subscribe(consumer)
	}

	return &testRuntime{
		repos:     repos,
		engine:    engine,
		refunds:   workflow,
		publisher: publisher,
		loopback:  loopback,
		notifier:  notifier,
		consumers: consumers,
		clock:     clock,
	}
}

// newTestSlots возвращает час на корте через сутки от now.
func newTestSlots(now time.Time) []domain.Slot {
	start := now.Add(24 * time.Hour).Truncate(time.Hour)
	return []domain.Slot{{
		ResourceType: domain.ResourceTypeCourt,
		ResourceID:   "court-1",
		OwnerID:      "venue-1",
		StartAt:      start,
		EndAt:        start.Add(time.Hour),
	}}
}
