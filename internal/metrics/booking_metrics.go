// Package metrics собирает Prometheus-метрики бронирования. BookingMetrics
// реализует Observer-интерфейсы движка, workflow возврата, блокировок и
// сообщений, поэтому пакеты домена не зависят от Prometheus.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/GALA-Lin/service-sub006/internal/deadletter"
	"github.com/GALA-Lin/service-sub006/internal/domain"
	"github.com/GALA-Lin/service-sub006/internal/lock"
	"github.com/GALA-Lin/service-sub006/internal/messaging"
	"github.com/GALA-Lin/service-sub006/internal/service/booking"
	"github.com/GALA-Lin/service-sub006/internal/service/inbox"
	"github.com/GALA-Lin/service-sub006/internal/service/refund"
)

// BookingMetrics содержит метрики бронирования.
type BookingMetrics struct {
	bookings    *prometheus.CounterVec
	transitions *prometheus.CounterVec
	refunds     *prometheus.CounterVec

	lockAcquires *prometheus.CounterVec
	lockWait     prometheus.Histogram

	publishes   *prometheus.CounterVec
	decisions   *prometheus.CounterVec
	deadLetters *prometheus.CounterVec

	inboxCleanupRuns    *prometheus.CounterVec
	inboxCleanupDeleted *prometheus.CounterVec
}

var (
	_ booking.Observer          = (*BookingMetrics)(nil)
	_ refund.Observer           = (*BookingMetrics)(nil)
	_ lock.Observer             = (*BookingMetrics)(nil)
	_ messaging.PublishObserver = (*BookingMetrics)(nil)
	_ messaging.ConsumeObserver = (*BookingMetrics)(nil)
	_ deadletter.Observer       = (*BookingMetrics)(nil)
	_ inbox.Observer            = (*BookingMetrics)(nil)
)

// NewBookingMetrics регистрирует метрики в реестре по умолчанию.
func NewBookingMetrics() *BookingMetrics {
	return NewBookingMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewBookingMetricsWithRegisterer регистрирует метрики в переданном реестре.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewBookingMetricsWithRegisterer(registerer prometheus.Registerer) *BookingMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &BookingMetrics{
		bookings: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "booking_orders_created_total",
			Help: "Total number of booking attempts grouped by outcome",
		}, []string{"outcome"}),
		transitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "booking_order_transitions_total",
			Help: "Total number of order status transitions grouped by target status and result",
		}, []string{"to", "result"}),
		refunds: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "booking_refunds_total",
			Help: "Total number of refund workflow operations grouped by outcome",
		}, []string{"outcome"}),
		lockAcquires: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "booking_lock_acquire_total",
			Help: "Total number of slot lock acquisitions grouped by outcome",
		}, []string{"outcome"}),
		lockWait: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "booking_lock_wait_seconds",
			Help:    "Time spent waiting for slot locks in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		publishes: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "booking_messages_published_total",
			Help: "Total number of publish attempts grouped by result",
		}, []string{"result"}),
		decisions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "booking_messages_consumed_total",
			Help: "Total number of consumed messages grouped by flow and decision",
		}, []string{"flow", "decision"}),
		deadLetters: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "booking_dead_letters_total",
			Help: "Total number of dead-lettered messages grouped by business type and outcome",
		}, []string{"business_type", "outcome"}),
		inboxCleanupRuns: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "booking_inbox_cleanup_runs_total",
			Help: "Total number of inbox cleanup runs grouped by result",
		}, []string{"result"}),
		inboxCleanupDeleted: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "booking_inbox_cleanup_deleted_total",
			Help: "Total number of expired processed-message records removed",
		}, nil),
	}
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

// ObserveBooking учитывает попытку бронирования.
func (m *BookingMetrics) ObserveBooking(outcome string) {
	m.bookings.WithLabelValues(outcome).Inc()
}

// ObserveTransition учитывает условный переход статуса заказа.
func (m *BookingMetrics) ObserveTransition(to domain.OrderStatus, applied bool) {
	result := "applied"
	if !applied {
		result = "skipped"
	}
	m.transitions.WithLabelValues(string(to), result).Inc()
}

// ObserveRefund учитывает операцию над заявкой на возврат.
func (m *BookingMetrics) ObserveRefund(outcome string) {
	m.refunds.WithLabelValues(outcome).Inc()
}

// ObserveLockAcquire учитывает захват блокировок слотов.
func (m *BookingMetrics) ObserveLockAcquire(outcome string, wait time.Duration) {
	m.lockAcquires.WithLabelValues(outcome).Inc()
	m.lockWait.Observe(wait.Seconds())
}

// ObservePublish учитывает исход публикации.
func (m *BookingMetrics) ObservePublish(result string) {
	m.publishes.WithLabelValues(result).Inc()
}

// ObserveDecision учитывает решение потребителя по сообщению.
func (m *BookingMetrics) ObserveDecision(flow string, decision messaging.DecisionKind) {
	m.decisions.WithLabelValues(flow, string(decision)).Inc()
}

// ObserveDeadLetter учитывает запись в dead-letter лог.
func (m *BookingMetrics) ObserveDeadLetter(businessType, outcome string) {
	if businessType == "" {
		businessType = "unknown"
	}
	m.deadLetters.WithLabelValues(businessType, outcome).Inc()
}

// ObserveInboxCleanup учитывает прогон очистки inbox.
func (m *BookingMetrics) ObserveInboxCleanup(deleted int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.inboxCleanupRuns.WithLabelValues(result).Inc()
	m.inboxCleanupDeleted.WithLabelValues().Add(float64(deleted))
}
