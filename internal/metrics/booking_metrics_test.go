package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/GALA-Lin/service-sub006/internal/deadletter"
	"github.com/GALA-Lin/service-sub006/internal/domain"
	"github.com/GALA-Lin/service-sub006/internal/lock"
	"github.com/GALA-Lin/service-sub006/internal/messaging"
	"github.com/GALA-Lin/service-sub006/internal/service/booking"
	"github.com/GALA-Lin/service-sub006/internal/service/refund"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	metric := &dto.Metric{}
	if err := vec.WithLabelValues(labels...).Write(metric); err != nil {
		t.Fatalf("failed to read metric: %v", err)
	}
	return metric.GetCounter().GetValue()
}

func TestNewBookingMetrics_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewBookingMetricsWithRegisterer(reg)
	second := NewBookingMetricsWithRegisterer(reg)

	first.ObserveBooking(booking.OutcomeCreated)
	if got := counterValue(t, second.bookings, booking.OutcomeCreated); got != 1 {
		t.Fatalf("expected shared counter value 1, got %v", got)
	}
}

func TestBookingMetrics_Observers(t *testing.T) {
	m := NewBookingMetricsWithRegisterer(prometheus.NewRegistry())

	m.ObserveBooking(booking.OutcomeContention)
	m.ObserveBooking(booking.OutcomeContention)
	m.ObserveTransition(domain.OrderStatusPaid, true)
	m.ObserveTransition(domain.OrderStatusPaid, false)
	m.ObserveRefund(refund.OutcomeCompleted)
	m.ObservePublish(messaging.PublishUnconfirmed)
	m.ObserveDecision("payment.confirmed", messaging.DecisionRetry)
	m.ObserveDeadLetter("", deadletter.OutcomeUnclassified)
	m.ObserveInboxCleanup(3, nil)
	m.ObserveInboxCleanup(0, errors.New("timeout"))

	tests := []struct {
		name   string
		vec    *prometheus.CounterVec
		labels []string
		want   float64
	}{
		{"contention", m.bookings, []string{booking.OutcomeContention}, 2},
		{"paid applied", m.transitions, []string{"PAID", "applied"}, 1},
		{"paid skipped", m.transitions, []string{"PAID", "skipped"}, 1},
		{"refund completed", m.refunds, []string{refund.OutcomeCompleted}, 1},
		{"publish unconfirmed", m.publishes, []string{messaging.PublishUnconfirmed}, 1},
		{"retry decision", m.decisions, []string{"payment.confirmed", "retry"}, 1},
		{"unknown dead letter", m.deadLetters, []string{"unknown", deadletter.OutcomeUnclassified}, 1},
		{"inbox cleanup ok", m.inboxCleanupRuns, []string{"ok"}, 1},
		{"inbox cleanup error", m.inboxCleanupRuns, []string{"error"}, 1},
		{"inbox deleted", m.inboxCleanupDeleted, nil, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := counterValue(t, tt.vec, tt.labels...); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestBookingMetrics_LockWaitHistogram(t *testing.T) {
	m := NewBookingMetricsWithRegisterer(prometheus.NewRegistry())

	m.ObserveLockAcquire(lock.OutcomeAcquired, 20*time.Millisecond)
	m.ObserveLockAcquire(lock.OutcomeContention, 3*time.Second)

	metric := &dto.Metric{}
	if err := m.lockWait.Write(metric); err != nil {
		t.Fatalf("failed to read histogram: %v", err)
	}
	if got := metric.GetHistogram().GetSampleCount(); got != 2 {
		t.Fatalf("expected 2 samples, got %d", got)
	}
	if got := counterValue(t, m.lockAcquires, lock.OutcomeContention); got != 1 {
		t.Fatalf("expected 1 contention, got %v", got)
	}
}
