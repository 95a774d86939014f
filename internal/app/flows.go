package app

import (
	"fmt"

	"github.com/GALA-Lin/service-sub006/internal/deadletter"
	"github.com/GALA-Lin/service-sub006/internal/events"
	"github.com/GALA-Lin/service-sub006/internal/messaging"
	"github.com/GALA-Lin/service-sub006/internal/service/booking"
	"github.com/GALA-Lin/service-sub006/internal/service/refund"
)

// flowHandlers — обработчики входящих событий сервиса.
type flowHandlers struct {
	engine        *booking.Engine
	refunds       *refund.Workflow
	notifications *booking.Notifications
	aggregator    *deadletter.Aggregator
}

// buildConsumers оборачивает обработчики в потребителей с повторами и
// dead-letter маршрутом. Агрегатор читает финальный exchange всех потоков и
// получает свои опции: повторно умершее сообщение приходит с тем же id и не
// должно отсекаться inbox.
func buildConsumers(cfg Config, h flowHandlers, opts, sinkOpts []messaging.ConsumerOption) ([]*messaging.Consumer, error) {
	policy := events.FlowPolicy{MaxRedeliveries: cfg.MaxRedeliveries, RetryDelay: cfg.RetryDelay}

	bindings := []struct {
		event   events.EventType
		handler messaging.Handler
	}{
		{events.EventPaymentConfirmed, h.engine.HandlePaymentConfirmed},
		{events.EventOrderAutoCancel, h.engine.HandleAutoCancel},
		{events.EventOrderSellerNotify, h.notifications.HandleSellerNotify},
		{events.EventOrderReminder, h.notifications.HandleReminder},
		{events.EventRefundCompleted, h.refunds.HandleRefundCompleted},
	}

	consumers := make([]*messaging.Consumer, 0, len(bindings)+1)
	for _, b := range bindings {
		consumer, err := messaging.Wrap(events.Flow(b.event, policy), b.handler, opts...)
		if err != nil {
			return nil, fmt.Errorf("wrap %s handler: %w", b.event, err)
		}
		consumers = append(consumers, consumer)
	}

	sink, err := h.aggregator.Wrap(events.ExchangeDeadLetter, events.QueueDeadLetter, sinkOpts...)
	if err != nil {
		return nil, fmt.Errorf("wrap dead-letter aggregator: %w", err)
	}
	return append(consumers, sink), nil
}
