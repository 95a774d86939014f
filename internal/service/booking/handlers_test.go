package booking

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GALA-Lin/service-sub006/internal/domain"
	"github.com/GALA-Lin/service-sub006/internal/events"
	"github.com/GALA-Lin/service-sub006/internal/messaging"
	"github.com/GALA-Lin/service-sub006/internal/service/notify"
	"github.com/GALA-Lin/service-sub006/internal/storage/memory"
)

func eventMessage(t *testing.T, eventType events.EventType, event any) messaging.Message {
	t.Helper()
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	return messaging.Message{ID: "m-" + string(eventType), Route: events.Route(eventType), Payload: payload}
}

func TestHandlePaymentConfirmed(t *testing.T) {
	f := newFixture(t)
	slot := courtSlot("court-h1", 18)
	orderNo := f.create(t, slot).Order.OrderNo

	msg := eventMessage(t, events.EventPaymentConfirmed, events.PaymentConfirmedEvent{OrderNo: orderNo, PaymentRef: "pay-1"})
	require.NoError(t, f.engine.HandlePaymentConfirmed(context.Background(), msg))
	// Повторная доставка того же события подтверждается без изменений.
	require.NoError(t, f.engine.HandlePaymentConfirmed(context.Background(), msg))

	order, err := f.engine.Get(context.Background(), orderNo)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, order.Status)
	assert.Len(t, f.transport.SentTo(events.Route(events.EventOrderSellerNotify)), 1)
}

func TestHandlers_PermanentFailures(t *testing.T) {
	f := newFixture(t)

	garbage := messaging.Message{Route: events.Route(events.EventPaymentConfirmed), Payload: []byte("not json")}
	assert.ErrorIs(t, f.engine.HandlePaymentConfirmed(context.Background(), garbage), messaging.ErrPermanent)

	empty := eventMessage(t, events.EventPaymentConfirmed, events.PaymentConfirmedEvent{})
	assert.ErrorIs(t, f.engine.HandlePaymentConfirmed(context.Background(), empty), messaging.ErrPermanent)

	missing := eventMessage(t, events.EventOrderAutoCancel, events.AutoCancelEvent{OrderNo: "BK-missing"})
	err := f.engine.HandleAutoCancel(context.Background(), missing)
	assert.ErrorIs(t, err, messaging.ErrPermanent)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestHandleAutoCancel(t *testing.T) {
	f := newFixture(t)
	slot := courtSlot("court-h2", 18)
	orderNo := f.create(t, slot).Order.OrderNo

	msg := eventMessage(t, events.EventOrderAutoCancel, events.AutoCancelEvent{OrderNo: orderNo})
	require.NoError(t, f.engine.HandleAutoCancel(context.Background(), msg))

	order, err := f.engine.Get(context.Background(), orderNo)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusAutoCancelled, order.Status)
	assert.Equal(t, domain.SlotStateFree, f.slotState(t, slot).State)
}

func TestNotifications(t *testing.T) {
	f := newFixture(t)
	recorder := &notify.RecordingNotifier{}
	n := NewNotifications(f.orders, recorder, nil)

	slot := courtSlot("court-h3", 18)
	orderNo := f.create(t, slot).Order.OrderNo

	seller := eventMessage(t, events.EventOrderSellerNotify, events.SellerNotifyEvent{OrderNo: orderNo, SellerID: "seller-1", AmountMinor: 8000, Currency: "CNY"})
	require.NoError(t, n.HandleSellerNotify(context.Background(), seller))

	reminder := eventMessage(t, events.EventOrderReminder, events.ReminderEvent{OrderNo: orderNo, BuyerID: "buyer-1", StartAt: slot.StartAt})
	// Заказ ещё не оплачен: напоминание не нужно.
	require.NoError(t, n.HandleReminder(context.Background(), reminder))

	_, err := f.engine.ConfirmPayment(context.Background(), orderNo, "pay-1")
	require.NoError(t, err)
	require.NoError(t, n.HandleReminder(context.Background(), reminder))

	sent := recorder.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "seller-1", sent[0].UserID)
	assert.Equal(t, domain.NotificationSellerNewOrder, sent[0].Notification.Kind)
	assert.Equal(t, "buyer-1", sent[1].UserID)
	assert.Equal(t, domain.NotificationReminder, sent[1].Notification.Kind)
}

func TestRetryableFlowDeadLettersAfterCeiling(t *testing.T) {
	f := newFixture(t)
	transport := messaging.NewRecordingTransport()
	publisher := messaging.NewPublisher(transport, memory.NewCorrelationStore())
	flow := events.Flow(events.EventOrderReminder, events.FlowPolicy{MaxRedeliveries: 2, RetryDelay: time.Second})

	recorder := &notify.RecordingNotifier{Err: assert.AnError}
	slot := courtSlot("court-h4", 18)
	orderNo := f.create(t, slot).Order.OrderNo
	_, err := f.engine.ConfirmPayment(context.Background(), orderNo, "pay-1")
	require.NoError(t, err)

	consumer, err := messaging.Wrap(flow, NewNotifications(f.orders, recorder, nil).HandleReminder, messaging.WithRouter(publisher))
	require.NoError(t, err)

	msg := eventMessage(t, events.EventOrderReminder, events.ReminderEvent{OrderNo: orderNo, StartAt: slot.StartAt})
	for count := 0; count <= 2; count++ {
		msg.Headers = map[string]string{domain.HeaderRedeliveryCount: strconv.Itoa(count)}
		decision, err := consumer.Process(context.Background(), msg)
		require.NoError(t, err)
		if count < 2 {
			assert.Equal(t, messaging.DecisionRetry, decision.Kind, "count %d", count)
		} else {
			assert.Equal(t, messaging.DecisionDeadLetter, decision.Kind)
		}
	}

	dead := transport.SentTo(flow.Final)
	require.Len(t, dead, 1)
	assert.Equal(t, orderNo, dead[0].Header(domain.HeaderBusinessKey))
	assert.Equal(t, string(events.EventOrderReminder), dead[0].Header(domain.HeaderBusinessType))
}
