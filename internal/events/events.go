// Package events описывает межсервисные события бронирования и их маршруты.
package events

import (
	"time"

	"github.com/GALA-Lin/service-sub006/internal/messaging"
)

// EventType определяет тип события; он же служит routing key и business type.
type EventType string

const (
	// Order события
	EventOrderAutoCancel   EventType = "order.auto-cancel"
	EventOrderSellerNotify EventType = "order.seller-notify"
	EventOrderReminder     EventType = "order.reminder"

	// Payment события
	EventPaymentConfirmed EventType = "payment.confirmed"

	// Refund события
	EventRefundRequest   EventType = "refund.request"
	EventRefundCompleted EventType = "refund.completed"
)

// Exchange (для Kafka это топики)
const (
	ExchangeOrder      = "booking.order"
	ExchangePayment    = "booking.payment"
	ExchangeRefund     = "booking.refund"
	ExchangeRetry      = "booking.retry"
	ExchangeDeadLetter = "booking.dlx"

	QueueDeadLetter = "booking.dead-letter"
)

var exchanges = map[EventType]string{
	EventOrderAutoCancel:   ExchangeOrder,
	EventOrderSellerNotify: ExchangeOrder,
	EventOrderReminder:     ExchangeOrder,
	EventPaymentConfirmed:  ExchangePayment,
	EventRefundRequest:     ExchangeRefund,
	EventRefundCompleted:   ExchangeRefund,
}

// Route возвращает основной маршрут события.
func Route(t EventType) messaging.Route {
	return messaging.Route{Exchange: exchanges[t], RoutingKey: string(t)}
}

// FlowPolicy — параметры повторов потока.
type FlowPolicy struct {
	MaxRedeliveries int
	RetryDelay      time.Duration
}

// Flow строит поток потребителя события: повтор через общий retry exchange,
// финальный маршрут в dead-letter exchange под тем же routing key.
func Flow(t EventType, policy FlowPolicy) messaging.Flow {
	return messaging.Flow{
		Name:            string(t),
		Queue:           "booking." + string(t),
		Primary:         Route(t),
		Retry:           messaging.Route{Exchange: ExchangeRetry, RoutingKey: string(t)},
		Final:           messaging.Route{Exchange: ExchangeDeadLetter, RoutingKey: string(t)},
		MaxRedeliveries: policy.MaxRedeliveries,
		RetryDelay:      policy.RetryDelay,
		BusinessType:    string(t),
		BusinessKey:     messaging.JSONField("order_no"),
	}
}

// AutoCancelEvent публикуется с задержкой до дедлайна оплаты.
type AutoCancelEvent struct {
	OrderNo  string    `json:"order_no"`
	Deadline time.Time `json:"deadline"`
}

// PaymentConfirmedEvent приходит от платёжного сервиса.
type PaymentConfirmedEvent struct {
	OrderNo     string    `json:"order_no"`
	PaymentRef  string    `json:"payment_ref"`
	AmountMinor int64     `json:"amount_minor"`
	PaidAt      time.Time `json:"paid_at"`
}

// SellerNotifyEvent сообщает продавцу о новом оплаченном заказе.
type SellerNotifyEvent struct {
	OrderNo     string `json:"order_no"`
	SellerID    string `json:"seller_id"`
	BuyerID     string `json:"buyer_id"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

// ReminderEvent публикуется с задержкой до начала первого слота минус упреждение.
type ReminderEvent struct {
	OrderNo string    `json:"order_no"`
	BuyerID string    `json:"buyer_id"`
	StartAt time.Time `json:"start_at"`
}

// RefundRequestEvent — запрос на возврат средств платёжному сервису.
type RefundRequestEvent struct {
	ApplyID           string   `json:"apply_id"`
	OrderNo           string   `json:"order_no"`
	ItemIDs           []string `json:"item_ids"`
	Percentage        int      `json:"percentage"`
	PaymentRef        string   `json:"payment_ref"`
	RefundAmountMinor int64    `json:"refund_amount_minor"`
	Currency          string   `json:"currency"`
}

// RefundCompletedEvent — платёжный сервис вернул средства.
type RefundCompletedEvent struct {
	ApplyID     string    `json:"apply_id"`
	OrderNo     string    `json:"order_no"`
	RefundRef   string    `json:"refund_ref"`
	CompletedAt time.Time `json:"completed_at"`
}
