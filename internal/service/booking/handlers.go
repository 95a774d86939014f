package booking

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/GALA-Lin/service-sub006/internal/domain"
	"github.com/GALA-Lin/service-sub006/internal/events"
	"github.com/GALA-Lin/service-sub006/internal/messaging"
)

// HandlePaymentConfirmed обрабатывает событие payment.confirmed.
func (e *Engine) HandlePaymentConfirmed(ctx context.Context, msg messaging.Message) error {
	var event events.PaymentConfirmedEvent
	if err := messaging.DecodeJSON(msg, &event); err != nil {
		return err
	}
	if event.OrderNo == "" {
		return messaging.Permanent(domain.ErrOrderNoRequired)
	}

	result, err := e.ConfirmPayment(ctx, event.OrderNo, event.PaymentRef)
	if err != nil {
		return classify(err)
	}
	if !result.Applied {
		e.logger.WithFields(log.Fields{
			"order_no": event.OrderNo,
			"status":   result.Status,
		}).Info("payment confirmation ignored")
	}
	return nil
}

// HandleAutoCancel обрабатывает отложенное событие order.auto-cancel.
func (e *Engine) HandleAutoCancel(ctx context.Context, msg messaging.Message) error {
	var event events.AutoCancelEvent
	if err := messaging.DecodeJSON(msg, &event); err != nil {
		return err
	}
	if event.OrderNo == "" {
		return messaging.Permanent(domain.ErrOrderNoRequired)
	}

	_, err := e.AutoCancel(ctx, event.OrderNo, "payment deadline passed")
	return classify(err)
}

// classify превращает отсутствие заказа в постоянную ошибку: повтор не поможет.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if domain.IsNotFound(err) {
		return messaging.Permanent(err)
	}
	return err
}

// Notifications рассылает уведомления продавцу и покупателю.
type Notifications struct {
	orders   domain.OrderRepository
	notifier domain.Notifier
	logger   *log.Entry
}

// NewNotifications создаёт обработчики уведомлений.
func NewNotifications(orders domain.OrderRepository, notifier domain.Notifier, logger *log.Entry) *Notifications {
	if logger == nil {
		logger = log.WithField("component", "booking-notifications")
	}
	return &Notifications{orders: orders, notifier: notifier, logger: logger}
}

// HandleSellerNotify обрабатывает событие order.seller-notify.
func (n *Notifications) HandleSellerNotify(ctx context.Context, msg messaging.Message) error {
	var event events.SellerNotifyEvent
	if err := messaging.DecodeJSON(msg, &event); err != nil {
		return err
	}
	if event.SellerID == "" {
		n.logger.WithField("order_no", event.OrderNo).Debug("order has no seller, skipping notification")
		return nil
	}

	return n.notifier.Notify(ctx, event.SellerID, domain.Notification{
		Kind:    domain.NotificationSellerNewOrder,
		OrderNo: event.OrderNo,
		Title:   "Новое бронирование",
		Body:    fmt.Sprintf("Заказ %s оплачен: %d %s", event.OrderNo, event.AmountMinor, event.Currency),
	})
}

// HandleReminder обрабатывает отложенное событие order.reminder.
// Напоминание не отправляется, если заказ уже отменён или возвращён.
func (n *Notifications) HandleReminder(ctx context.Context, msg messaging.Message) error {
	var event events.ReminderEvent
	if err := messaging.DecodeJSON(msg, &event); err != nil {
		return err
	}

	order, err := n.orders.Get(ctx, event.OrderNo)
	if err != nil {
		return classify(err)
	}
	switch order.Status {
	case domain.OrderStatusPaid, domain.OrderStatusConfirmed, domain.OrderStatusPartiallyRefunded,
		domain.OrderStatusRefundRejected, domain.OrderStatusRefundCancelled:
	default:
		n.logger.WithFields(log.Fields{
			"order_no": order.OrderNo,
			"status":   order.Status,
		}).Info("reminder skipped for inactive order")
		return nil
	}

	return n.notifier.Notify(ctx, order.BuyerID, domain.Notification{
		Kind:    domain.NotificationReminder,
		OrderNo: order.OrderNo,
		Title:   "Скоро начало",
		Body:    fmt.Sprintf("Бронирование %s начинается в %s", order.OrderNo, event.StartAt.Format("15:04 02.01.2006")),
	})
}
