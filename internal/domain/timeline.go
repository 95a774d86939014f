package domain

import (
	"errors"
	"time"
)

// TimelineEvent описывает событие в жизненном цикле заказа.
type TimelineEvent struct {
	OrderNo  string
	Type     string
	Reason   string
	Occurred time.Time
}

// ErrTimelineTypeRequired — событие таймлайна без типа.
var ErrTimelineTypeRequired = errors.New("timeline event type is required")

// Validate проверяет обязательные поля события.
func (e TimelineEvent) Validate() error {
	if e.OrderNo == "" {
		return ErrOrderNoRequired
	}
	if e.Type == "" {
		return ErrTimelineTypeRequired
	}
	return nil
}

// Типы событий таймлайна.
const (
	TimelineCreated         = "created"
	TimelinePendingPayment  = "pending_payment"
	TimelinePaid            = "paid"
	TimelineConfirmed       = "confirmed"
	TimelineCompleted       = "completed"
	TimelineAutoCancelled   = "auto_cancelled"
	TimelineRefundRequested = "refund_requested"
	TimelineRefundApproved  = "refund_approved"
	TimelineRefundRejected  = "refund_rejected"
	TimelineRefundCancelled = "refund_cancelled"
	TimelineRefunded        = "refunded"
	TimelineSlotsReleased   = "slots_released"
)
