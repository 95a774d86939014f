package domain

import (
	"context"
	"time"
)

// PricingService считает стоимость слотов.
type PricingService interface {
	// Quote возвращает цену каждого слота, ключом служит Slot.Key().
	Quote(ctx context.Context, slots []Slot) (PriceQuote, error)
}

// PriceQuote — результат расчёта цены.
type PriceQuote struct {
	Currency string
	Prices   map[string]int64
}

// PaymentGateway выдаёт токен для перехода к оплате.
type PaymentGateway interface {
	RequestPayment(ctx context.Context, req PaymentRequest) (PaymentToken, error)
}

// PaymentRequest — данные для запроса оплаты заказа.
type PaymentRequest struct {
	OrderNo     string
	BuyerID     string
	AmountMinor int64
	Currency    string
	Deadline    time.Time
}

// PaymentToken — то, что покупатель получает для перехода к оплате.
type PaymentToken struct {
	Token       string
	RedirectURL string
}

// Notifier доставляет уведомления пользователям.
type Notifier interface {
	Notify(ctx context.Context, userID string, n Notification) error
}

// NotificationKind различает типы уведомлений.
type NotificationKind string

const (
	NotificationSellerNewOrder NotificationKind = "seller_new_order"
	NotificationReminder       NotificationKind = "reminder"
)

// Notification — содержимое уведомления.
type Notification struct {
	Kind    NotificationKind
	OrderNo string
	Title   string
	Body    string
}
