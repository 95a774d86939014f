package domain

import "time"

// OrderStatus описывает жизненный цикл заказа на бронирование.
type OrderStatus string

const (
	// Заказ записан, слоты заняты.
	OrderStatusCreated OrderStatus = "CREATED"
	// Ожидаем подтверждение оплаты.
	OrderStatusPendingPayment OrderStatus = "PENDING_PAYMENT"
	// Оплата подтверждена платёжным сервисом.
	OrderStatusPaid OrderStatus = "PAID"
	// Продавец (или автоподтверждение) принял заказ.
	OrderStatusConfirmed OrderStatus = "CONFIRMED"
	// Все слоты отыграны.
	OrderStatusCompleted OrderStatus = "COMPLETED"
	// Оплата не поступила до дедлайна.
	OrderStatusAutoCancelled OrderStatus = "AUTO_CANCELLED"
	// Покупатель подал заявку на возврат.
	OrderStatusRefundRequested OrderStatus = "REFUND_REQUESTED"
	// Продавец отклонил заявку.
	OrderStatusRefundRejected OrderStatus = "REFUND_REJECTED"
	// Покупатель отозвал заявку.
	OrderStatusRefundCancelled OrderStatus = "REFUND_CANCELLED"
	// Возвращена часть позиций.
	OrderStatusPartiallyRefunded OrderStatus = "PARTIALLY_REFUNDED"
	// Возвращены все позиции.
	OrderStatusRefunded OrderStatus = "REFUNDED"
)

// IsTerminal сообщает, что из статуса больше нет переходов.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusCompleted, OrderStatusAutoCancelled, OrderStatusRefunded:
		return true
	default:
		return false
	}
}

// RefundableStatuses — статусы, из которых можно подать заявку на возврат.
var RefundableStatuses = []OrderStatus{
	OrderStatusPaid,
	OrderStatusConfirmed,
	OrderStatusPartiallyRefunded,
	OrderStatusRefundRejected,
	OrderStatusRefundCancelled,
}

// SettledRefundStatuses — статусы после закрытой заявки на возврат.
// Заказ в них продолжает жизнь и закрывается после окончания оставшихся слотов.
var SettledRefundStatuses = []OrderStatus{
	OrderStatusPartiallyRefunded,
	OrderStatusRefundRejected,
	OrderStatusRefundCancelled,
}

// CompletableStatuses — статусы, из которых заказ закрывается после окончания слотов.
var CompletableStatuses = append([]OrderStatus{OrderStatusConfirmed}, SettledRefundStatuses...)

// CancellableStatuses — неоплаченные статусы, которые снимает AutoCancel.
// CREATED попадает сюда, если заказ не успел перейти в PENDING_PAYMENT.
var CancellableStatuses = []OrderStatus{OrderStatusCreated, OrderStatusPendingPayment}

// HasStatus сообщает, входит ли статус в список.
func HasStatus(list []OrderStatus, status OrderStatus) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}

// ItemStatus — подстатус позиции, нужен для частичных возвратов.
type ItemStatus string

const (
	ItemStatusActive   ItemStatus = "ACTIVE"
	ItemStatusRefunded ItemStatus = "REFUNDED"
)

// OrderItem — одна оцененная позиция, ссылающаяся на слот.
type OrderItem struct {
	ID         string
	SlotKey    string
	ResourceID string
	StartAt    time.Time
	EndAt      time.Time
	PriceMinor int64
	Status     ItemStatus
}

// Order — корневой агрегат бронирования.
type Order struct {
	OrderNo     string
	BuyerID     string
	SellerID    string
	Status      OrderStatus
	Currency    string
	AmountMinor int64
	Items       []OrderItem
	PaymentRef  string
	PayDeadline time.Time
	// ConfirmedBy и AutoConfirmed фиксируют, кто перевёл заказ в CONFIRMED.
	ConfirmedBy   string
	AutoConfirmed bool
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.OrderNo == "" {
		errs = append(errs, ErrOrderNoRequired)
	}
	if o.BuyerID == "" {
		errs = append(errs, ErrBuyerRequired)
	}
	if o.Currency == "" {
		errs = append(errs, ErrCurrencyRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	if o.AmountMinor < 0 {
		errs = append(errs, ErrAmountNegative)
	}

	var calc int64
	seen := make(map[string]struct{}, len(o.Items))
	for _, item := range o.Items {
		if item.PriceMinor < 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
		if _, dup := seen[item.SlotKey]; dup {
			errs = append(errs, ErrDuplicateSlot)
		}
		seen[item.SlotKey] = struct{}{}
		calc += item.PriceMinor
	}
	if calc != o.AmountMinor {
		errs = append(errs, ErrAmountMismatch)
	}

	return errs
}

// SlotKeys возвращает ключи слотов всех позиций.
func (o *Order) SlotKeys() []string {
	keys := make([]string, 0, len(o.Items))
	for _, item := range o.Items {
		keys = append(keys, item.SlotKey)
	}
	return keys
}

// ActiveItems возвращает позиции, которые ещё не возвращены.
func (o *Order) ActiveItems() []OrderItem {
	active := make([]OrderItem, 0, len(o.Items))
	for _, item := range o.Items {
		if item.Status != ItemStatusRefunded {
			active = append(active, item)
		}
	}
	return active
}

// Item ищет позицию по идентификатору.
func (o *Order) Item(id string) (OrderItem, bool) {
	for _, item := range o.Items {
		if item.ID == id {
			return item, true
		}
	}
	return OrderItem{}, false
}

// EarliestStart возвращает начало самого раннего слота среди позиций.
func EarliestStart(items []OrderItem) time.Time {
	var earliest time.Time
	for _, item := range items {
		if earliest.IsZero() || item.StartAt.Before(earliest) {
			earliest = item.StartAt
		}
	}
	return earliest
}

// LatestEnd возвращает окончание самого позднего слота среди позиций.
func LatestEnd(items []OrderItem) time.Time {
	var latest time.Time
	for _, item := range items {
		if item.EndAt.After(latest) {
			latest = item.EndAt
		}
	}
	return latest
}

// StatusChange описывает условное обновление статуса:
// запись применяется, только если текущий статус входит в From.
type StatusChange struct {
	OrderNo string
	From    []OrderStatus
	To      OrderStatus
	At      time.Time

	PaymentRef    string
	ConfirmedBy   string
	AutoConfirmed bool
	// RefundedItemIDs переводятся в ItemStatusRefunded в той же записи.
	RefundedItemIDs []string
}

// Allows сообщает, допускает ли изменение переход из текущего статуса.
func (c StatusChange) Allows(current OrderStatus) bool {
	return HasStatus(c.From, current)
}
