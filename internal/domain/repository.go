package domain

import (
	"context"
	"time"
)

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ. Возвращает ErrOrderExists, если номер занят.
	Create(ctx context.Context, order Order) error
	// Get возвращает заказ по номеру или ErrOrderNotFound, если его нет.
	Get(ctx context.Context, orderNo string) (Order, error)
	// ListByBuyer возвращает заказы покупателя с опциональным ограничением на количество.
	ListByBuyer(ctx context.Context, buyerID string, limit int) ([]Order, error)
	// ListByStatus возвращает заказы в статусе, самые старые первыми.
	ListByStatus(ctx context.Context, status OrderStatus, limit int) ([]Order, error)
	// Transition применяет изменение, только если текущий статус входит в change.From.
	// Возвращает актуальный заказ и признак того, что запись применена.
	Transition(ctx context.Context, change StatusChange) (Order, bool, error)
}

// SlotRepository хранит занятость слотов. Мутации выполняются под блокировкой слота.
type SlotRepository interface {
	// Get возвращает слот по ключу или ErrSlotNotFound.
	Get(ctx context.Context, key string) (Slot, error)
	// Occupy переводит все слоты в LOCKED за заказом: либо все, либо ни одного.
	// Незаведённые слоты создаются. Слот, удерживаемый другим заказом, даёт ErrSlotTaken.
	Occupy(ctx context.Context, slots []Slot, orderNo string, at time.Time) error
	// Book переводит LOCKED-слоты заказа в BOOKED и возвращает число изменённых.
	Book(ctx context.Context, keys []string, orderNo string, at time.Time) (int, error)
	// Release освобождает слоты, которые всё ещё удерживает orderNo.
	// Слоты, перешедшие к другому заказу, не трогаются.
	Release(ctx context.Context, keys []string, orderNo string, at time.Time) (int, error)
}

// RefundRepository хранит заявки на возврат.
type RefundRepository interface {
	Create(ctx context.Context, apply RefundApply) error
	Get(ctx context.Context, id string) (RefundApply, error)
	ListByOrder(ctx context.Context, orderNo string) ([]RefundApply, error)
	// Transition меняет статус заявки, только если текущий входит в from.
	Transition(ctx context.Context, id string, from []RefundStatus, to RefundStatus, decidedBy, note string, at time.Time) (RefundApply, bool, error)
}

// RefundRuleRepository хранит тарифы возврата.
type RefundRuleRepository interface {
	Save(ctx context.Context, rules RefundRuleSet) error
	// ForResource возвращает набор конкретного ресурса или ErrRuleSetNotFound.
	ForResource(ctx context.Context, resourceID string) (RefundRuleSet, error)
	// OwnerDefault возвращает дефолтный набор владельца или ErrRuleSetNotFound.
	OwnerDefault(ctx context.Context, ownerID string) (RefundRuleSet, error)
}

// DeadLetterRepository хранит агрегированный dead-letter лог.
type DeadLetterRepository interface {
	// Upsert вставляет запись или увеличивает счётчик существующей.
	// RedeliveryCount существующей записи суммируется по всем падениям:
	// это общее число повторных доставок ключа, а не значение последнего падения.
	// Последнее падение описывают LastError и LastSeenAt.
	Upsert(ctx context.Context, entry DeadLetterEntry) (DeadLetterEntry, error)
	Get(ctx context.Context, businessType, businessKey string) (DeadLetterEntry, error)
	List(ctx context.Context, filter DeadLetterFilter) ([]DeadLetterEntry, error)
	MarkReplayed(ctx context.Context, businessType, businessKey string, at time.Time) error
}

// CorrelationStore хранит записи корреляции отправленных сообщений.
type CorrelationStore interface {
	// Save сохраняет запись до c.ExpiresAt; повторный Save перезаписывает её.
	Save(ctx context.Context, c MessageCorrelation) error
	Get(ctx context.Context, id string) (MessageCorrelation, error)
	Delete(ctx context.Context, id string) error
	// ListStale возвращает живые записи, созданные раньше olderThan.
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]MessageCorrelation, error)
	Count(ctx context.Context) (int, error)
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	List(ctx context.Context, orderNo string) ([]TimelineEvent, error)
}

// InboxRepository хранит id уже обработанных сообщений по потребителям.
type InboxRepository interface {
	Seen(ctx context.Context, consumer, messageID string) (bool, error)
	MarkProcessed(ctx context.Context, msg ProcessedMessage) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}
