package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/GALA-Lin/service-sub006/internal/domain"
)

// orderRepositoryInMemory — простая in-memory реализация OrderRepository.
type orderRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Order
}

// NewOrderRepository возвращает in-memory репозиторий для локальной разработки и тестов.
func NewOrderRepository() domain.OrderRepository {
	return &orderRepositoryInMemory{
		items: make(map[string]domain.Order),
	}
}

// Create сохраняет новый заказ, если номер ещё не занят.
func (r *orderRepositoryInMemory) Create(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[order.OrderNo]; exists {
		return domain.ErrOrderExists
	}
	// Сохраняем копию, чтобы избежать непредсказуемых мутаций извне.
	r.items[order.OrderNo] = cloneOrder(order)
	return nil
}

// Get возвращает заказ или ErrOrderNotFound, если его нет.
func (r *orderRepositoryInMemory) Get(_ context.Context, orderNo string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.items[orderNo]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

// ListByBuyer возвращает заказы покупателя, новые первыми, ограничивая выборку limit (если >0).
func (r *orderRepositoryInMemory) ListByBuyer(_ context.Context, buyerID string, limit int) ([]domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Order, 0)
	for _, order := range r.items {
		if order.BuyerID != buyerID {
			continue
		}
		result = append(result, cloneOrder(order))
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].OrderNo > result[j].OrderNo
	})

	return truncate(result, limit), nil
}

// ListByStatus возвращает заказы в статусе, самые давно обновлённые первыми.
func (r *orderRepositoryInMemory) ListByStatus(_ context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Order, 0)
	for _, order := range r.items {
		if order.Status == status {
			result = append(result, cloneOrder(order))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].UpdatedAt.Before(result[j].UpdatedAt)
		}
		return result[i].OrderNo < result[j].OrderNo
	})

	return truncate(result, limit), nil
}

// Transition атомарно проверяет текущий статус и применяет изменение.
func (r *orderRepositoryInMemory) Transition(_ context.Context, change domain.StatusChange) (domain.Order, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[change.OrderNo]
	if !ok {
		return domain.Order{}, false, domain.ErrOrderNotFound
	}
	if !change.Allows(current.Status) {
		return cloneOrder(current), false, nil
	}

	next := cloneOrder(current)
	applyChange(&next, change)
	r.items[change.OrderNo] = next

	return cloneOrder(next), true, nil
}

// applyChange переносит поля изменения на заказ.
func applyChange(order *domain.Order, change domain.StatusChange) {
	order.Status = change.To
	order.UpdatedAt = change.At
	order.Version++

	if change.PaymentRef != "" {
		order.PaymentRef = change.PaymentRef
	}
	if change.To == domain.OrderStatusConfirmed {
		order.ConfirmedBy = change.ConfirmedBy
		order.AutoConfirmed = change.AutoConfirmed
	}
	if len(change.RefundedItemIDs) > 0 {
		refunded := make(map[string]struct{}, len(change.RefundedItemIDs))
		for _, id := range change.RefundedItemIDs {
			refunded[id] = struct{}{}
		}
		for i := range order.Items {
			if _, ok := refunded[order.Items[i].ID]; ok {
				order.Items[i].Status = domain.ItemStatusRefunded
			}
		}
	}
}

func cloneOrder(src domain.Order) domain.Order {
	dst := src
	dst.Items = append([]domain.OrderItem(nil), src.Items...)
	return dst
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

var _ domain.OrderRepository = (*orderRepositoryInMemory)(nil)
