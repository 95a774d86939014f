package memory

import (
	"context"
	"sync"
	"time"

	"github.com/GALA-Lin/service-sub006/internal/domain"
)

type slotRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Slot
}

// NewSlotRepository создаёт in-memory реализацию SlotRepository.
func NewSlotRepository() domain.SlotRepository {
	return &slotRepositoryInMemory{items: make(map[string]domain.Slot)}
}

func (r *slotRepositoryInMemory) Get(_ context.Context, key string) (domain.Slot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	slot, ok := r.items[key]
	if !ok {
		return domain.Slot{}, domain.ErrSlotNotFound
	}
	return slot, nil
}

// Occupy проверяет все слоты до записи, поэтому при ErrSlotTaken ничего не меняется.
func (r *slotRepositoryInMemory) Occupy(_ context.Context, slots []domain.Slot, orderNo string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, slot := range slots {
		current, ok := r.items[slot.Key()]
		if ok && current.State != domain.SlotStateFree && current.OrderNo != orderNo {
			return domain.ErrSlotTaken
		}
	}

	for _, slot := range slots {
		key := slot.Key()
		if current, ok := r.items[key]; ok && current.HeldBy(orderNo) {
			continue
		}
		slot.State = domain.SlotStateLocked
		slot.OrderNo = orderNo
		slot.UpdatedAt = at
		r.items[key] = slot
	}
	return nil
}

func (r *slotRepositoryInMemory) Book(_ context.Context, keys []string, orderNo string, at time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := 0
	for _, key := range keys {
		slot, ok := r.items[key]
		if !ok || slot.State != domain.SlotStateLocked || slot.OrderNo != orderNo {
			continue
		}
		slot.State = domain.SlotStateBooked
		slot.UpdatedAt = at
		r.items[key] = slot
		changed++
	}
	return changed, nil
}

func (r *slotRepositoryInMemory) Release(_ context.Context, keys []string, orderNo string, at time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	released := 0
	for _, key := range keys {
		slot, ok := r.items[key]
		if !ok || !slot.HeldBy(orderNo) {
			continue
		}
		slot.State = domain.SlotStateFree
		slot.OrderNo = ""
		slot.UpdatedAt = at
		r.items[key] = slot
		released++
	}
	return released, nil
}

var _ domain.SlotRepository = (*slotRepositoryInMemory)(nil)
