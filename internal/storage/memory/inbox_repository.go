package memory

import (
	"context"
	"sync"
	"time"

	"github.com/GALA-Lin/service-sub006/internal/domain"
)

type inboxKey struct {
	consumer  string
	messageID string
}

type inboxRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[inboxKey]domain.ProcessedMessage
}

// NewInboxRepository создаёт in-memory реализацию InboxRepository.
func NewInboxRepository() domain.InboxRepository {
	return &inboxRepositoryInMemory{items: make(map[inboxKey]domain.ProcessedMessage)}
}

func (r *inboxRepositoryInMemory) Seen(_ context.Context, consumer, messageID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.items[inboxKey{consumer, messageID}]
	return ok, nil
}

func (r *inboxRepositoryInMemory) MarkProcessed(_ context.Context, msg domain.ProcessedMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.ProcessedAt.IsZero() {
		msg.ProcessedAt = time.Now().UTC()
	}
	r.items[inboxKey{msg.Consumer, msg.MessageID}] = msg
	return nil
}

func (r *inboxRepositoryInMemory) DeleteExpired(_ context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, msg := range r.items {
		if msg.ExpiresAt.After(before) {
			continue
		}

		delete(r.items, key)
		removed++
		if limit > 0 && removed >= limit {
			break
		}
	}

	return removed, nil
}

var _ domain.InboxRepository = (*inboxRepositoryInMemory)(nil)
