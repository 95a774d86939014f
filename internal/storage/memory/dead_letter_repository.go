package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/GALA-Lin/service-sub006/internal/domain"
)

type deadLetterKey struct {
	businessType string
	businessKey  string
}

type deadLetterRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[deadLetterKey]domain.DeadLetterEntry
}

// NewDeadLetterRepository создаёт in-memory реализацию DeadLetterRepository.
func NewDeadLetterRepository() domain.DeadLetterRepository {
	return &deadLetterRepositoryInMemory{items: make(map[deadLetterKey]domain.DeadLetterEntry)}
}

// Upsert повторяет семантику INSERT ... ON CONFLICT из postgres-реализации.
func (r *deadLetterRepositoryInMemory) Upsert(_ context.Context, entry domain.DeadLetterEntry) (domain.DeadLetterEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := deadLetterKey{entry.BusinessType, entry.BusinessKey}
	current, ok := r.items[key]
	if !ok {
		entry.OccurrenceCount = 1
		if entry.FirstSeenAt.IsZero() {
			entry.FirstSeenAt = entry.LastSeenAt
		}
		entry.ReplayedAt = nil
		r.items[key] = cloneDeadLetter(entry)
		return cloneDeadLetter(entry), nil
	}

	current.OccurrenceCount++
	current.LastSeenAt = entry.LastSeenAt
	current.RedeliveryCount += entry.RedeliveryCount
	current.LastError = entry.LastError
	current.Queue = entry.Queue
	current.Exchange = entry.Exchange
	current.RoutingKey = entry.RoutingKey
	current.Payload = entry.Payload
	current.Headers = entry.Headers
	// Новое падение после повторной отправки снова требует внимания.
	current.ReplayedAt = nil
	r.items[key] = cloneDeadLetter(current)

	return cloneDeadLetter(current), nil
}

func (r *deadLetterRepositoryInMemory) Get(_ context.Context, businessType, businessKey string) (domain.DeadLetterEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.items[deadLetterKey{businessType, businessKey}]
	if !ok {
		return domain.DeadLetterEntry{}, domain.ErrDeadLetterNotFound
	}
	return cloneDeadLetter(entry), nil
}

func (r *deadLetterRepositoryInMemory) List(_ context.Context, filter domain.DeadLetterFilter) ([]domain.DeadLetterEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.DeadLetterEntry, 0)
	for _, entry := range r.items {
		if filter.BusinessType != "" && entry.BusinessType != filter.BusinessType {
			continue
		}
		if filter.PendingOnly && entry.ReplayedAt != nil {
			continue
		}
		result = append(result, cloneDeadLetter(entry))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastSeenAt.After(result[j].LastSeenAt)
	})
	return truncate(result, filter.Limit), nil
}

func (r *deadLetterRepositoryInMemory) MarkReplayed(_ context.Context, businessType, businessKey string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := deadLetterKey{businessType, businessKey}
	entry, ok := r.items[key]
	if !ok {
		return domain.ErrDeadLetterNotFound
	}
	replayedAt := at
	entry.ReplayedAt = &replayedAt
	r.items[key] = entry
	return nil
}

func cloneDeadLetter(src domain.DeadLetterEntry) domain.DeadLetterEntry {
	dst := src
	dst.Payload = append([]byte(nil), src.Payload...)
	dst.Headers = cloneHeaders(src.Headers)
	if src.ReplayedAt != nil {
		at := *src.ReplayedAt
		dst.ReplayedAt = &at
	}
	return dst
}

func cloneHeaders(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

var _ domain.DeadLetterRepository = (*deadLetterRepositoryInMemory)(nil)
