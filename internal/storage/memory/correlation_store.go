package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/GALA-Lin/service-sub006/internal/domain"
)

type correlationStoreInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.MessageCorrelation
	now   func() time.Time
}

// NewCorrelationStore создаёт in-memory хранилище корреляций с ленивым истечением TTL.
func NewCorrelationStore() domain.CorrelationStore {
	return &correlationStoreInMemory{
		items: make(map[string]domain.MessageCorrelation),
		now:   time.Now,
	}
}

func (s *correlationStoreInMemory) Save(_ context.Context, c domain.MessageCorrelation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.Payload = append([]byte(nil), c.Payload...)
	c.Headers = cloneHeaders(c.Headers)
	s.items[c.ID] = c
	return nil
}

func (s *correlationStoreInMemory) Get(_ context.Context, id string) (domain.MessageCorrelation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.items[id]
	if !ok || s.expired(c) {
		return domain.MessageCorrelation{}, domain.ErrCorrelationNotFound
	}
	c.Headers = cloneHeaders(c.Headers)
	return c, nil
}

func (s *correlationStoreInMemory) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.items, id)
	return nil
}

func (s *correlationStoreInMemory) ListStale(_ context.Context, olderThan time.Time, limit int) ([]domain.MessageCorrelation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]domain.MessageCorrelation, 0)
	for id, c := range s.items {
		if s.expired(c) {
			delete(s.items, id)
			continue
		}
		if c.CreatedAt.Before(olderThan) {
			c.Headers = cloneHeaders(c.Headers)
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return truncate(result, limit), nil
}

func (s *correlationStoreInMemory) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, c := range s.items {
		if !s.expired(c) {
			count++
		}
	}
	return count, nil
}

func (s *correlationStoreInMemory) expired(c domain.MessageCorrelation) bool {
	return !c.ExpiresAt.IsZero() && !s.now().Before(c.ExpiresAt)
}

var _ domain.CorrelationStore = (*correlationStoreInMemory)(nil)
