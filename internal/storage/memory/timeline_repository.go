package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/GALA-Lin/service-sub006/internal/domain"
)

type timelineRepositoryInMemory struct {
	mu      sync.RWMutex
	byOrder map[string][]domain.TimelineEvent
	now     func() time.Time
}

// NewTimelineRepository создаёт in-memory реализацию TimelineRepository.
func NewTimelineRepository() domain.TimelineRepository {
	return &timelineRepositoryInMemory{
		byOrder: make(map[string][]domain.TimelineEvent),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Append вставляет событие после всех событий с тем же или более ранним временем,
// как ORDER BY occurred, id в postgres-реализации.
func (r *timelineRepositoryInMemory) Append(_ context.Context, event domain.TimelineEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.Occurred.IsZero() {
		event.Occurred = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	events := r.byOrder[event.OrderNo]
	pos := sort.Search(len(events), func(i int) bool {
		return events[i].Occurred.After(event.Occurred)
	})
	events = append(events, domain.TimelineEvent{})
	copy(events[pos+1:], events[pos:])
	events[pos] = event
	r.byOrder[event.OrderNo] = events
	return nil
}

func (r *timelineRepositoryInMemory) List(_ context.Context, orderNo string) ([]domain.TimelineEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]domain.TimelineEvent(nil), r.byOrder[orderNo]...), nil
}

var _ domain.TimelineRepository = (*timelineRepositoryInMemory)(nil)
