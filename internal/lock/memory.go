package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryCoordinator — Coordinator в памяти процесса для тестов и локального запуска.
type MemoryCoordinator struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
	options
}

var _ Coordinator = (*MemoryCoordinator)(nil)

// NewMemoryCoordinator создаёт координатор в памяти.
func NewMemoryCoordinator(opts ...Option) *MemoryCoordinator {
	return &MemoryCoordinator{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
		options: buildOptions("memory-lock-coordinator", opts),
	}
}

// Acquire реализует Coordinator.
func (c *MemoryCoordinator) Acquire(ctx context.Context, keys []string, wait, lease time.Duration) (*Handle, error) {
	normalized := NormalizeKeys(keys)
	if len(normalized) == 0 {
		return nil, ErrEmptyKeys
	}
	if lease <= 0 {
		return nil, fmt.Errorf("lock lease must be positive, got %s", lease)
	}

	lockKeys := make([]string, len(normalized))
	for i, key := range normalized {
		lockKeys[i] = KeyPrefix + key
	}

	token := uuid.NewString()
	started := time.Now()
	deadline := started.Add(wait)

	for {
		if acquiredAt, ok := c.tryAcquire(lockKeys, token, lease); ok {
			c.observe(OutcomeAcquired, started)
			return &Handle{Keys: lockKeys, Token: token, AcquiredAt: acquiredAt, Lease: lease}, nil
		}

		retry, err := waitForRetry(ctx, deadline, c.retryInterval)
		if err != nil {
			c.observe(OutcomeError, started)
			return nil, err
		}
		if !retry {
			c.observe(OutcomeContention, started)
			return nil, contentionError(normalized, wait)
		}
	}
}

func (c *MemoryCoordinator) tryAcquire(keys []string, token string, lease time.Duration) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for _, key := range keys {
		if entry, ok := c.entries[key]; ok && now.Before(entry.expiresAt) {
			return time.Time{}, false
		}
	}
	for _, key := range keys {
		c.entries[key] = memoryEntry{token: token, expiresAt: now.Add(lease)}
	}
	return now, true
}

// Release реализует Coordinator.
func (c *MemoryCoordinator) Release(_ context.Context, handle *Handle) (ReleaseResult, error) {
	if handle == nil || len(handle.Keys) == 0 {
		return ReleaseNotHeld, nil
	}

	c.mu.Lock()
	now := c.now()
	released := 0
	for _, key := range handle.Keys {
		entry, ok := c.entries[key]
		if !ok || entry.token != handle.Token || !now.Before(entry.expiresAt) {
			continue
		}
		delete(c.entries, key)
		released++
	}
	c.mu.Unlock()

	return classifyRelease(c.logger, handle, released), nil
}

// Held сообщает, удерживается ли ключ слота сейчас.
func (c *MemoryCoordinator) Held(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[KeyPrefix+key]
	return ok && c.now().Before(entry.expiresAt)
}

func (c *MemoryCoordinator) observe(outcome string, started time.Time) {
	if c.observer != nil {
		c.observer.ObserveLockAcquire(outcome, time.Since(started))
	}
}
