// Package lock координирует взаимоисключающий доступ к слотам.
//
// Несколько ключей захватываются атомарно: либо все, либо ни одного.
// Ключи дедуплицируются и сортируются, поэтому пересекающиеся запросы
// с разным порядком ключей не приводят к взаимной блокировке.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

const (
	// KeyPrefix добавляется к ключу слота при построении имени блокировки.
	// Hash tag {lock} кладёт все блокировки в один слот Redis Cluster:
	// многоключевой Lua-скрипт захвата иначе падает с CROSSSLOT.
	KeyPrefix = "{lock}:"

	defaultRetryInterval = 25 * time.Millisecond
)

// ErrContention возвращается, если блокировки не удалось получить за отведённое время.
var ErrContention = errors.New("lock contention")

// ErrEmptyKeys возвращается при попытке захватить пустой набор ключей.
var ErrEmptyKeys = errors.New("lock keys are empty")

// ReleaseResult описывает исход освобождения блокировок.
type ReleaseResult string

const (
	// Все ключи были у держателя и освобождены.
	ReleaseReleased ReleaseResult = "released"
	// Часть ключей истекла до освобождения.
	ReleasePartial ReleaseResult = "partial"
	// Ни один ключ уже не принадлежит держателю.
	ReleaseNotHeld ReleaseResult = "not_held"
)

// Handle — набор удерживаемых блокировок.
type Handle struct {
	Keys       []string
	Token      string
	AcquiredAt time.Time
	Lease      time.Duration
}

// ExpiresAt — момент, после которого блокировки снимутся сами.
func (h *Handle) ExpiresAt() time.Time {
	return h.AcquiredAt.Add(h.Lease)
}

// Coordinator захватывает и освобождает наборы блокировок.
type Coordinator interface {
	// Acquire ждёт не дольше wait и удерживает ключи не дольше lease.
	// При неудаче возвращает ошибку, оборачивающую ErrContention.
	Acquire(ctx context.Context, keys []string, wait, lease time.Duration) (*Handle, error)
	// Release освобождает ключи, которые всё ещё принадлежат handle.
	Release(ctx context.Context, handle *Handle) (ReleaseResult, error)
}

// Observer получает результаты захвата для метрик.
type Observer interface {
	ObserveLockAcquire(outcome string, wait time.Duration)
}

// Исходы захвата для Observer.
const (
	OutcomeAcquired   = "acquired"
	OutcomeContention = "contention"
	OutcomeError      = "error"
)

// NormalizeKeys убирает пустые и повторяющиеся ключи и сортирует их.
func NormalizeKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func contentionError(keys []string, wait time.Duration) error {
	return fmt.Errorf("%w: keys %v not acquired within %s", ErrContention, keys, wait)
}

// WithLocks захватывает ключи, выполняет fn и всегда освобождает блокировки.
// Ошибка освобождения логируется реализацией и не подменяет результат fn.
func WithLocks(ctx context.Context, coord Coordinator, keys []string, wait, lease time.Duration, fn func(ctx context.Context) error) error {
	handle, err := coord.Acquire(ctx, keys, wait, lease)
	if err != nil {
		return err
	}
	defer func() {
		// Освобождаем даже при отменённом контексте запроса.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_, _ = coord.Release(releaseCtx, handle)
	}()

	return fn(ctx)
}

// waitForRetry спит до следующей попытки или до дедлайна. Возвращает false,
// если ждать дальше нельзя.
func waitForRetry(ctx context.Context, deadline time.Time, interval time.Duration) (bool, error) {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false, nil
	}
	if interval > remaining {
		interval = remaining
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
		return true, nil
	}
}
