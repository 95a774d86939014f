// Package inbox чистит записи inbox потребителей, у которых истёк TTL.
package inbox

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/GALA-Lin/service-sub006/internal/domain"
)

const (
	defaultInterval   = 10 * time.Minute
	defaultBatchSize  = 500
	defaultMaxBatches = 100
)

// Observer получает итог каждого прогона очистки.
type Observer interface {
	ObserveInboxCleanup(deleted int, err error)
}

type noopObserver struct{}

func (noopObserver) ObserveInboxCleanup(int, error) {}

// Option настраивает CleanupWorker.
type Option func(*CleanupWorker)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(w *CleanupWorker) { w.logger = logger }
}

// WithInterval задаёт паузу между прогонами.
func WithInterval(interval time.Duration) Option {
	return func(w *CleanupWorker) {
		if interval > 0 {
			w.interval = interval
		}
	}
}

// WithBatchSize задаёт размер одного DELETE.
func WithBatchSize(size int) Option {
	return func(w *CleanupWorker) {
		if size > 0 {
			w.batchSize = size
		}
	}
}

// WithMaxBatches ограничивает число порций за прогон, чтобы большой хвост
// не держал базу одним длинным циклом.
func WithMaxBatches(n int) Option {
	return func(w *CleanupWorker) {
		if n > 0 {
			w.maxBatches = n
		}
	}
}

// WithObserver подключает метрики.
func WithObserver(observer Observer) Option {
	return func(w *CleanupWorker) {
		if observer != nil {
			w.observer = observer
		}
	}
}

// CleanupWorker периодически удаляет записи inbox с истёкшим ExpiresAt.
type CleanupWorker struct {
	repo       domain.InboxRepository
	logger     *log.Entry
	observer   Observer
	interval   time.Duration
	batchSize  int
	maxBatches int
	now        func() time.Time
}

// NewCleanupWorker создаёт воркер очистки inbox.
func NewCleanupWorker(repo domain.InboxRepository, opts ...Option) *CleanupWorker {
	w := &CleanupWorker{
		repo:       repo,
		observer:   noopObserver{},
		interval:   defaultInterval,
		batchSize:  defaultBatchSize,
		maxBatches: defaultMaxBatches,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = log.WithField("component", "inbox-cleanup")
	}
	return w
}

// Run чистит inbox сразу и затем каждые interval до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("inbox cleanup disabled: no repository")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		w.runOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *CleanupWorker) runOnce(ctx context.Context) {
	deleted, err := w.DeleteExpired(ctx, w.now())
	if errors.Is(err, context.Canceled) {
		return
	}
	w.observer.ObserveInboxCleanup(deleted, err)
	if err != nil {
		w.logger.WithError(err).WithField("deleted", deleted).Warn("inbox cleanup failed")
		return
	}
	if deleted > 0 {
		w.logger.WithField("deleted", deleted).Info("expired inbox records removed")
	}
}

// DeleteExpired удаляет записи, истёкшие к before, порциями batchSize.
// Прогон заканчивается на неполной порции или после maxBatches порций.
func (w *CleanupWorker) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = w.now()
	}

	total := 0
	for batch := 0; batch < w.maxBatches; batch++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		deleted, err := w.repo.DeleteExpired(ctx, before, w.batchSize)
		total += deleted
		if err != nil {
			return total, err
		}
		if deleted < w.batchSize {
			return total, nil
		}
	}
	w.logger.WithField("deleted", total).Debug("inbox cleanup hit batch limit, rest goes to the next run")
	return total, nil
}
