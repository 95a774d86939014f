// Package replay повторяет отправку сообщений, которые брокер так и не подтвердил.
package replay

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/GALA-Lin/service-sub006/internal/domain"
	"github.com/GALA-Lin/service-sub006/internal/messaging"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultStaleAfter   = 30 * time.Second
	defaultBatchSize    = 100
	defaultMaxAttempts  = 5
)

var (
	replayAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_replay_attempts_total",
		Help: "Total number of unconfirmed message replays grouped by result.",
	}, []string{"result"})
	correlationBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "booking_correlation_backlog",
		Help: "Current number of unconfirmed message correlation records.",
	})
	correlationOldestAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "booking_correlation_oldest_age_seconds",
		Help: "Age in seconds of the oldest stale correlation record seen by the replay worker.",
	})
)

// Republisher повторно отправляет сообщение по записи корреляции.
type Republisher interface {
	Republish(ctx context.Context, c domain.MessageCorrelation) (messaging.PublishResult, error)
}

// WorkerOptions задаёт параметры воркера.
type WorkerOptions struct {
	Logger       *log.Entry
	PollInterval time.Duration
	StaleAfter   time.Duration
	BatchSize    int
	MaxAttempts  int
}

// Option настраивает Worker.
type Option func(*WorkerOptions)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) Option {
	return func(opts *WorkerOptions) {
		opts.Logger = logger
	}
}

// WithPollInterval задаёт частоту опроса хранилища корреляций.
func WithPollInterval(interval time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.PollInterval = interval
	}
}

// WithStaleAfter задаёт возраст записи, после которого она считается зависшей.
func WithStaleAfter(d time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.StaleAfter = d
	}
}

// WithBatchSize задаёт размер выборки за цикл.
func WithBatchSize(batchSize int) Option {
	return func(opts *WorkerOptions) {
		opts.BatchSize = batchSize
	}
}

// WithMaxAttempts задаёт число повторов, после которого запись бросается.
func WithMaxAttempts(maxAttempts int) Option {
	return func(opts *WorkerOptions) {
		opts.MaxAttempts = maxAttempts
	}
}

// Stats — итог одного цикла.
type Stats struct {
	Republished int
	Failed      int
	Abandoned   int
}

// Worker перебирает зависшие записи корреляции и повторяет отправку.
type Worker struct {
	store        domain.CorrelationStore
	publisher    Republisher
	logger       *log.Entry
	pollInterval time.Duration
	staleAfter   time.Duration
	batchSize    int
	maxAttempts  int
	now          func() time.Time
}

// NewWorker создаёт воркер повторной отправки.
func NewWorker(store domain.CorrelationStore, publisher Republisher, options ...Option) *Worker {
	opts := WorkerOptions{
		PollInterval: defaultPollInterval,
		StaleAfter:   defaultStaleAfter,
		BatchSize:    defaultBatchSize,
		MaxAttempts:  defaultMaxAttempts,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "replay-worker")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.StaleAfter < 0 {
		opts.StaleAfter = 0
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}

	return &Worker{
		store:        store,
		publisher:    publisher,
		logger:       logger,
		pollInterval: opts.PollInterval,
		staleAfter:   opts.StaleAfter,
		batchSize:    opts.BatchSize,
		maxAttempts:  opts.MaxAttempts,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Run запускает периодический опрос до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.store == nil || w.publisher == nil {
		w.logger.Warn("replay worker is disabled: store or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.ProcessOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce выполняет один цикл повторной отправки.
func (w *Worker) ProcessOnce(ctx context.Context) Stats {
	var stats Stats
	if ctx.Err() != nil {
		return stats
	}

	now := w.now()
	stale, err := w.store.ListStale(ctx, now.Add(-w.staleAfter), w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to list stale correlations")
		return stats
	}
	w.refreshBacklogMetrics(ctx, now, stale)

	for _, c := range stale {
		if ctx.Err() != nil {
			return stats
		}
		logger := w.logger.WithFields(log.Fields{
			"message_id":  c.ID,
			"exchange":    c.Exchange,
			"routing_key": c.RoutingKey,
			"attempts":    c.Attempts,
		})

		if c.Attempts >= w.maxAttempts {
			// Попытки исчерпаны: бросаем запись, чтобы не крутить её бесконечно.
			logger.Error("message abandoned after replay attempts")
			replayAttempts.WithLabelValues("abandoned").Inc()
			if err := w.store.Delete(ctx, c.ID); err != nil {
				logger.WithError(err).Warn("failed to delete abandoned correlation")
			}
			stats.Abandoned++
			continue
		}

		if _, err := w.publisher.Republish(ctx, c); err != nil {
			replayAttempts.WithLabelValues("failed").Inc()
			stats.Failed++
			continue
		}
		replayAttempts.WithLabelValues("republished").Inc()
		logger.Info("message republished")
		stats.Republished++
	}

	return stats
}

func (w *Worker) refreshBacklogMetrics(ctx context.Context, now time.Time, stale []domain.MessageCorrelation) {
	count, err := w.store.Count(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("failed to count correlations")
	} else {
		correlationBacklog.Set(float64(count))
	}

	if len(stale) == 0 {
		correlationOldestAge.Set(0)
		return
	}
	oldest := stale[0].CreatedAt
	for _, c := range stale[1:] {
		if c.CreatedAt.Before(oldest) {
			oldest = c.CreatedAt
		}
	}
	age := now.Sub(oldest).Seconds()
	if age < 0 {
		age = 0
	}
	correlationOldestAge.Set(age)
}
