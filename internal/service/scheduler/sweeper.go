// Package scheduler периодически добивает переходы, которые обычно
// выполняют отложенные сообщения: автоотмену, автоподтверждение и завершение.
package scheduler

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/GALA-Lin/service-sub006/internal/domain"
	"github.com/GALA-Lin/service-sub006/internal/service/booking"
)

const (
	defaultSweepInterval = time.Minute
	defaultBatchSize     = 200

	actionAutoCancel  = "auto_cancel"
	actionAutoConfirm = "auto_confirm"
	actionComplete    = "complete"
)

var sweepActions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "booking_sweeper_actions_total",
	Help: "Total number of sweeper transitions grouped by action and result.",
}, []string{"action", "result"})

// Lifecycle — операции движка, которые вызывает sweeper.
type Lifecycle interface {
	AutoCancel(ctx context.Context, orderNo, reason string) (booking.TransitionResult, error)
	SellerConfirm(ctx context.Context, orderNo, operatorID string, auto bool) (booking.TransitionResult, error)
	Complete(ctx context.Context, orderNo string) (booking.TransitionResult, error)
}

var _ Lifecycle = (*booking.Engine)(nil)

// Options задаёт параметры sweeper.
type Options struct {
	Logger    *log.Entry
	Interval  time.Duration
	BatchSize int
	// Через сколько после оплаты заказ подтверждается
	// без продавца. Ноль выключает автоподтверждение.
	AutoConfirmAfter time.Duration
}

// Option настраивает Sweeper.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithInterval задаёт интервал между проходами.
func WithInterval(interval time.Duration) Option {
	return func(opts *Options) {
		opts.Interval = interval
	}
}

// WithBatchSize ограничивает число заказов одного статуса за проход.
func WithBatchSize(batchSize int) Option {
	return func(opts *Options) {
		opts.BatchSize = batchSize
	}
}

// WithAutoConfirmAfter включает автоподтверждение оплаченных заказов.
func WithAutoConfirmAfter(d time.Duration) Option {
	return func(opts *Options) {
		opts.AutoConfirmAfter = d
	}
}

// Stats — итог одного прохода.
type Stats struct {
	Cancelled int
	Confirmed int
	Completed int
	Errors    int
}

// Sweeper ищет заказы с просроченными сроками и применяет переходы.
type Sweeper struct {
	orders           domain.OrderRepository
	engine           Lifecycle
	logger           *log.Entry
	interval         time.Duration
	batchSize        int
	autoConfirmAfter time.Duration
	now              func() time.Time
}

// NewSweeper создаёт sweeper.
func NewSweeper(orders domain.OrderRepository, engine Lifecycle, options ...Option) *Sweeper {
	opts := Options{
		Interval:  defaultSweepInterval,
		BatchSize: defaultBatchSize,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "order-sweeper")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultSweepInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.AutoConfirmAfter < 0 {
		opts.AutoConfirmAfter = 0
	}

	return &Sweeper{
		orders:           orders,
		engine:           engine,
		logger:           logger,
		interval:         opts.Interval,
		batchSize:        opts.BatchSize,
		autoConfirmAfter: opts.AutoConfirmAfter,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// Run запускает периодические проходы до отмены ctx.
func (s *Sweeper) Run(ctx context.Context) {
	if s.orders == nil || s.engine == nil {
		s.logger.Warn("order sweeper is disabled: repo or engine is nil")
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce выполняет один проход: отмена неоплаченных, автоподтверждение
// и завершение заказов с прошедшими слотами.
func (s *Sweeper) SweepOnce(ctx context.Context) Stats {
	var stats Stats
	now := s.now()

	// CREATED без перехода в PENDING_PAYMENT отменяется по тому же сроку оплаты:
	// к этому моменту создание заказа точно завершено.
	for _, status := range domain.CancellableStatuses {
		s.sweep(ctx, status, actionAutoCancel, &stats, func(order domain.Order) (bool, error) {
			if order.PayDeadline.IsZero() || order.PayDeadline.After(now) {
				return false, nil
			}
			result, err := s.engine.AutoCancel(ctx, order.OrderNo, "payment deadline passed (sweeper)")
			if err == nil && result.Applied {
				stats.Cancelled++
			}
			return result.Applied, err
		})
	}

	if s.autoConfirmAfter > 0 {
		s.sweep(ctx, domain.OrderStatusPaid, actionAutoConfirm, &stats, func(order domain.Order) (bool, error) {
			if now.Sub(order.UpdatedAt) < s.autoConfirmAfter {
				return false, nil
			}
			result, err := s.engine.SellerConfirm(ctx, order.OrderNo, "system", true)
			if err == nil && result.Applied {
				stats.Confirmed++
			}
			return result.Applied, err
		})
	}

	// Заказы после закрытой заявки на возврат закрываются так же, как подтверждённые.
	for _, status := range domain.CompletableStatuses {
		s.sweep(ctx, status, actionComplete, &stats, func(order domain.Order) (bool, error) {
			if domain.LatestEnd(order.ActiveItems()).After(now) {
				return false, nil
			}
			result, err := s.engine.Complete(ctx, order.OrderNo)
			if err == nil && result.Applied {
				stats.Completed++
			}
			return result.Applied, err
		})
	}

	if stats != (Stats{}) {
		s.logger.WithFields(log.Fields{
			"cancelled": stats.Cancelled,
			"confirmed": stats.Confirmed,
			"completed": stats.Completed,
			"errors":    stats.Errors,
		}).Info("order sweep completed")
	}
	return stats
}

func (s *Sweeper) sweep(ctx context.Context, status domain.OrderStatus, action string, stats *Stats, apply func(domain.Order) (bool, error)) {
	if ctx.Err() != nil {
		return
	}
	orders, err := s.orders.ListByStatus(ctx, status, s.batchSize)
	if err != nil {
		sweepActions.WithLabelValues(action, "list_error").Inc()
		s.logger.WithError(err).WithField("status", status).Warn("failed to list orders for sweep")
		stats.Errors++
		return
	}

	for _, order := range orders {
		if ctx.Err() != nil {
			return
		}
		applied, err := apply(order)
		switch {
		case err != nil:
			sweepActions.WithLabelValues(action, "error").Inc()
			s.logger.WithError(err).WithFields(log.Fields{
				"order_no": order.OrderNo,
				"action":   action,
			}).Warn("sweep action failed")
			stats.Errors++
		case applied:
			sweepActions.WithLabelValues(action, "applied").Inc()
		}
	}
}
