// Package booking ведёт заказ на бронирование от захвата слотов до завершения.
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/GALA-Lin/service-sub006/internal/domain"
	"github.com/GALA-Lin/service-sub006/internal/events"
	"github.com/GALA-Lin/service-sub006/internal/lock"
	"github.com/GALA-Lin/service-sub006/internal/messaging"
)

// ErrInvalidRequest — запрос на бронирование не прошёл проверку.
var ErrInvalidRequest = errors.New("invalid booking request")

// Итоги бронирования для Observer.
const (
	OutcomeCreated    = "created"
	OutcomeContention = "contention"
	OutcomeSlotTaken  = "slot_taken"
	OutcomeFailed     = "failed"
)

// Config задаёт тайминги движка.
type Config struct {
	// Сколько ждать блокировки слотов.
	LockWait time.Duration
	// Сколько максимум держать блокировки.
	LockLease time.Duration
	// Время на оплату до автоотмены.
	PaymentTimeout time.Duration
	// За сколько до начала напомнить покупателю.
	ReminderLead time.Duration
}

// DefaultConfig возвращает тайминги по умолчанию.
func DefaultConfig() Config {
	return Config{
		LockWait:       3 * time.Second,
		LockLease:      30 * time.Second,
		PaymentTimeout: 15 * time.Minute,
		ReminderLead:   2 * time.Hour,
	}
}

// Dependencies описывает внешние зависимости движка.
type Dependencies struct {
	Orders    domain.OrderRepository
	Slots     domain.SlotRepository
	Timeline  domain.TimelineRepository
	Locks     lock.Coordinator
	Pricing   domain.PricingService
	Payments  domain.PaymentGateway
	Publisher messaging.EnvelopePublisher
}

// Observer получает события движка для метрик.
type Observer interface {
	ObserveBooking(outcome string)
	ObserveTransition(to domain.OrderStatus, applied bool)
}

// Option настраивает Engine.
type Option func(*Engine)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithObserver задаёт приёмник метрик.
func WithObserver(observer Observer) Option {
	return func(e *Engine) {
		e.observer = observer
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// Engine ведёт заказ по жизненному циклу.
type Engine struct {
	deps       Dependencies
	cfg        Config
	observer   Observer
	logger     *log.Entry
	now        func() time.Time
	newOrderNo func() string
}

// NewEngine создаёт движок.
func NewEngine(deps Dependencies, cfg Config, opts ...Option) *Engine {
	defaults := DefaultConfig()
	if cfg.LockWait <= 0 {
		cfg.LockWait = defaults.LockWait
	}
	if cfg.LockLease <= 0 {
		cfg.LockLease = defaults.LockLease
	}
	if cfg.PaymentTimeout <= 0 {
		cfg.PaymentTimeout = defaults.PaymentTimeout
	}
	if cfg.ReminderLead < 0 {
		cfg.ReminderLead = 0
	}

	e := &Engine{
		deps: deps,
		cfg:  cfg,
		now:  func() time.Time { return time.Now().UTC() },
		newOrderNo: func() string {
			return "BK-" + strings.ToUpper(uuid.NewString())
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = log.WithField("component", "booking-engine")
	}
	return e
}

// Config возвращает действующие тайминги.
func (e *Engine) Config() Config {
	return e.cfg
}

// CreateRequest описывает запрос на бронирование набора слотов.
type CreateRequest struct {
	BuyerID  string
	SellerID string
	Slots    []domain.Slot
}

// BookingResult — итог бронирования: заказ ждёт оплаты по токену.
type BookingResult struct {
	Order           domain.Order
	Payment         domain.PaymentToken
	PaymentRequired bool
}

// TransitionResult — явный итог перехода. Applied=false означает, что
// предусловие не выполнено и ничего не изменилось; это не ошибка.
type TransitionResult struct {
	Applied bool
	Status  domain.OrderStatus
	Reason  string
	Order   domain.Order
}

// Get возвращает заказ.
func (e *Engine) Get(ctx context.Context, orderNo string) (domain.Order, error) {
	return e.deps.Orders.Get(ctx, orderNo)
}

// Timeline возвращает историю заказа.
func (e *Engine) Timeline(ctx context.Context, orderNo string) ([]domain.TimelineEvent, error) {
	if e.deps.Timeline == nil {
		return nil, nil
	}
	return e.deps.Timeline.List(ctx, orderNo)
}

// Create блокирует слоты, занимает их за новым заказом и выставляет его на оплату.
// Конкурирующий запрос получает ошибку, оборачивающую lock.ErrContention
// или domain.ErrSlotTaken; заказ при этом не создаётся.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (BookingResult, error) {
	if err := validateRequest(req); err != nil {
		e.observeBooking(OutcomeFailed)
		return BookingResult{}, err
	}

	orderNo := e.newOrderNo()
	keys := slotKeys(req.Slots)
	logger := e.logger.WithFields(log.Fields{
		"order_no": orderNo,
		"buyer_id": req.BuyerID,
		"slots":    len(keys),
	})

	var order domain.Order
	err := lock.WithLocks(ctx, e.deps.Locks, keys, e.cfg.LockWait, e.cfg.LockLease, func(ctx context.Context) error {
		quote, err := e.deps.Pricing.Quote(ctx, req.Slots)
		if err != nil {
			return fmt.Errorf("quote slots: %w", err)
		}

		now := e.now()
		order, err = buildOrder(orderNo, req, quote, now, now.Add(e.cfg.PaymentTimeout))
		if err != nil {
			return err
		}

		if err := e.deps.Slots.Occupy(ctx, req.Slots, orderNo, now); err != nil {
			return fmt.Errorf("occupy slots: %w", err)
		}
		if err := e.deps.Orders.Create(ctx, order); err != nil {
			// Заказ не записан: возвращаем слоты, пока блокировка ещё у нас.
			if _, releaseErr := e.deps.Slots.Release(ctx, keys, orderNo, now); releaseErr != nil {
				logger.WithError(releaseErr).Error("failed to release slots after create failure")
			}
			return fmt.Errorf("create order: %w", err)
		}
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, lock.ErrContention):
			e.observeBooking(OutcomeContention)
			logger.WithError(err).Info("booking rejected: slots are locked")
		case errors.Is(err, domain.ErrSlotTaken):
			e.observeBooking(OutcomeSlotTaken)
			logger.WithError(err).Info("booking rejected: slot already taken")
		default:
			e.observeBooking(OutcomeFailed)
			logger.WithError(err).Error("booking failed")
		}
		return BookingResult{}, err
	}
	e.appendTimeline(ctx, orderNo, domain.TimelineCreated, "")

	pending, err := e.transition(ctx, domain.StatusChange{
		OrderNo: orderNo,
		From:    []domain.OrderStatus{domain.OrderStatusCreated},
		To:      domain.OrderStatusPendingPayment,
		At:      e.now(),
	}, domain.TimelinePendingPayment, "")
	if err != nil {
		e.observeBooking(OutcomeFailed)
		return BookingResult{}, err
	}
	order = pending.Order

	e.publish(ctx, events.EventOrderAutoCancel, orderNo, events.AutoCancelEvent{
		OrderNo:  orderNo,
		Deadline: order.PayDeadline,
	}, e.cfg.PaymentTimeout)

	e.observeBooking(OutcomeCreated)
	result := BookingResult{Order: order, PaymentRequired: true}

	token, err := e.deps.Payments.RequestPayment(ctx, domain.PaymentRequest{
		OrderNo:     orderNo,
		BuyerID:     order.BuyerID,
		AmountMinor: order.AmountMinor,
		Currency:    order.Currency,
		Deadline:    order.PayDeadline,
	})
	if err != nil {
		// Заказ остаётся в PENDING_PAYMENT и будет снят автоотменой.
		logger.WithError(err).Warn("payment token request failed")
		return result, fmt.Errorf("%w: %w", domain.ErrPaymentUnavailable, err)
	}
	result.Payment = token

	logger.WithField("amount_minor", order.AmountMinor).Info("booking created, awaiting payment")
	return result, nil
}

// ConfirmPayment переводит заказ PENDING_PAYMENT → PAID и закрепляет слоты.
// Повторное подтверждение ничего не меняет.
func (e *Engine) ConfirmPayment(ctx context.Context, orderNo, paymentRef string) (TransitionResult, error) {
	order, err := e.deps.Orders.Get(ctx, orderNo)
	if err != nil {
		return TransitionResult{}, err
	}
	keys := order.SlotKeys()

	var result TransitionResult
	err = lock.WithLocks(ctx, e.deps.Locks, keys, e.cfg.LockWait, e.cfg.LockLease, func(ctx context.Context) error {
		var err error
		result, err = e.transition(ctx, domain.StatusChange{
			OrderNo:    orderNo,
			From:       []domain.OrderStatus{domain.OrderStatusPendingPayment},
			To:         domain.OrderStatusPaid,
			At:         e.now(),
			PaymentRef: paymentRef,
		}, domain.TimelinePaid, "")
		if err != nil {
			return err
		}
		// Повтор после сбоя Book: заказ уже PAID, но слоты могли остаться LOCKED.
		if !result.Applied && result.Status != domain.OrderStatusPaid {
			return nil
		}
		if _, err := e.deps.Slots.Book(ctx, keys, orderNo, e.now()); err != nil {
			return fmt.Errorf("book slots: %w", err)
		}
		return nil
	})
	if err != nil {
		return result, err
	}
	if !result.Applied {
		return result, nil
	}

	order = result.Order
	e.publish(ctx, events.EventOrderSellerNotify, orderNo, events.SellerNotifyEvent{
		OrderNo:     orderNo,
		SellerID:    order.SellerID,
		BuyerID:     order.BuyerID,
		AmountMinor: order.AmountMinor,
		Currency:    order.Currency,
	}, 0)

	start := domain.EarliestStart(order.ActiveItems())
	if start.After(e.now()) {
		delay := start.Add(-e.cfg.ReminderLead).Sub(e.now())
		if delay < 0 {
			delay = 0
		}
		e.publish(ctx, events.EventOrderReminder, orderNo, events.ReminderEvent{
			OrderNo: orderNo,
			BuyerID: order.BuyerID,
			StartAt: start,
		}, delay)
	}

	return result, nil
}

// SellerConfirm переводит PAID → CONFIRMED. auto отмечает автоподтверждение.
func (e *Engine) SellerConfirm(ctx context.Context, orderNo, operatorID string, auto bool) (TransitionResult, error) {
	reason := "confirmed by " + operatorID
	if auto {
		reason = "auto-confirmed"
	}
	return e.transition(ctx, domain.StatusChange{
		OrderNo:       orderNo,
		From:          []domain.OrderStatus{domain.OrderStatusPaid},
		To:            domain.OrderStatusConfirmed,
		At:            e.now(),
		ConfirmedBy:   operatorID,
		AutoConfirmed: auto,
	}, domain.TimelineConfirmed, reason)
}

// AutoCancel снимает неоплаченный заказ и освобождает его слоты.
// Если оплата успела пройти, ничего не меняется. Заказ, застрявший в CREATED,
// снимается так же.
func (e *Engine) AutoCancel(ctx context.Context, orderNo, reason string) (TransitionResult, error) {
	order, err := e.deps.Orders.Get(ctx, orderNo)
	if err != nil {
		return TransitionResult{}, err
	}
	keys := order.SlotKeys()

	var result TransitionResult
	err = lock.WithLocks(ctx, e.deps.Locks, keys, e.cfg.LockWait, e.cfg.LockLease, func(ctx context.Context) error {
		var err error
		result, err = e.transition(ctx, domain.StatusChange{
			OrderNo: orderNo,
			From:    domain.CancellableStatuses,
			To:      domain.OrderStatusAutoCancelled,
			At:      e.now(),
		}, domain.TimelineAutoCancelled, reason)
		if err != nil || !result.Applied {
			return err
		}

		released, err := e.deps.Slots.Release(ctx, keys, orderNo, e.now())
		if err != nil {
			return fmt.Errorf("release slots: %w", err)
		}
		e.appendTimeline(ctx, orderNo, domain.TimelineSlotsReleased, fmt.Sprintf("%d of %d", released, len(keys)))
		return nil
	})
	return result, err
}

// Complete закрывает подтверждённый заказ, когда все его слоты закончились.
// Частично возвращённый заказ и заказ с закрытой заявкой закрываются по
// оставшимся позициям.
func (e *Engine) Complete(ctx context.Context, orderNo string) (TransitionResult, error) {
	order, err := e.deps.Orders.Get(ctx, orderNo)
	if err != nil {
		return TransitionResult{}, err
	}
	if domain.HasStatus(domain.CompletableStatuses, order.Status) {
		if end := domain.LatestEnd(order.ActiveItems()); end.After(e.now()) {
			e.logger.WithFields(log.Fields{
				"order_no": orderNo,
				"ends_at":  end,
			}).Debug("order slots have not ended yet")
			return TransitionResult{Status: order.Status, Reason: "slots have not ended", Order: order}, nil
		}
	}

	return e.transition(ctx, domain.StatusChange{
		OrderNo: orderNo,
		From:    domain.CompletableStatuses,
		To:      domain.OrderStatusCompleted,
		At:      e.now(),
	}, domain.TimelineCompleted, "")
}

// transition выполняет условную запись статуса и пишет таймлайн.
func (e *Engine) transition(ctx context.Context, change domain.StatusChange, timelineType, reason string) (TransitionResult, error) {
	order, applied, err := e.deps.Orders.Transition(ctx, change)
	if err != nil {
		e.logger.WithError(err).WithFields(log.Fields{
			"order_no": change.OrderNo,
			"to":       change.To,
		}).Error("failed to persist status")
		return TransitionResult{}, fmt.Errorf("transition %s to %s: %w", change.OrderNo, change.To, err)
	}
	if e.observer != nil {
		e.observer.ObserveTransition(change.To, applied)
	}

	if !applied {
		result := TransitionResult{
			Status: order.Status,
			Reason: fmt.Sprintf("order is %s, expected one of %v", order.Status, change.From),
			Order:  order,
		}
		e.logger.WithFields(log.Fields{
			"order_no": change.OrderNo,
			"status":   order.Status,
			"to":       change.To,
		}).Info("transition skipped: precondition not met")
		return result, nil
	}

	e.appendTimeline(ctx, change.OrderNo, timelineType, reason)
	return TransitionResult{Applied: true, Status: order.Status, Order: order}, nil
}

func (e *Engine) appendTimeline(ctx context.Context, orderNo, eventType, reason string) {
	if e.deps.Timeline == nil {
		return
	}
	err := e.deps.Timeline.Append(ctx, domain.TimelineEvent{
		OrderNo:  orderNo,
		Type:     eventType,
		Reason:   reason,
		Occurred: e.now(),
	})
	if err != nil {
		e.logger.WithError(err).WithFields(log.Fields{
			"order_no": orderNo,
			"event":    eventType,
		}).Warn("append timeline event failed")
	}
}

// publish отправляет событие. Неподтверждённая отправка остаётся в записи
// корреляции и будет повторена воркером, поэтому запрос не прерывается.
func (e *Engine) publish(ctx context.Context, eventType events.EventType, orderNo string, event any, delay time.Duration) {
	if e.deps.Publisher == nil {
		return
	}
	env, err := messaging.JSONEnvelope(events.Route(eventType), event, delay)
	if err != nil {
		e.logger.WithError(err).WithField("event", eventType).Error("marshal event failed")
		return
	}
	env.Headers[domain.HeaderBusinessType] = string(eventType)
	env.Headers[domain.HeaderBusinessKey] = orderNo

	if _, err := e.deps.Publisher.Publish(ctx, env); err != nil {
		e.logger.WithError(err).WithFields(log.Fields{
			"order_no": orderNo,
			"event":    eventType,
		}).Warn("failed to publish event")
	}
}

func (e *Engine) observeBooking(outcome string) {
	if e.observer != nil {
		e.observer.ObserveBooking(outcome)
	}
}

func validateRequest(req CreateRequest) error {
	var errs []error
	if req.BuyerID == "" {
		errs = append(errs, domain.ErrBuyerRequired)
	}
	if len(req.Slots) == 0 {
		errs = append(errs, domain.ErrItemsRequired)
	}
	seen := make(map[string]struct{}, len(req.Slots))
	for _, slot := range req.Slots {
		errs = append(errs, slot.Validate()...)
		if _, dup := seen[slot.Key()]; dup {
			errs = append(errs, domain.ErrDuplicateSlot)
		}
		seen[slot.Key()] = struct{}{}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, errors.Join(errs...))
	}
	return nil
}

func buildOrder(orderNo string, req CreateRequest, quote domain.PriceQuote, now, deadline time.Time) (domain.Order, error) {
	order := domain.Order{
		OrderNo:     orderNo,
		BuyerID:     req.BuyerID,
		SellerID:    req.SellerID,
		Status:      domain.OrderStatusCreated,
		Currency:    quote.Currency,
		PayDeadline: deadline,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for i, slot := range req.Slots {
		price, ok := quote.Prices[slot.Key()]
		if !ok {
			return domain.Order{}, fmt.Errorf("%w: no price for %s", domain.ErrPricingUnavailable, slot.Key())
		}
		order.Items = append(order.Items, domain.OrderItem{
			ID:         fmt.Sprintf("%s-%d", orderNo, i+1),
			SlotKey:    slot.Key(),
			ResourceID: slot.ResourceID,
			StartAt:    slot.StartAt,
			EndAt:      slot.EndAt,
			PriceMinor: price,
			Status:     domain.ItemStatusActive,
		})
		order.AmountMinor += price
	}
	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return domain.Order{}, fmt.Errorf("%w: %w", ErrInvalidRequest, errors.Join(errs...))
	}
	return order, nil
}

func slotKeys(slots []domain.Slot) []string {
	keys := make([]string, 0, len(slots))
	for _, slot := range slots {
		keys = append(keys, slot.Key())
	}
	return keys
}
