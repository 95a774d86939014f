package refund

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/GALA-Lin/service-sub006/internal/domain"
	"github.com/GALA-Lin/service-sub006/internal/events"
	"github.com/GALA-Lin/service-sub006/internal/lock"
	"github.com/GALA-Lin/service-sub006/internal/messaging"
)

var (
	// Заявка не прошла проверку.
	ErrInvalidRequest = errors.New("invalid refund request")
	// Заявку подаёт или отзывает не покупатель заказа.
	ErrNotBuyer = errors.New("refund requested by someone other than the buyer")
	// Позиция не найдена или уже возвращена.
	ErrItemNotRefundable = errors.New("order item is not refundable")
)

// Итоги для Observer.
const (
	OutcomeApplied    = "applied"
	OutcomeIneligible = "ineligible"
	OutcomeApproved   = "approved"
	OutcomeRejected   = "rejected"
	OutcomeCancelled  = "cancelled"
	OutcomeCompleted  = "completed"
	OutcomeSkipped    = "skipped"
)

// Config задаёт поведение workflow.
type Config struct {
	LockWait  time.Duration
	LockLease time.Duration
	// AutoApprove одобряет подходящие по тарифу заявки без продавца.
	AutoApprove bool
}

// DefaultConfig возвращает настройки по умолчанию.
func DefaultConfig() Config {
	return Config{
		LockWait:  3 * time.Second,
		LockLease: 30 * time.Second,
	}
}

// Dependencies описывает внешние зависимости workflow.
type Dependencies struct {
	Orders    domain.OrderRepository
	Refunds   domain.RefundRepository
	Rules     domain.RefundRuleRepository
	Slots     domain.SlotRepository
	Timeline  domain.TimelineRepository
	Locks     lock.Coordinator
	Publisher messaging.EnvelopePublisher
}

// Observer получает итоги операций для метрик.
type Observer interface {
	ObserveRefund(outcome string)
}

// Option настраивает Workflow.
type Option func(*Workflow)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(w *Workflow) {
		w.logger = logger
	}
}

// WithObserver задаёт приёмник метрик.
func WithObserver(observer Observer) Option {
	return func(w *Workflow) {
		w.observer = observer
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) {
		w.now = now
	}
}

// Workflow проводит заявки на возврат от подачи до выплаты.
type Workflow struct {
	deps     Dependencies
	cfg      Config
	observer Observer
	logger   *log.Entry
	now      func() time.Time
	newID    func() string
}

// NewWorkflow создаёт workflow.
func NewWorkflow(deps Dependencies, cfg Config, opts ...Option) *Workflow {
	defaults := DefaultConfig()
	if cfg.LockWait <= 0 {
		cfg.LockWait = defaults.LockWait
	}
	if cfg.LockLease <= 0 {
		cfg.LockLease = defaults.LockLease
	}

	w := &Workflow{
		deps:  deps,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return "RF-" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = log.WithField("component", "refund-workflow")
	}
	return w
}

// ApplyRequest — заявка покупателя. Пустой ItemIDs означает все активные позиции.
type ApplyRequest struct {
	OrderNo              string
	BuyerID              string
	ItemIDs              []string
	ReasonCode           string
	RequestedAmountMinor int64
}

// Result — итог операции над заявкой. Applied=false означает, что
// предусловие не выполнено и ничего не изменилось.
type Result struct {
	Applied     bool
	Reason      string
	Apply       domain.RefundApply
	Eligibility Eligibility
	OrderStatus domain.OrderStatus
}

// Get возвращает заявку.
func (w *Workflow) Get(ctx context.Context, applyID string) (domain.RefundApply, error) {
	return w.deps.Refunds.Get(ctx, applyID)
}

// ListByOrder возвращает заявки заказа.
func (w *Workflow) ListByOrder(ctx context.Context, orderNo string) ([]domain.RefundApply, error) {
	return w.deps.Refunds.ListByOrder(ctx, orderNo)
}

// Check считает долю возврата для позиций заказа, ничего не записывая.
func (w *Workflow) Check(ctx context.Context, orderNo string, itemIDs []string) (Eligibility, error) {
	order, err := w.deps.Orders.Get(ctx, orderNo)
	if err != nil {
		return Eligibility{}, err
	}
	items, err := selectItems(order, itemIDs)
	if err != nil {
		return Eligibility{}, err
	}
	return w.evaluate(ctx, order, items)
}

// Apply подаёт заявку: считает долю по тарифу и переводит заказ в REFUND_REQUESTED.
// Неподходящая по тарифу заявка возвращается с Eligible=false без ошибки.
func (w *Workflow) Apply(ctx context.Context, req ApplyRequest) (Result, error) {
	if req.OrderNo == "" {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidRequest, domain.ErrOrderNoRequired)
	}
	order, err := w.deps.Orders.Get(ctx, req.OrderNo)
	if err != nil {
		return Result{}, err
	}
	if req.BuyerID != "" && req.BuyerID != order.BuyerID {
		return Result{}, ErrNotBuyer
	}
	logger := w.logger.WithField("order_no", order.OrderNo)

	items, err := selectItems(order, req.ItemIDs)
	if err != nil {
		return Result{}, err
	}
	eligibility, err := w.evaluate(ctx, order, items)
	if err != nil {
		return Result{}, err
	}
	if !eligibility.Eligible {
		w.observe(OutcomeIneligible)
		logger.WithField("reason", eligibility.Reason).Info("refund not eligible")
		return Result{Reason: eligibility.Reason, Eligibility: eligibility, OrderStatus: order.Status}, nil
	}

	amount := Amount(items, eligibility.Percentage)
	if req.RequestedAmountMinor > 0 && req.RequestedAmountMinor < amount {
		amount = req.RequestedAmountMinor
	}
	now := w.now()
	apply := domain.RefundApply{
		ID:                   w.newID(),
		OrderNo:              order.OrderNo,
		ItemIDs:              itemIDs(items),
		ReasonCode:           req.ReasonCode,
		RequestedAmountMinor: req.RequestedAmountMinor,
		Percentage:           eligibility.Percentage,
		RefundAmountMinor:    amount,
		Status:               domain.RefundStatusPending,
		AppliedAt:            now,
		UpdatedAt:            now,
	}
	if err := w.deps.Refunds.Create(ctx, apply); err != nil {
		if errors.Is(err, domain.ErrRefundApplyPending) {
			w.observe(OutcomeSkipped)
			logger.Info("refund apply skipped: another apply is pending")
			return Result{Reason: err.Error(), Eligibility: eligibility, OrderStatus: order.Status}, nil
		}
		return Result{}, fmt.Errorf("create refund apply: %w", err)
	}

	updated, applied, err := w.deps.Orders.Transition(ctx, domain.StatusChange{
		OrderNo: order.OrderNo,
		From:    domain.RefundableStatuses,
		To:      domain.OrderStatusRefundRequested,
		At:      now,
	})
	if err != nil {
		return Result{}, fmt.Errorf("transition %s to %s: %w", order.OrderNo, domain.OrderStatusRefundRequested, err)
	}
	if !applied {
		// Заказ не в том статусе: заявку сразу закрываем.
		reason := fmt.Sprintf("order is %s", updated.Status)
		if _, _, err := w.deps.Refunds.Transition(ctx, apply.ID, []domain.RefundStatus{domain.RefundStatusPending},
			domain.RefundStatusCancelled, "system", reason, now); err != nil {
			logger.WithError(err).Error("failed to close refund apply for non-refundable order")
		}
		w.observe(OutcomeSkipped)
		logger.WithField("status", updated.Status).Info("refund apply skipped: order is not refundable")
		return Result{Reason: reason, Eligibility: eligibility, OrderStatus: updated.Status}, nil
	}

	w.appendTimeline(ctx, order.OrderNo, domain.TimelineRefundRequested, fmt.Sprintf("%d%%", eligibility.Percentage))
	w.observe(OutcomeApplied)
	logger.WithFields(log.Fields{
		"apply_id":   apply.ID,
		"percentage": apply.Percentage,
		"amount":     apply.RefundAmountMinor,
	}).Info("refund apply created")

	result := Result{Applied: true, Apply: apply, Eligibility: eligibility, OrderStatus: updated.Status}
	if w.cfg.AutoApprove {
		approved, err := w.Approve(ctx, apply.ID, "system", "auto-approved")
		if err != nil {
			return result, err
		}
		result.Apply = approved.Apply
	}
	return result, nil
}

// Approve одобряет заявку и отправляет запрос на возврат средств.
func (w *Workflow) Approve(ctx context.Context, applyID, operatorID, note string) (Result, error) {
	apply, applied, err := w.deps.Refunds.Transition(ctx, applyID,
		[]domain.RefundStatus{domain.RefundStatusPending}, domain.RefundStatusApproved, operatorID, note, w.now())
	if err != nil {
		return Result{}, err
	}
	if !applied {
		return w.skipped(apply, "approve"), nil
	}

	order, err := w.deps.Orders.Get(ctx, apply.OrderNo)
	if err != nil {
		return Result{}, err
	}
	w.publish(ctx, events.EventRefundRequest, apply.OrderNo, events.RefundRequestEvent{
		ApplyID:           apply.ID,
		OrderNo:           apply.OrderNo,
		ItemIDs:           apply.ItemIDs,
		Percentage:        apply.Percentage,
		PaymentRef:        order.PaymentRef,
		RefundAmountMinor: apply.RefundAmountMinor,
		Currency:          order.Currency,
	})
	w.appendTimeline(ctx, apply.OrderNo, domain.TimelineRefundApproved, operatorID)
	w.observe(OutcomeApproved)
	return Result{Applied: true, Apply: apply, OrderStatus: order.Status}, nil
}

// AutoApprove одобряет заявку от имени системы.
func (w *Workflow) AutoApprove(ctx context.Context, applyID string) (Result, error) {
	return w.Approve(ctx, applyID, "system", "auto-approved")
}

// Reject отклоняет заявку; заказ переходит в REFUND_REJECTED.
func (w *Workflow) Reject(ctx context.Context, applyID, operatorID, note string) (Result, error) {
	return w.close(ctx, applyID, domain.RefundStatusRejected, domain.OrderStatusRefundRejected,
		domain.TimelineRefundRejected, operatorID, note, OutcomeRejected)
}

// CancelApply отзывает заявку покупателя; заказ переходит в REFUND_CANCELLED.
func (w *Workflow) CancelApply(ctx context.Context, applyID, buyerID string) (Result, error) {
	apply, err := w.deps.Refunds.Get(ctx, applyID)
	if err != nil {
		return Result{}, err
	}
	if buyerID != "" {
		order, err := w.deps.Orders.Get(ctx, apply.OrderNo)
		if err != nil {
			return Result{}, err
		}
		if order.BuyerID != buyerID {
			return Result{}, ErrNotBuyer
		}
	}
	return w.close(ctx, applyID, domain.RefundStatusCancelled, domain.OrderStatusRefundCancelled,
		domain.TimelineRefundCancelled, buyerID, "withdrawn by buyer", OutcomeCancelled)
}

// Complete обрабатывает ответ платёжного сервиса: позиции заявки становятся
// REFUNDED, заказ PARTIALLY_REFUNDED или REFUNDED, слоты освобождаются.
// Повторный вызов ничего не меняет.
func (w *Workflow) Complete(ctx context.Context, applyID, refundRef string) (Result, error) {
	apply, err := w.deps.Refunds.Get(ctx, applyID)
	if err != nil {
		return Result{}, err
	}
	order, err := w.deps.Orders.Get(ctx, apply.OrderNo)
	if err != nil {
		return Result{}, err
	}
	keys := make([]string, 0, len(apply.ItemIDs))
	for _, id := range apply.ItemIDs {
		if item, ok := order.Item(id); ok {
			keys = append(keys, item.SlotKey)
		}
	}
	logger := w.logger.WithFields(log.Fields{
		"order_no": apply.OrderNo,
		"apply_id": apply.ID,
	})

	var result Result
	err = lock.WithLocks(ctx, w.deps.Locks, keys, w.cfg.LockWait, w.cfg.LockLease, func(ctx context.Context) error {
		now := w.now()
		completed, applied, err := w.deps.Refunds.Transition(ctx, applyID,
			[]domain.RefundStatus{domain.RefundStatusApproved}, domain.RefundStatusCompleted, "", refundRef, now)
		if err != nil {
			return err
		}
		// Повтор после сбоя: заявка уже COMPLETED, доводим заказ и слоты.
		if !applied && completed.Status != domain.RefundStatusCompleted {
			result = w.skipped(completed, "complete")
			return nil
		}

		to := domain.OrderStatusRefunded
		if remaining(order, completed.ItemIDs) > 0 {
			to = domain.OrderStatusPartiallyRefunded
		}
		updated, orderApplied, err := w.deps.Orders.Transition(ctx, domain.StatusChange{
			OrderNo:         completed.OrderNo,
			From:            []domain.OrderStatus{domain.OrderStatusRefundRequested},
			To:              to,
			At:              now,
			RefundedItemIDs: completed.ItemIDs,
		})
		if err != nil {
			return fmt.Errorf("transition %s to %s: %w", completed.OrderNo, to, err)
		}
		if orderApplied {
			w.appendTimeline(ctx, completed.OrderNo, domain.TimelineRefunded, refundRef)
		} else if !applied {
			logger.WithField("status", updated.Status).Info("refund completion already applied")
			result = Result{Apply: completed, Reason: "refund already completed", OrderStatus: updated.Status}
			return nil
		}

		released, err := w.deps.Slots.Release(ctx, keys, completed.OrderNo, now)
		if err != nil {
			return fmt.Errorf("release slots: %w", err)
		}
		w.appendTimeline(ctx, completed.OrderNo, domain.TimelineSlotsReleased, fmt.Sprintf("%d of %d", released, len(keys)))
		result = Result{Applied: true, Apply: completed, OrderStatus: updated.Status}
		return nil
	})
	if err != nil {
		logger.WithError(err).Error("refund completion failed")
		return Result{}, err
	}
	if result.Applied {
		w.observe(OutcomeCompleted)
		logger.WithField("status", result.OrderStatus).Info("refund completed")
	}
	return result, nil
}

// HandleRefundCompleted обрабатывает событие refund.completed.
func (w *Workflow) HandleRefundCompleted(ctx context.Context, msg messaging.Message) error {
	var event events.RefundCompletedEvent
	if err := messaging.DecodeJSON(msg, &event); err != nil {
		return err
	}
	if event.ApplyID == "" {
		return messaging.Permanent(fmt.Errorf("%w: apply_id is required", ErrInvalidRequest))
	}

	_, err := w.Complete(ctx, event.ApplyID, event.RefundRef)
	if err != nil && domain.IsNotFound(err) {
		return messaging.Permanent(err)
	}
	return err
}

func (w *Workflow) close(ctx context.Context, applyID string, to domain.RefundStatus, orderTo domain.OrderStatus,
	timelineType, actor, note, outcome string) (Result, error) {
	now := w.now()
	apply, applied, err := w.deps.Refunds.Transition(ctx, applyID,
		[]domain.RefundStatus{domain.RefundStatusPending}, to, actor, note, now)
	if err != nil {
		return Result{}, err
	}
	if !applied {
		return w.skipped(apply, outcome), nil
	}

	order, _, err := w.deps.Orders.Transition(ctx, domain.StatusChange{
		OrderNo: apply.OrderNo,
		From:    []domain.OrderStatus{domain.OrderStatusRefundRequested},
		To:      orderTo,
		At:      now,
	})
	if err != nil {
		return Result{}, fmt.Errorf("transition %s to %s: %w", apply.OrderNo, orderTo, err)
	}
	w.appendTimeline(ctx, apply.OrderNo, timelineType, note)
	w.observe(outcome)
	return Result{Applied: true, Apply: apply, OrderStatus: order.Status}, nil
}

func (w *Workflow) skipped(apply domain.RefundApply, op string) Result {
	w.observe(OutcomeSkipped)
	w.logger.WithFields(log.Fields{
		"apply_id": apply.ID,
		"status":   apply.Status,
		"op":       op,
	}).Info("refund operation skipped: precondition not met")
	return Result{Apply: apply, Reason: fmt.Sprintf("apply is %s", apply.Status)}
}

// evaluate считает долю по самому раннему слоту выбранных позиций.
func (w *Workflow) evaluate(ctx context.Context, order domain.Order, items []domain.OrderItem) (Eligibility, error) {
	first := items[0]
	for _, item := range items[1:] {
		if item.StartAt.Before(first.StartAt) {
			first = item
		}
	}
	rules, err := ResolveRules(ctx, w.deps.Rules, first.ResourceID, order.SellerID)
	if err != nil {
		return Eligibility{}, fmt.Errorf("resolve refund rules: %w", err)
	}
	return Evaluate(rules, first.StartAt, w.now()), nil
}

func (w *Workflow) publish(ctx context.Context, eventType events.EventType, orderNo string, event any) {
	if w.deps.Publisher == nil {
		return
	}
	env, err := messaging.JSONEnvelope(events.Route(eventType), event, 0)
	if err != nil {
		w.logger.WithError(err).WithField("event", eventType).Error("marshal event failed")
		return
	}
	env.Headers[domain.HeaderBusinessType] = string(eventType)
	env.Headers[domain.HeaderBusinessKey] = orderNo

	if _, err := w.deps.Publisher.Publish(ctx, env); err != nil {
		w.logger.WithError(err).WithFields(log.Fields{
			"order_no": orderNo,
			"event":    eventType,
		}).Warn("failed to publish event")
	}
}

func (w *Workflow) appendTimeline(ctx context.Context, orderNo, eventType, reason string) {
	if w.deps.Timeline == nil {
		return
	}
	err := w.deps.Timeline.Append(ctx, domain.TimelineEvent{
		OrderNo:  orderNo,
		Type:     eventType,
		Reason:   reason,
		Occurred: w.now(),
	})
	if err != nil {
		w.logger.WithError(err).WithField("order_no", orderNo).Warn("append timeline event failed")
	}
}

func (w *Workflow) observe(outcome string) {
	if w.observer != nil {
		w.observer.ObserveRefund(outcome)
	}
}

func selectItems(order domain.Order, ids []string) ([]domain.OrderItem, error) {
	if len(ids) == 0 {
		items := order.ActiveItems()
		if len(items) == 0 {
			return nil, fmt.Errorf("%w: order %s has no active items", ErrItemNotRefundable, order.OrderNo)
		}
		return items, nil
	}
	items := make([]domain.OrderItem, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		item, ok := order.Item(id)
		if !ok || item.Status != domain.ItemStatusActive {
			return nil, fmt.Errorf("%w: %s", ErrItemNotRefundable, id)
		}
		items = append(items, item)
	}
	return items, nil
}

func itemIDs(items []domain.OrderItem) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	return ids
}

// remaining считает, сколько активных позиций останется после возврата ids.
func remaining(order domain.Order, ids []string) int {
	refunded := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		refunded[id] = struct{}{}
	}
	n := 0
	for _, item := range order.ActiveItems() {
		if _, ok := refunded[item.ID]; !ok {
			n++
		}
	}
	return n
}
