package messaging

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/GALA-Lin/service-sub006/internal/domain"
)

var (
	// Некорректная конфигурация потока.
	ErrFlowInvalid = errors.New("invalid message flow")
)

const defaultInboxTTL = 7 * 24 * time.Hour

// Flow описывает маршруты одного потребителя: основной, повторный и финальный.
type Flow struct {
	Name string
	// Очередь основного маршрута.
	Queue   string
	Primary Route
	// Маршрут повторной доставки; если пуст, повтор идёт в Primary.
	Retry Route
	// Маршрут dead-letter, куда сообщение уходит после исчерпания повторов.
	Final           Route
	FinalQueue      string
	MaxRedeliveries int
	RetryDelay      time.Duration
	BusinessType    string
	// BusinessKey извлекает ключ бизнес-сущности из тела сообщения.
	BusinessKey func(payload []byte) string
	// Поток читает финальный exchange других потоков и не принимает
	// отложенных сообщений.
	Sink bool
}

// Validate проверяет конфигурацию потока.
func (f Flow) Validate() error {
	switch {
	case f.Name == "":
		return fmt.Errorf("%w: name is required", ErrFlowInvalid)
	case f.Primary.IsZero():
		return fmt.Errorf("%w: %s: primary route is required", ErrFlowInvalid, f.Name)
	case f.Final.IsZero():
		return fmt.Errorf("%w: %s: final route is required", ErrFlowInvalid, f.Name)
	case f.Primary == f.Final:
		return fmt.Errorf("%w: %s: final route must differ from primary", ErrFlowInvalid, f.Name)
	case f.MaxRedeliveries < 0:
		return fmt.Errorf("%w: %s: max redeliveries must be non-negative", ErrFlowInvalid, f.Name)
	case f.BusinessType == "":
		return fmt.Errorf("%w: %s: business type is required", ErrFlowInvalid, f.Name)
	}
	return nil
}

// RetryRoute возвращает маршрут повторной доставки.
func (f Flow) RetryRoute() Route {
	if f.Retry.IsZero() {
		return f.Primary
	}
	return f.Retry
}

// DecisionKind — что сделать с сообщением после обработки.
type DecisionKind string

const (
	DecisionAck        DecisionKind = "ack"
	DecisionRetry      DecisionKind = "retry"
	DecisionDeadLetter DecisionKind = "dead_letter"
)

// Decision — явный результат обработки сообщения.
type Decision struct {
	Kind DecisionKind
	// Envelope заполнен для Retry и DeadLetter: его нужно опубликовать.
	Envelope Envelope
	Err      error
	// Сообщение уже обрабатывалось и было пропущено.
	Duplicate bool
}

// Handler обрабатывает одно сообщение.
type Handler func(ctx context.Context, msg Message) error

// EnvelopePublisher публикует повторные и dead-letter сообщения.
type EnvelopePublisher interface {
	Publish(ctx context.Context, env Envelope) (PublishResult, error)
}

// ConsumeObserver получает решения для метрик.
type ConsumeObserver interface {
	ObserveDecision(flow string, decision DecisionKind)
}

// ConsumerOption настраивает Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerLogger задаёт logger.
func WithConsumerLogger(logger *log.Entry) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithRouter задаёт publisher для повторных и dead-letter сообщений.
func WithRouter(router EnvelopePublisher) ConsumerOption {
	return func(c *Consumer) {
		c.router = router
	}
}

// WithInbox включает пропуск уже обработанных id сообщений.
func WithInbox(inbox domain.InboxRepository, ttl time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.inbox = inbox
		if ttl > 0 {
			c.inboxTTL = ttl
		}
	}
}

// WithConsumeObserver задаёт приёмник метрик.
func WithConsumeObserver(observer ConsumeObserver) ConsumerOption {
	return func(c *Consumer) {
		c.observer = observer
	}
}

// Consumer — обёртка, добавляющая обработчику повторы и dead-letter.
type Consumer struct {
	flow     Flow
	handler  Handler
	router   EnvelopePublisher
	inbox    domain.InboxRepository
	inboxTTL time.Duration
	observer ConsumeObserver
	logger   *log.Entry
	now      func() time.Time
}

// Wrap оборачивает обработчик политикой повторов потока.
func Wrap(flow Flow, handler Handler, opts ...ConsumerOption) (*Consumer, error) {
	if err := flow.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: %s: handler is nil", ErrFlowInvalid, flow.Name)
	}

	c := &Consumer{
		flow:     flow,
		handler:  handler,
		inboxTTL: defaultInboxTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.WithField("component", "consumer").WithField("flow", flow.Name)
	}
	return c, nil
}

// Flow возвращает конфигурацию потока.
func (c *Consumer) Flow() Flow {
	return c.flow
}

// Handle вызывает обработчик и решает судьбу сообщения, ничего не публикуя.
func (c *Consumer) Handle(ctx context.Context, msg Message) Decision {
	if c.inbox != nil && msg.ID != "" {
		seen, err := c.inbox.Seen(ctx, c.flow.Name, msg.ID)
		if err != nil {
			c.logger.WithError(err).WithField("message_id", msg.ID).Warn("inbox lookup failed, processing anyway")
		} else if seen {
			c.logger.WithField("message_id", msg.ID).Debug("duplicate message skipped")
			return Decision{Kind: DecisionAck, Duplicate: true}
		}
	}

	err := c.handler(ctx, msg)
	if err == nil {
		c.markProcessed(ctx, msg)
		return Decision{Kind: DecisionAck}
	}

	count := msg.RedeliveryCount()
	entry := c.logger.WithError(err).WithFields(log.Fields{
		"message_id":       msg.ID,
		"redelivery_count": count,
		"max_redeliveries": c.flow.MaxRedeliveries,
	})

	if count < c.flow.MaxRedeliveries && !errors.Is(err, ErrPermanent) {
		entry.Warn("message processing failed, scheduling redelivery")
		return Decision{Kind: DecisionRetry, Envelope: c.retryEnvelope(msg, count), Err: err}
	}

	entry.Error("message processing failed, routing to final destination")
	return Decision{Kind: DecisionDeadLetter, Envelope: c.deadLetterEnvelope(msg, err), Err: err}
}

// Process обрабатывает сообщение и публикует повтор или dead-letter.
// Ошибка означает, что сообщение нельзя подтверждать: маршрутизация не удалась.
func (c *Consumer) Process(ctx context.Context, msg Message) (Decision, error) {
	decision := c.Handle(ctx, msg)
	if c.observer != nil {
		c.observer.ObserveDecision(c.flow.Name, decision.Kind)
	}
	if decision.Kind == DecisionAck {
		return decision, nil
	}
	if c.router == nil {
		return decision, fmt.Errorf("flow %s: no router for %s decision", c.flow.Name, decision.Kind)
	}
	if _, err := c.router.Publish(ctx, decision.Envelope); err != nil {
		return decision, fmt.Errorf("flow %s: route %s: %w", c.flow.Name, decision.Kind, err)
	}
	return decision, nil
}

func (c *Consumer) retryEnvelope(msg Message, count int) Envelope {
	headers := msg.Clone().Headers
	headers[domain.HeaderRedeliveryCount] = strconv.Itoa(count + 1)
	// x-delay/x-deliver-at прошлой доставки не должны переживать повтор.
	delete(headers, domain.HeaderDelay)
	delete(headers, domain.HeaderDeliverAt)

	return Envelope{
		ID:              msg.ID,
		Route:           c.flow.RetryRoute(),
		Payload:         msg.Payload,
		Headers:         headers,
		Delay:           c.flow.RetryDelay,
		RedeliveryCount: count + 1,
	}
}

func (c *Consumer) deadLetterEnvelope(msg Message, cause error) Envelope {
	headers := msg.Clone().Headers
	delete(headers, domain.HeaderDelay)
	delete(headers, domain.HeaderDeliverAt)

	setDefault(headers, domain.HeaderBusinessType, c.flow.BusinessType)
	if c.flow.BusinessKey != nil {
		if key := c.flow.BusinessKey(msg.Payload); key != "" {
			setDefault(headers, domain.HeaderBusinessKey, key)
		}
	}
	headers[domain.HeaderOriginalExchange] = msg.Route.Exchange
	headers[domain.HeaderOriginalRouting] = msg.Route.RoutingKey
	if msg.Queue != "" {
		headers[domain.HeaderOriginalQueue] = msg.Queue
	}
	headers[domain.HeaderErrorMessage] = cause.Error()
	headers[domain.HeaderFailedAt] = formatTime(c.now())

	return Envelope{
		ID:              msg.ID,
		Route:           c.flow.Final,
		Payload:         msg.Payload,
		Headers:         headers,
		RedeliveryCount: msg.RedeliveryCount(),
	}
}

func (c *Consumer) markProcessed(ctx context.Context, msg Message) {
	if c.inbox == nil || msg.ID == "" {
		return
	}
	now := c.now()
	err := c.inbox.MarkProcessed(ctx, domain.ProcessedMessage{
		Consumer:    c.flow.Name,
		MessageID:   msg.ID,
		ProcessedAt: now,
		ExpiresAt:   now.Add(c.inboxTTL),
	})
	if err != nil {
		c.logger.WithError(err).WithField("message_id", msg.ID).Warn("failed to record processed message")
	}
}
