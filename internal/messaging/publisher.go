package messaging

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/GALA-Lin/service-sub006/internal/domain"
)

const (
	defaultCorrelationTTL = 24 * time.Hour
	defaultConfirmTimeout = 5 * time.Second
)

// Результаты публикации для PublishObserver.
const (
	PublishConfirmed   = "confirmed"
	PublishUnconfirmed = "unconfirmed"
	PublishStoreFailed = "store_failed"
)

// ErrUnconfirmed — брокер не подтвердил сообщение; запись корреляции сохранена.
var ErrUnconfirmed = errors.New("publish not confirmed")

// Envelope — то, что вызывающий код хочет опубликовать.
type Envelope struct {
	// Идентификатор сообщения; генерируется, если пуст.
	ID      string
	Route   Route
	Payload []byte
	Headers map[string]string
	Delay   time.Duration
	// RedeliveryCount проставляется в x-redelivery-count, если заголовок не задан.
	RedeliveryCount int
}

// PublishResult описывает исход публикации.
type PublishResult struct {
	MessageID string
	Confirmed bool
}

// PublishObserver получает исходы публикаций для метрик.
type PublishObserver interface {
	ObservePublish(result string)
}

// PublisherOption настраивает Publisher.
type PublisherOption func(*Publisher)

// WithPublisherLogger задаёт logger.
func WithPublisherLogger(logger *log.Entry) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithCorrelationTTL задаёт срок жизни записи корреляции.
func WithCorrelationTTL(ttl time.Duration) PublisherOption {
	return func(p *Publisher) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// WithConfirmTimeout ограничивает ожидание подтверждения брокером.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		if timeout > 0 {
			p.confirmTimeout = timeout
		}
	}
}

// WithPublishObserver задаёт приёмник метрик.
func WithPublishObserver(observer PublishObserver) PublisherOption {
	return func(p *Publisher) {
		p.observer = observer
	}
}

// Publisher сначала сохраняет запись корреляции, затем отправляет сообщение.
// Запись удаляется после подтверждения; неподтверждённые повторяет replay-воркер.
type Publisher struct {
	transport      Transport
	store          domain.CorrelationStore
	logger         *log.Entry
	observer       PublishObserver
	ttl            time.Duration
	confirmTimeout time.Duration
	now            func() time.Time
}

// NewPublisher создаёт Publisher.
func NewPublisher(transport Transport, store domain.CorrelationStore, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		transport:      transport,
		store:          store,
		ttl:            defaultCorrelationTTL,
		confirmTimeout: defaultConfirmTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = log.WithField("component", "message-publisher")
	}
	return p
}

// Publish сохраняет корреляцию и отправляет сообщение. При неподтверждённой
// отправке возвращает ошибку, оборачивающую ErrUnconfirmed; запись остаётся.
func (p *Publisher) Publish(ctx context.Context, env Envelope) (PublishResult, error) {
	now := p.now()
	msg := buildMessage(env, now)

	correlation := domain.MessageCorrelation{
		ID:              msg.ID,
		Exchange:        msg.Route.Exchange,
		RoutingKey:      msg.Route.RoutingKey,
		Payload:         msg.Payload,
		Headers:         msg.Headers,
		RedeliveryCount: env.RedeliveryCount,
		Delayed:         msg.Delay > 0,
		Delay:           msg.Delay,
		CreatedAt:       now,
		ExpiresAt:       now.Add(p.ttl),
	}
	if err := p.store.Save(ctx, correlation); err != nil {
		p.observe(PublishStoreFailed)
		return PublishResult{MessageID: msg.ID}, fmt.Errorf("save correlation %s: %w", msg.ID, err)
	}

	return p.send(ctx, msg, correlation)
}

// Republish повторно отправляет сообщение из записи корреляции с тем же id.
func (p *Publisher) Republish(ctx context.Context, c domain.MessageCorrelation) (PublishResult, error) {
	msg := Message{
		ID:        c.ID,
		Route:     Route{Exchange: c.Exchange, RoutingKey: c.RoutingKey},
		Payload:   c.Payload,
		Headers:   c.Headers,
		Timestamp: p.now(),
	}
	if c.Delayed {
		// Учитываем время, которое сообщение уже провело в хранилище.
		remaining := c.Delay - p.now().Sub(c.CreatedAt)
		if remaining > 0 {
			msg.Delay = remaining
		}
	}

	c.Attempts++
	if err := p.store.Save(ctx, c); err != nil {
		p.logger.WithError(err).WithField("message_id", c.ID).Warn("failed to update correlation attempts")
	}

	return p.send(ctx, msg, c)
}

func (p *Publisher) send(ctx context.Context, msg Message, c domain.MessageCorrelation) (PublishResult, error) {
	sendCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	result := PublishResult{MessageID: msg.ID}
	if err := p.transport.Send(sendCtx, msg); err != nil {
		p.observe(PublishUnconfirmed)
		p.logger.WithError(err).WithFields(log.Fields{
			"message_id":  msg.ID,
			"exchange":    msg.Route.Exchange,
			"routing_key": msg.Route.RoutingKey,
			"attempts":    c.Attempts,
		}).Warn("publish not confirmed, correlation kept for replay")
		return result, fmt.Errorf("%w: %w", ErrUnconfirmed, err)
	}

	result.Confirmed = true
	p.observe(PublishConfirmed)

	if err := p.store.Delete(ctx, msg.ID); err != nil && !errors.Is(err, domain.ErrCorrelationNotFound) {
		// Запись истечёт по TTL; в худшем случае replay отправит дубликат,
		// который отсеет inbox потребителя.
		p.logger.WithError(err).WithField("message_id", msg.ID).Warn("failed to delete correlation")
	}

	return result, nil
}

func (p *Publisher) observe(result string) {
	if p.observer != nil {
		p.observer.ObservePublish(result)
	}
}

// buildMessage сливает заголовки: значения вызывающего кода не перезаписываются.
func buildMessage(env Envelope, now time.Time) Message {
	headers := make(map[string]string, len(env.Headers)+3)
	for k, v := range env.Headers {
		headers[k] = v
	}

	id := env.ID
	if id == "" {
		id = headers[domain.HeaderMessageID]
	}
	if id == "" {
		id = uuid.NewString()
	}

	setDefault(headers, domain.HeaderMessageID, id)
	setDefault(headers, domain.HeaderRedeliveryCount, strconv.Itoa(env.RedeliveryCount))
	if env.Delay > 0 {
		setDefault(headers, domain.HeaderDelay, strconv.FormatInt(env.Delay.Milliseconds(), 10))
	}

	return Message{
		ID:        id,
		Route:     env.Route,
		Payload:   env.Payload,
		Headers:   headers,
		Delay:     env.Delay,
		Timestamp: now,
	}
}

func setDefault(headers map[string]string, key, value string) {
	if _, ok := headers[key]; !ok {
		headers[key] = value
	}
}
