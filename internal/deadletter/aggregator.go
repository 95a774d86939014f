// Package deadletter собирает сообщения, исчерпавшие повторы, в агрегированный лог.
package deadletter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/GALA-Lin/service-sub006/internal/domain"
	"github.com/GALA-Lin/service-sub006/internal/messaging"
)

// ErrUnresolvedClassification — у сообщения нет x-business-type.
var ErrUnresolvedClassification = errors.New("dead letter without business type")

// Источники ключа бизнес-сущности, в порядке приоритета.
const (
	KeySourceHeader      = "header"
	KeySourceMessageID   = "message_id"
	KeySourceCorrelation = "correlation_id"
	KeySourceBodyHash    = "body_hash"
)

// Итоги обработки для метрик.
const (
	OutcomeRecorded     = "recorded"
	OutcomeUnclassified = "unclassified"
	OutcomeStoreFailed  = "store_failed"
)

// Observer получает итоги агрегации.
type Observer interface {
	ObserveDeadLetter(businessType, outcome string)
}

// Option настраивает Aggregator.
type Option func(*Aggregator)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// WithObserver задаёт приёмник метрик.
func WithObserver(observer Observer) Option {
	return func(a *Aggregator) {
		a.observer = observer
	}
}

// Aggregator записывает dead-letter сообщения в лог с дедупликацией
// по паре (business type, business key).
type Aggregator struct {
	repo     domain.DeadLetterRepository
	observer Observer
	logger   *log.Entry
	now      func() time.Time
}

// NewAggregator создаёт агрегатор поверх репозитория.
func NewAggregator(repo domain.DeadLetterRepository, opts ...Option) *Aggregator {
	a := &Aggregator{
		repo: repo,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = log.WithField("component", "dead-letter-aggregator")
	}
	return a
}

// Classify определяет тип и ключ бизнес-сущности сообщения.
func Classify(msg messaging.Message) (businessType, businessKey, source string, err error) {
	businessType = msg.Header(domain.HeaderBusinessType)
	if businessType == "" {
		return "", "", "", ErrUnresolvedClassification
	}

	switch {
	case msg.Header(domain.HeaderBusinessKey) != "":
		return businessType, msg.Header(domain.HeaderBusinessKey), KeySourceHeader, nil
	case msg.ID != "":
		return businessType, msg.ID, KeySourceMessageID, nil
	case msg.Header(domain.HeaderMessageID) != "":
		return businessType, msg.Header(domain.HeaderMessageID), KeySourceMessageID, nil
	case msg.Header(domain.HeaderCorrelationID) != "":
		return businessType, msg.Header(domain.HeaderCorrelationID), KeySourceCorrelation, nil
	}

	sum := sha256.Sum256(msg.Payload)
	return businessType, "sha256:" + hex.EncodeToString(sum[:]), KeySourceBodyHash, nil
}

// Record классифицирует сообщение и выполняет upsert записи лога.
func (a *Aggregator) Record(ctx context.Context, msg messaging.Message) (domain.DeadLetterEntry, error) {
	businessType, businessKey, source, err := Classify(msg)
	if err != nil {
		a.observe("", OutcomeUnclassified)
		return domain.DeadLetterEntry{}, fmt.Errorf("message %q from %s: %w", msg.ID, msg.Route, err)
	}

	exchange := firstNonEmpty(msg.Header(domain.HeaderOriginalExchange), msg.Route.Exchange)
	routingKey := firstNonEmpty(msg.Header(domain.HeaderOriginalRouting), msg.Route.RoutingKey)
	queue := firstNonEmpty(msg.Header(domain.HeaderOriginalQueue), msg.Queue)

	now := a.now()
	entry, err := a.repo.Upsert(ctx, domain.DeadLetterEntry{
		BusinessType:    businessType,
		BusinessKey:     businessKey,
		Queue:           queue,
		Exchange:        exchange,
		RoutingKey:      routingKey,
		Payload:         msg.Payload,
		Headers:         msg.Clone().Headers,
		RedeliveryCount: msg.RedeliveryCount(),
		LastError:       msg.Header(domain.HeaderErrorMessage),
		FirstSeenAt:     now,
		LastSeenAt:      now,
	})
	if err != nil {
		a.observe(businessType, OutcomeStoreFailed)
		return domain.DeadLetterEntry{}, fmt.Errorf("upsert dead letter %s/%s: %w", businessType, businessKey, err)
	}

	a.observe(businessType, OutcomeRecorded)
	a.logger.WithFields(log.Fields{
		"business_type": businessType,
		"business_key":  businessKey,
		"key_source":    source,
		"occurrences":   entry.OccurrenceCount,
		"exchange":      exchange,
		"routing_key":   routingKey,
	}).Warn("dead letter recorded")
	return entry, nil
}

// Handle — обработчик для messaging.Wrap. Всегда подтверждает сообщение:
// ошибки агрегации только логируются, чтобы очередь не росла бесконечно.
func (a *Aggregator) Handle(ctx context.Context, msg messaging.Message) error {
	if _, err := a.Record(ctx, msg); err != nil {
		entry := a.logger.WithError(err).WithFields(log.Fields{
			"message_id":  msg.ID,
			"exchange":    msg.Route.Exchange,
			"routing_key": msg.Route.RoutingKey,
		})
		if errors.Is(err, ErrUnresolvedClassification) {
			entry.Error("dead letter has no business type, dropping")
		} else {
			entry.Error("failed to record dead letter, dropping")
		}
	}
	return nil
}

func (a *Aggregator) observe(businessType, outcome string) {
	if a.observer != nil {
		a.observer.ObserveDeadLetter(businessType, outcome)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
