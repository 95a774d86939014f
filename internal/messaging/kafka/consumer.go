package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/GALA-Lin/service-sub006/internal/domain"
	"github.com/GALA-Lin/service-sub006/internal/messaging"
)

const defaultRouteBackoff = time.Second

// Consumer читает топики потоков и передаёт сообщения обёрткам messaging.Consumer
type Consumer struct {
	consumer     sarama.ConsumerGroup
	topics       []string
	routes       map[messaging.Route]*messaging.Consumer
	logger       *log.Entry
	wg           sync.WaitGroup
	routeBackoff time.Duration
	now          func() time.Time
}

// NewConsumer создает consumer group для набора потоков
func NewConsumer(brokers []string, groupID string, flows ...*messaging.Consumer) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	return newConsumer(group, flows...), nil
}

func newConsumer(group sarama.ConsumerGroup, flows ...*messaging.Consumer) *Consumer {
	c := &Consumer{
		consumer:     group,
		routes:       make(map[messaging.Route]*messaging.Consumer),
		logger:       log.WithField("component", "kafka-consumer"),
		routeBackoff: defaultRouteBackoff,
		now:          time.Now,
	}

	seenTopics := make(map[string]struct{})
	for _, flow := range flows {
		cfg := flow.Flow()
		for _, route := range []messaging.Route{cfg.Primary, cfg.RetryRoute()} {
			c.routes[route] = flow
			if _, ok := seenTopics[route.Exchange]; !ok {
				seenTopics[route.Exchange] = struct{}{}
				c.topics = append(c.topics, route.Exchange)
			}
		}
	}
	return c
}

// Start запускает consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			// Consume должен вызываться в цикле, так как при rebalance он завершается
			if err := c.consumer.Consume(ctx, c.topics, c); err != nil {
				c.logger.WithError(err).Error("error from consumer")
			}

			if ctx.Err() != nil {
				return
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range c.consumer.Errors() {
			c.logger.WithError(err).Error("consumer error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

// Stop останавливает consumer
func (c *Consumer) Stop() error {
	if err := c.consumer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

// Setup вызывается при старте consumer session
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup вызывается при завершении consumer session
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim обрабатывает сообщения из partition.
// Сообщение с x-deliver-at в будущем паркуется и не задерживает следующие за ним.
// Коммит двигается только до первого необработанного офсета: запаркованное
// сообщение, потерянное при rebalance или рестарте, будет прочитано заново.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	offsets := newOffsetTracker()
	var parked delayQueue
	defer func() {
		if parked.Len() > 0 {
			c.logger.WithFields(log.Fields{
				"topic":     claim.Topic(),
				"partition": claim.Partition(),
				"parked":    parked.Len(),
			}).Info("claim released with parked messages, they will be redelivered")
		}
	}()

	done := func(message *sarama.ConsumerMessage) {
		session.MarkOffset(message.Topic, message.Partition, offsets.done(message.Offset), "")
	}

	for {
		var (
			timer *time.Timer
			due   <-chan time.Time
		)
		if at, ok := parked.Next(); ok {
			timer = time.NewTimer(max(at.Sub(c.now()), 0))
			due = timer.C
		}

		select {
		case message, ok := <-claim.Messages():
			stopTimer(timer)
			if !ok || message == nil {
				return nil
			}
			offsets.start(message.Offset)
			if at := messaging.ParseDeliverAt(fromConsumerMessage(message)); at.After(c.now()) {
				parked.Push(at, message)
				c.logger.WithFields(log.Fields{
					"topic":      message.Topic,
					"partition":  message.Partition,
					"offset":     message.Offset,
					"deliver_at": at,
				}).Debug("message parked until deliver-at")
				continue
			}
			if !c.handle(ctx, message) {
				// Контекст сессии закрыт: офсет не двигаем, сообщение перечитают.
				return nil
			}
			done(message)

		case <-due:
			for _, message := range parked.PopDue(c.now()) {
				if !c.handle(ctx, message) {
					return nil
				}
				done(message)
			}

		case <-ctx.Done():
			stopTimer(timer)
			return nil
		}
	}
}

// handle возвращает false, если обработку прервала отмена контекста.
func (c *Consumer) handle(ctx context.Context, message *sarama.ConsumerMessage) bool {
	msg := fromConsumerMessage(message)
	flow, ok := c.routes[msg.Route]
	if !ok {
		flow, ok = c.routes[msg.Route.Wildcard()]
	}
	if !ok {
		c.logger.WithFields(log.Fields{
			"topic":       message.Topic,
			"routing_key": msg.Route.RoutingKey,
		}).Debug("no flow for route, skipping")
		return true
	}
	msg.Queue = flow.Flow().Queue

	for {
		_, err := flow.Process(ctx, msg)
		if err == nil {
			return true
		}
		c.logger.WithError(err).WithFields(log.Fields{
			"topic":      message.Topic,
			"partition":  message.Partition,
			"offset":     message.Offset,
			"message_id": msg.ID,
		}).Error("failed to route message, will retry")

		if !sleepUntil(ctx, c.now().Add(c.routeBackoff), c.now) {
			return false
		}
	}
}

func stopTimer(timer *time.Timer) {
	if timer != nil {
		timer.Stop()
	}
}

func sleepUntil(ctx context.Context, at time.Time, now func() time.Time) bool {
	wait := at.Sub(now())
	if wait <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func fromConsumerMessage(message *sarama.ConsumerMessage) messaging.Message {
	headers := make(map[string]string, len(message.Headers))
	for _, h := range message.Headers {
		if h == nil {
			continue
		}
		headers[string(h.Key)] = string(h.Value)
	}

	routingKey := headers[HeaderRoutingKey]
	delete(headers, HeaderRoutingKey)

	id := headers[domain.HeaderMessageID]
	if id == "" {
		id = fmt.Sprintf("%s-%d-%d", message.Topic, message.Partition, message.Offset)
	}

	return messaging.Message{
		ID:        id,
		Route:     messaging.Route{Exchange: message.Topic, RoutingKey: routingKey},
		Payload:   message.Value,
		Headers:   headers,
		Timestamp: message.Timestamp,
	}
}
