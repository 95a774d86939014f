package rabbitmq

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/GALA-Lin/service-sub006/internal/messaging"
)

const (
	exchangeTopic   = "topic"
	exchangeDelayed = "x-delayed-message"
	defaultPrefetch = 8
)

// exchangeSpec описывает объявление exchange.
type exchangeSpec struct {
	name string
	kind string
	args amqp.Table
}

// exchangesFor возвращает exchange потока: основной и повторный умеют
// отложенную доставку, финальный остаётся обычным topic.
func exchangesFor(flow messaging.Flow, delayed bool) []exchangeSpec {
	deferrable := func(name string) exchangeSpec {
		if !delayed || flow.Sink {
			return exchangeSpec{name: name, kind: exchangeTopic}
		}
		return exchangeSpec{name: name, kind: exchangeDelayed, args: amqp.Table{"x-delayed-type": exchangeTopic}}
	}

	specs := []exchangeSpec{deferrable(flow.Primary.Exchange)}
	if retry := flow.RetryRoute(); retry.Exchange != flow.Primary.Exchange {
		specs = append(specs, deferrable(retry.Exchange))
	}
	if flow.Final.Exchange != flow.Primary.Exchange && flow.Final.Exchange != flow.RetryRoute().Exchange {
		specs = append(specs, exchangeSpec{name: flow.Final.Exchange, kind: exchangeTopic})
	}
	return specs
}

// DeclareFlow объявляет exchange, очереди и привязки потока.
func DeclareFlow(ch *amqp.Channel, flow messaging.Flow, delayed bool) error {
	for _, ex := range exchangesFor(flow, delayed) {
		if err := ch.ExchangeDeclare(ex.name, ex.kind, true, false, false, false, ex.args); err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}

	if _, err := ch.QueueDeclare(flow.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", flow.Queue, err)
	}
	if err := ch.QueueBind(flow.Queue, flow.Primary.RoutingKey, flow.Primary.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind %s to %s: %w", flow.Queue, flow.Primary, err)
	}
	if retry := flow.RetryRoute(); retry != flow.Primary {
		if err := ch.QueueBind(flow.Queue, retry.RoutingKey, retry.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", flow.Queue, retry, err)
		}
	}

	if flow.FinalQueue != "" {
		if _, err := ch.QueueDeclare(flow.FinalQueue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", flow.FinalQueue, err)
		}
		if err := ch.QueueBind(flow.FinalQueue, flow.Final.RoutingKey, flow.Final.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", flow.FinalQueue, flow.Final, err)
		}
	}
	return nil
}

// Runner читает очереди потоков и исполняет решения обёртки.
type Runner struct {
	conn      *amqp.Connection
	consumers []*messaging.Consumer
	delayed   bool
	prefetch  int
	logger    *log.Entry
	wg        sync.WaitGroup
}

// NewRunner создаёт раннер поверх открытого соединения.
func NewRunner(conn *amqp.Connection, delayed bool, prefetch int, logger *log.Entry, consumers ...*messaging.Consumer) *Runner {
	if logger == nil {
		logger = log.WithField("component", "rabbitmq-runner")
	}
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}
	return &Runner{
		conn:      conn,
		consumers: consumers,
		delayed:   delayed,
		prefetch:  prefetch,
		logger:    logger,
	}
}

// Start объявляет топологию и запускает по горутине на поток.
func (r *Runner) Start(ctx context.Context) error {
	for _, consumer := range r.consumers {
		ch, err := r.conn.Channel()
		if err != nil {
			return fmt.Errorf("open channel for %s: %w", consumer.Flow().Name, err)
		}
		if err := DeclareFlow(ch, consumer.Flow(), r.delayed); err != nil {
			_ = ch.Close()
			return err
		}
		if err := ch.Qos(r.prefetch, 0, false); err != nil {
			_ = ch.Close()
			return fmt.Errorf("set qos for %s: %w", consumer.Flow().Name, err)
		}

		deliveries, err := ch.ConsumeWithContext(ctx, consumer.Flow().Queue, consumer.Flow().Name, false, false, false, false, nil)
		if err != nil {
			_ = ch.Close()
			return fmt.Errorf("consume %s: %w", consumer.Flow().Queue, err)
		}

		r.wg.Add(1)
		go r.consume(ctx, ch, consumer, deliveries)
	}

	r.logger.WithField("flows", len(r.consumers)).Info("rabbitmq consumers started")
	return nil
}

func (r *Runner) consume(ctx context.Context, ch *amqp.Channel, consumer *messaging.Consumer, deliveries <-chan amqp.Delivery) {
	defer r.wg.Done()
	defer ch.Close()

	flow := consumer.Flow()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				r.logger.WithField("flow", flow.Name).Warn("delivery channel closed")
				return
			}

			msg := fromDelivery(d, flow.Queue)
			if _, err := consumer.Process(ctx, msg); err != nil {
				r.logger.WithError(err).WithFields(log.Fields{
					"flow":       flow.Name,
					"message_id": msg.ID,
				}).Error("failed to route message, requeueing")
				_ = d.Nack(false, true)
				continue
			}
			if err := d.Ack(false); err != nil {
				r.logger.WithError(err).WithField("message_id", msg.ID).Warn("ack failed")
			}
		}
	}
}

// Wait блокируется, пока все потоки не остановятся.
func (r *Runner) Wait() {
	r.wg.Wait()
}
