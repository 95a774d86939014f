package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/GALA-Lin/service-sub006/internal/messaging"
	"github.com/GALA-Lin/service-sub006/internal/messaging/kafka"
	"github.com/GALA-Lin/service-sub006/internal/messaging/rabbitmq"
)

// broker — транспорт публикации и запуск потребителей выбранного брокера.
type broker struct {
	name      string
	transport messaging.Transport

	loopback      *messaging.LoopbackTransport
	rabbit        *rabbitmq.Transport
	runner        *rabbitmq.Runner
	kafkaProducer *kafka.Producer
	kafkaConsumer *kafka.Consumer

	cfg    Config
	logger *log.Entry
}

// initBroker подключается к брокеру из конфигурации. Без брокера сообщения
// доставляются внутри процесса.
func initBroker(cfg Config, logger *log.Entry) (*broker, error) {
	b := &broker{name: cfg.Broker, cfg: cfg, logger: logger.WithField("broker", cfg.Broker)}

	switch cfg.Broker {
	case "", BrokerNone:
		b.name = BrokerNone
		b.loopback = messaging.NewLoopbackTransport(logger.WithField("component", "loopback-transport"))
		b.transport = b.loopback
		b.logger.Warn("no message broker configured, using in-process delivery")
	case BrokerRabbitMQ:
		transport, err := rabbitmq.Dial(cfg.AMQPURL, cfg.AMQPDelayed, logger.WithField("component", "rabbitmq-transport"))
		if err != nil {
			return nil, err
		}
		b.rabbit = transport
		b.transport = transport
		b.logger.Info("rabbitmq transport initialized")
	case BrokerKafka:
		producer, err := kafka.NewProducer(cfg.KafkaBrokers)
		if err != nil {
			return nil, err
		}
		b.kafkaProducer = producer
		b.transport = producer
		b.logger.WithField("brokers", cfg.KafkaBrokers).Info("kafka producer initialized")
	default:
		return nil, fmt.Errorf("unsupported broker %q", cfg.Broker)
	}
	return b, nil
}

// start запускает потребителей потоков.
func (b *broker) start(ctx context.Context, consumers []*messaging.Consumer) error {
	switch {
	case b.loopback != nil:
		for _, consumer := range consumers {
			b.loopback.Subscribe(consumer)
		}
	case b.rabbit != nil:
		b.runner = rabbitmq.NewRunner(b.rabbit.Connection(), b.cfg.AMQPDelayed, b.cfg.AMQPPrefetch,
			b.logger.WithField("component", "rabbitmq-runner"), consumers...)
		if err := b.runner.Start(ctx); err != nil {
			return fmt.Errorf("start rabbitmq consumers: %w", err)
		}
	case b.kafkaProducer != nil:
		consumer, err := kafka.NewConsumer(b.cfg.KafkaBrokers, b.cfg.KafkaGroupID, consumers...)
		if err != nil {
			return err
		}
		b.kafkaConsumer = consumer
		if err := consumer.Start(ctx); err != nil {
			return fmt.Errorf("start kafka consumer: %w", err)
		}
	}
	b.logger.WithField("flows", len(consumers)).Info("message consumers started")
	return nil
}

// ping проверяет соединение с брокером; nil означает, что проверка недоступна.
func (b *broker) ping() func(ctx context.Context) error {
	if b.rabbit != nil {
		return b.rabbit.Ping
	}
	return nil
}

// close останавливает потребителей, затем транспорт.
func (b *broker) close() {
	if b == nil {
		return
	}
	if b.kafkaConsumer != nil {
		if err := b.kafkaConsumer.Stop(); err != nil {
			b.logger.WithError(err).Warn("failed to stop kafka consumer")
		}
	}
	if b.kafkaProducer != nil {
		if err := b.kafkaProducer.Close(); err != nil {
			b.logger.WithError(err).Warn("failed to close kafka producer")
		} else {
			b.logger.Info("kafka producer closed")
		}
	}
	if b.rabbit != nil {
		if err := b.rabbit.Close(); err != nil {
			b.logger.WithError(err).Warn("failed to close rabbitmq transport")
		}
		if b.runner != nil {
			b.runner.Wait()
		}
	}
	if b.loopback != nil {
		_ = b.loopback.Close()
	}
}
