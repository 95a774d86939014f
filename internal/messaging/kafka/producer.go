// Package kafka подключает messaging к Kafka через sarama.
// Exchange маршрута задаёт топик, routing key передаётся заголовком.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/GALA-Lin/service-sub006/internal/domain"
	"github.com/GALA-Lin/service-sub006/internal/messaging"
)

// HeaderRoutingKey переносит routing key, которого нет в модели Kafka.
const HeaderRoutingKey = "x-routing-key"

// Producer отправляет сообщения в Kafka синхронно и реализует messaging.Transport.
type Producer struct {
	producer sarama.SyncProducer
	logger   *log.Entry
	now      func() time.Time
}

var _ messaging.Transport = (*Producer)(nil)

// producerConfig включает идемпотентную запись с подтверждением всех реплик:
// Send считает сообщение доставленным только после ack от лидера и ISR.
func producerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = "booking-service"
	cfg.Producer.Idempotent = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 200 * time.Millisecond
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Net.MaxOpenRequests = 1
	return cfg
}

// NewProducer подключается к брокерам Kafka.
func NewProducer(brokers []string) (*Producer, error) {
	sp, err := sarama.NewSyncProducer(brokers, producerConfig())
	if err != nil {
		return nil, fmt.Errorf("connect kafka producer %v: %w", brokers, err)
	}
	return newProducer(sp, nil), nil
}

func newProducer(sp sarama.SyncProducer, logger *log.Entry) *Producer {
	if logger == nil {
		logger = log.WithField("component", "kafka-producer")
	}
	return &Producer{producer: sp, logger: logger, now: time.Now}
}

// Send возвращает управление после подтверждения брокером.
// Отложенная доставка кодируется заголовком x-deliver-at, его соблюдает Consumer.
func (p *Producer) Send(ctx context.Context, msg messaging.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	record := p.toProducerMessage(msg)
	fields := log.Fields{
		"topic":       record.Topic,
		"routing_key": msg.Route.RoutingKey,
		"message_id":  msg.ID,
	}

	partition, offset, err := p.producer.SendMessage(record)
	if err != nil {
		p.logger.WithError(err).WithFields(fields).Error("kafka rejected message")
		return fmt.Errorf("send to topic %s: %w", record.Topic, err)
	}
	p.logger.WithFields(fields).WithFields(log.Fields{"partition": partition, "offset": offset}).Debug("message stored in kafka")
	return nil
}

func (p *Producer) toProducerMessage(msg messaging.Message) *sarama.ProducerMessage {
	headers := make([]sarama.RecordHeader, 0, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		if k == domain.HeaderDeliverAt || k == HeaderRoutingKey {
			continue
		}
		headers = append(headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	headers = append(headers, sarama.RecordHeader{Key: []byte(HeaderRoutingKey), Value: []byte(msg.Route.RoutingKey)})
	if msg.Delay > 0 {
		deliverAt := p.now().Add(msg.Delay).UTC().Format(time.RFC3339Nano)
		headers = append(headers, sarama.RecordHeader{Key: []byte(domain.HeaderDeliverAt), Value: []byte(deliverAt)})
	}

	key := msg.Header(domain.HeaderBusinessKey)
	if key == "" {
		key = msg.ID
	}

	return &sarama.ProducerMessage{
		Topic:     msg.Route.Exchange,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(msg.Payload),
		Headers:   headers,
		Timestamp: p.now(),
	}
}

// Close дожидается отправки буфера и закрывает соединения.
func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}
