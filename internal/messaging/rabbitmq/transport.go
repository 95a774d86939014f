// Package rabbitmq подключает messaging к RabbitMQ: publisher confirms,
// отложенная доставка через плагин delayed-message-exchange и раннер потребителей.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/GALA-Lin/service-sub006/internal/domain"
	"github.com/GALA-Lin/service-sub006/internal/messaging"
)

// ErrNack — брокер отверг сообщение.
var ErrNack = errors.New("rabbitmq nacked message")

// Transport публикует сообщения и ждёт подтверждения брокера.
type Transport struct {
	conn    *amqp.Connection
	mu      sync.Mutex
	ch      *amqp.Channel
	delayed bool
	logger  *log.Entry
}

var _ messaging.Transport = (*Transport)(nil)

// Dial открывает соединение и канал в режиме подтверждений.
// delayed включает атрибут x-delay для отложенных сообщений.
func Dial(url string, delayed bool, logger *log.Entry) (*Transport, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	if logger == nil {
		logger = log.WithField("component", "rabbitmq-transport")
	}
	return &Transport{conn: conn, ch: ch, delayed: delayed, logger: logger}, nil
}

// Connection возвращает соединение для раннера потребителей.
func (t *Transport) Connection() *amqp.Connection {
	return t.conn
}

// Send реализует messaging.Transport.
func (t *Transport) Send(ctx context.Context, msg messaging.Message) error {
	publishing := toPublishing(msg, t.delayed)

	t.mu.Lock()
	confirm, err := t.ch.PublishWithDeferredConfirmWithContext(ctx, msg.Route.Exchange, msg.Route.RoutingKey, false, false, publishing)
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", msg.Route, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("wait confirm for %s: %w", msg.ID, err)
	}
	if !acked {
		return fmt.Errorf("%w: %s", ErrNack, msg.ID)
	}

	t.logger.WithFields(log.Fields{
		"message_id":  msg.ID,
		"exchange":    msg.Route.Exchange,
		"routing_key": msg.Route.RoutingKey,
	}).Debug("message confirmed by rabbitmq")
	return nil
}

// Ping проверяет, что соединение живо.
func (t *Transport) Ping(context.Context) error {
	if t.conn == nil || t.conn.IsClosed() {
		return errors.New("rabbitmq connection is closed")
	}
	return nil
}

// Close закрывает канал и соединение.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch != nil {
		_ = t.ch.Close()
	}
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

func toPublishing(msg messaging.Message, delayed bool) amqp.Publishing {
	headers := make(amqp.Table, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	delete(headers, domain.HeaderDelay)
	if delayed && msg.Delay > 0 {
		// Плагин ожидает целое число миллисекунд.
		headers[domain.HeaderDelay] = msg.Delay.Milliseconds()
	}

	contentType := msg.Header("content-type")
	if contentType == "" {
		contentType = "application/json"
	}

	return amqp.Publishing{
		Headers:       headers,
		ContentType:   contentType,
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.ID,
		CorrelationId: msg.Header(domain.HeaderCorrelationID),
		Timestamp:     msg.Timestamp,
		Body:          msg.Payload,
	}
}

// fromDelivery переводит доставку AMQP во входящее сообщение.
func fromDelivery(d amqp.Delivery, queue string) messaging.Message {
	headers := make(map[string]string, len(d.Headers)+2)
	for k, v := range d.Headers {
		if k == "x-death" {
			continue
		}
		headers[k] = headerString(v)
	}

	id := d.MessageId
	if id == "" {
		id = headers[domain.HeaderMessageID]
	}
	if d.CorrelationId != "" {
		if _, ok := headers[domain.HeaderCorrelationID]; !ok {
			headers[domain.HeaderCorrelationID] = d.CorrelationId
		}
	}
	if _, ok := headers[domain.HeaderRedeliveryCount]; !ok {
		// Сообщение вернулось через DLX брокера: считаем по x-death.
		if count := deathCount(d.Headers); count > 0 {
			headers[domain.HeaderRedeliveryCount] = strconv.FormatInt(count, 10)
		}
	}

	return messaging.Message{
		ID:        id,
		Route:     messaging.Route{Exchange: d.Exchange, RoutingKey: d.RoutingKey},
		Payload:   d.Body,
		Headers:   headers,
		Timestamp: d.Timestamp,
		Queue:     queue,
	}
}

func headerString(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case []byte:
		return string(value)
	case int64:
		return strconv.FormatInt(value, 10)
	case int32:
		return strconv.FormatInt(int64(value), 10)
	case int:
		return strconv.Itoa(value)
	default:
		return fmt.Sprint(value)
	}
}

// deathCount суммирует счётчики x-death, которые брокер ведёт сам.
func deathCount(headers amqp.Table) int64 {
	raw, ok := headers["x-death"]
	if !ok {
		return 0
	}
	deaths, ok := raw.([]any)
	if !ok {
		return 0
	}

	var total int64
	for _, item := range deaths {
		table, ok := item.(amqp.Table)
		if !ok {
			continue
		}
		switch c := table["count"].(type) {
		case int64:
			total += c
		case int32:
			total += int64(c)
		case int:
			total += int64(c)
		}
	}
	return total
}
