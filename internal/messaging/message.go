// Package messaging реализует надёжную публикацию и повторную обработку сообщений
// поверх брокера. Конкретные брокеры подключаются через Transport.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/GALA-Lin/service-sub006/internal/domain"
)

// Route — пара exchange + routing key. Для Kafka exchange задаёт топик.
type Route struct {
	Exchange   string
	RoutingKey string
}

// IsZero сообщает, что маршрут не задан.
func (r Route) IsZero() bool {
	return r.Exchange == "" && r.RoutingKey == ""
}

func (r Route) String() string {
	return r.Exchange + "/" + r.RoutingKey
}

// WildcardKey — routing key, под который попадает любое сообщение exchange.
const WildcardKey = "#"

// Wildcard возвращает маршрут со всеми routing key того же exchange.
func (r Route) Wildcard() Route {
	return Route{Exchange: r.Exchange, RoutingKey: WildcardKey}
}

// Message — сообщение в том виде, в котором его видит транспорт.
type Message struct {
	ID      string
	Route   Route
	Payload []byte
	Headers map[string]string
	// Задержка доставки; транспорт переводит её в свой атрибут.
	Delay     time.Duration
	Timestamp time.Time
	// Queue заполняется только у входящих сообщений.
	Queue string
}

// Header возвращает значение заголовка или пустую строку.
func (m Message) Header(name string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[name]
}

// Clone возвращает копию с независимой картой заголовков.
func (m Message) Clone() Message {
	out := m
	out.Headers = make(map[string]string, len(m.Headers))
	for k, v := range m.Headers {
		out.Headers[k] = v
	}
	return out
}

// RedeliveryCount читает x-redelivery-count. Отсутствующий или испорченный
// заголовок трактуется как первая доставка.
func (m Message) RedeliveryCount() int {
	raw := m.Header(domain.HeaderRedeliveryCount)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Transport доставляет сообщение брокеру. nil означает подтверждение брокером.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// ErrTransportClosed возвращается транспортом после Close.
var ErrTransportClosed = errors.New("transport closed")

// ErrPermanent помечает ошибку обработчика, которую бессмысленно повторять.
var ErrPermanent = errors.New("permanent failure")

// Permanent оборачивает ошибку так, что сообщение сразу уходит в финальный маршрут.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseDeliverAt читает x-deliver-at; нулевое время, если заголовка нет.
func ParseDeliverAt(m Message) time.Time {
	raw := m.Header(domain.HeaderDeliverAt)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
