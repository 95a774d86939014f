package messaging

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// RecordingTransport запоминает отправленные сообщения. Используется в тестах.
type RecordingTransport struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

var _ Transport = (*RecordingTransport)(nil)

// NewRecordingTransport создаёт транспорт, который всегда подтверждает отправку.
func NewRecordingTransport() *RecordingTransport {
	return &RecordingTransport{}
}

// FailWith заставляет последующие Send возвращать err (nil снимает отказ).
func (t *RecordingTransport) FailWith(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
}

// Send реализует Transport.
func (t *RecordingTransport) Send(_ context.Context, msg Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.sent = append(t.sent, msg.Clone())
	return nil
}

// Sent возвращает копию отправленных сообщений.
func (t *RecordingTransport) Sent() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.sent))
	copy(out, t.sent)
	return out
}

// SentTo возвращает сообщения, отправленные в маршрут.
func (t *RecordingTransport) SentTo(route Route) []Message {
	var out []Message
	for _, msg := range t.Sent() {
		if msg.Route == route {
			out = append(out, msg)
		}
	}
	return out
}

// LoopbackTransport доставляет сообщения подписчикам внутри процесса.
// Заменяет брокер при локальном запуске без RabbitMQ и Kafka.
type LoopbackTransport struct {
	mu     sync.RWMutex
	subs   map[Route][]*Consumer
	timers map[*time.Timer]struct{}
	wg     sync.WaitGroup
	closed bool
	logger *log.Entry
}

var _ Transport = (*LoopbackTransport)(nil)

// NewLoopbackTransport создаёт внутрипроцессный транспорт.
func NewLoopbackTransport(logger *log.Entry) *LoopbackTransport {
	if logger == nil {
		logger = log.WithField("component", "loopback-transport")
	}
	return &LoopbackTransport{
		subs:   make(map[Route][]*Consumer),
		timers: make(map[*time.Timer]struct{}),
		logger: logger,
	}
}

// Subscribe подписывает потребителя на основной и повторный маршруты его потока.
func (t *LoopbackTransport) Subscribe(consumer *Consumer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	flow := consumer.Flow()
	t.subs[flow.Primary] = append(t.subs[flow.Primary], consumer)
	if retry := flow.RetryRoute(); retry != flow.Primary {
		t.subs[retry] = append(t.subs[retry], consumer)
	}
}

// SubscribeRoute подписывает потребителя на произвольный маршрут.
func (t *LoopbackTransport) SubscribeRoute(route Route, consumer *Consumer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs[route] = append(t.subs[route], consumer)
}

// Send реализует Transport: сообщение без подписчиков подтверждается и теряется,
// как в брокере без привязанных очередей.
func (t *LoopbackTransport) Send(_ context.Context, msg Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}

	consumers := t.subs[msg.Route]
	if len(consumers) == 0 {
		consumers = t.subs[msg.Route.Wildcard()]
	}
	if len(consumers) == 0 {
		t.logger.WithField("route", msg.Route.String()).Debug("no subscribers for route")
		return nil
	}

	for _, consumer := range consumers {
		t.schedule(consumer, msg.Clone())
	}
	return nil
}

func (t *LoopbackTransport) schedule(consumer *Consumer, msg Message) {
	t.wg.Add(1)
	deliver := func() {
		defer t.wg.Done()
		msg.Queue = consumer.Flow().Queue
		if _, err := consumer.Process(context.Background(), msg); err != nil {
			t.logger.WithError(err).WithField("message_id", msg.ID).Error("loopback delivery failed")
		}
	}

	if msg.Delay <= 0 {
		go deliver()
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(msg.Delay, func() {
		t.mu.Lock()
		delete(t.timers, timer)
		t.mu.Unlock()
		deliver()
	})
	t.timers[timer] = struct{}{}
}

// Close останавливает отложенные доставки и ждёт текущие.
func (t *LoopbackTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	for timer := range t.timers {
		if timer.Stop() {
			t.wg.Done()
		}
		delete(t.timers, timer)
	}
	t.mu.Unlock()

	t.wg.Wait()
	return nil
}
