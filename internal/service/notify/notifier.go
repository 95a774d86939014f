// Package notify доставляет уведомления пользователям.
package notify

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/GALA-Lin/service-sub006/internal/domain"
)

// LogNotifier пишет уведомления в лог. Push-доставка подключается отдельной реализацией domain.Notifier.
type LogNotifier struct {
	logger *log.Entry
}

// NewLogNotifier создаёт notifier поверх logger.
func NewLogNotifier(logger *log.Entry) *LogNotifier {
	if logger == nil {
		logger = log.WithField("component", "notifier")
	}
	return &LogNotifier{logger: logger}
}

// Notify реализует domain.Notifier.
func (n *LogNotifier) Notify(_ context.Context, userID string, msg domain.Notification) error {
	n.logger.WithFields(log.Fields{
		"user_id":  userID,
		"kind":     msg.Kind,
		"order_no": msg.OrderNo,
		"title":    msg.Title,
	}).Info(msg.Body)
	return nil
}

// Sent — отправленное уведомление.
type Sent struct {
	UserID       string
	Notification domain.Notification
}

// RecordingNotifier запоминает уведомления. Используется в тестах.
type RecordingNotifier struct {
	mu   sync.Mutex
	sent []Sent
	Err  error
}

// Notify реализует domain.Notifier.
func (n *RecordingNotifier) Notify(_ context.Context, userID string, msg domain.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Err != nil {
		return n.Err
	}
	n.sent = append(n.sent, Sent{UserID: userID, Notification: msg})
	return nil
}

// Sent возвращает копию отправленных уведомлений.
func (n *RecordingNotifier) Sent() []Sent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Sent(nil), n.sent...)
}

var (
	_ domain.Notifier = (*LogNotifier)(nil)
	_ domain.Notifier = (*RecordingNotifier)(nil)
)
