package domain

import "time"

// Заголовки сообщений, которые понимают все потребители.
const (
	HeaderMessageID        = "x-message-id"
	HeaderRedeliveryCount  = "x-redelivery-count"
	HeaderBusinessType     = "x-business-type"
	HeaderBusinessKey      = "x-business-key"
	HeaderDelay            = "x-delay"
	HeaderDeliverAt        = "x-deliver-at"
	HeaderCorrelationID    = "x-correlation-id"
	HeaderOriginalExchange = "x-original-exchange"
	HeaderOriginalRouting  = "x-original-routing-key"
	HeaderOriginalQueue    = "x-original-queue"
	HeaderErrorMessage     = "x-error-message"
	HeaderFailedAt         = "x-failed-at"
)

// MessageCorrelation — запись об отправленном, но ещё не подтверждённом сообщении.
// Хранится с TTL; удаляется после подтверждения брокером.
type MessageCorrelation struct {
	ID              string
	Exchange        string
	RoutingKey      string
	Payload         []byte
	Headers         map[string]string
	RedeliveryCount int
	Delayed         bool
	Delay           time.Duration
	// Сколько раз воркер повторной отправки пытался доставить сообщение.
	Attempts  int
	CreatedAt time.Time
	ExpiresAt time.Time
}

// DeadLetterEntry — агрегированная запись о сообщении, исчерпавшем повторы.
// Уникальна по паре (BusinessType, BusinessKey).
type DeadLetterEntry struct {
	BusinessType    string
	BusinessKey     string
	Queue           string
	Exchange        string
	RoutingKey      string
	Payload         []byte
	Headers         map[string]string
	// RedeliveryCount — сумма x-redelivery-count по всем падениям ключа.
	RedeliveryCount int
	OccurrenceCount int
	LastError       string
	FirstSeenAt     time.Time
	LastSeenAt      time.Time
	// ReplayedAt заполняется утилитой повторной отправки.
	ReplayedAt *time.Time
}

// DeadLetterFilter ограничивает выборку dead-letter лога.
type DeadLetterFilter struct {
	BusinessType string
	// Только записи, которые ещё не отправлялись повторно.
	PendingOnly bool
	Limit       int
}

// ProcessedMessage — запись inbox потребителя: сообщение с этим id уже обработано.
type ProcessedMessage struct {
	Consumer    string
	MessageID   string
	ProcessedAt time.Time
	ExpiresAt   time.Time
}
