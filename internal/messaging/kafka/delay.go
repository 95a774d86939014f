package kafka

import (
	"sort"
	"time"

	"github.com/IBM/sarama"
)

type parkedMessage struct {
	at      time.Time
	message *sarama.ConsumerMessage
}

// delayQueue держит запаркованные сообщения партиции по возрастанию срока доставки.
// Используется только из горутины ConsumeClaim.
type delayQueue struct {
	items []parkedMessage
}

func (q *delayQueue) Len() int { return len(q.items) }

// Push вставляет сообщение; при равных сроках сохраняется порядок офсетов.
func (q *delayQueue) Push(at time.Time, message *sarama.ConsumerMessage) {
	i := sort.Search(len(q.items), func(i int) bool { return q.items[i].at.After(at) })
	q.items = append(q.items, parkedMessage{})
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = parkedMessage{at: at, message: message}
}

// Next возвращает ближайший срок доставки.
func (q *delayQueue) Next() (time.Time, bool) {
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].at, true
}

// PopDue забирает сообщения, срок которых наступил к now.
func (q *delayQueue) PopDue(now time.Time) []*sarama.ConsumerMessage {
	n := sort.Search(len(q.items), func(i int) bool { return q.items[i].at.After(now) })
	due := make([]*sarama.ConsumerMessage, n)
	for i := range n {
		due[i] = q.items[i].message
	}
	q.items = q.items[n:]
	return due
}

// offsetTracker считает офсет коммита партиции: он не обгоняет самое раннее
// прочитанное, но ещё не обработанное сообщение.
type offsetTracker struct {
	pending map[int64]struct{}
	next    int64
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{pending: make(map[int64]struct{})}
}

func (t *offsetTracker) start(offset int64) {
	t.pending[offset] = struct{}{}
	if offset >= t.next {
		t.next = offset + 1
	}
}

// done снимает офсет с учёта и возвращает офсет, который можно коммитить.
func (t *offsetTracker) done(offset int64) int64 {
	delete(t.pending, offset)
	mark := t.next
	for o := range t.pending {
		if o < mark {
			mark = o
		}
	}
	return mark
}
