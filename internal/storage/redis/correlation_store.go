// Package redis хранит записи корреляции сообщений в Redis.
//
// Каждая запись лежит в отдельном ключе с TTL, а sorted set по времени
// создания служит индексом для поиска зависших записей. Истёкшие ключи
// вычищаются из индекса лениво.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/GALA-Lin/service-sub006/internal/domain"
)

const (
	defaultKeyPrefix = "booking:corr:"
	indexSuffix      = "index"
)

// CorrelationStore реализует domain.CorrelationStore на Redis.
type CorrelationStore struct {
	client goredis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ domain.CorrelationStore = (*CorrelationStore)(nil)

// Option настраивает CorrelationStore.
type Option func(*CorrelationStore)

// WithKeyPrefix задаёт префикс ключей.
func WithKeyPrefix(prefix string) Option {
	return func(s *CorrelationStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// NewCorrelationStore создаёт хранилище корреляций.
func NewCorrelationStore(client goredis.UniversalClient, opts ...Option) *CorrelationStore {
	s := &CorrelationStore{
		client: client,
		prefix: defaultKeyPrefix,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type record struct {
	ID              string            `json:"id"`
	Exchange        string            `json:"exchange"`
	RoutingKey      string            `json:"routing_key"`
	Payload         []byte            `json:"payload"`
	Headers         map[string]string `json:"headers,omitempty"`
	RedeliveryCount int               `json:"redelivery_count"`
	Delayed         bool              `json:"delayed"`
	DelayMs         int64             `json:"delay_ms"`
	Attempts        int               `json:"attempts"`
	CreatedAt       time.Time         `json:"created_at"`
	ExpiresAt       time.Time         `json:"expires_at"`
}

func toRecord(c domain.MessageCorrelation) record {
	return record{
		ID:              c.ID,
		Exchange:        c.Exchange,
		RoutingKey:      c.RoutingKey,
		Payload:         c.Payload,
		Headers:         c.Headers,
		RedeliveryCount: c.RedeliveryCount,
		Delayed:         c.Delayed,
		DelayMs:         c.Delay.Milliseconds(),
		Attempts:        c.Attempts,
		CreatedAt:       c.CreatedAt,
		ExpiresAt:       c.ExpiresAt,
	}
}

func (r record) correlation() domain.MessageCorrelation {
	return domain.MessageCorrelation{
		ID:              r.ID,
		Exchange:        r.Exchange,
		RoutingKey:      r.RoutingKey,
		Payload:         r.Payload,
		Headers:         r.Headers,
		RedeliveryCount: r.RedeliveryCount,
		Delayed:         r.Delayed,
		Delay:           time.Duration(r.DelayMs) * time.Millisecond,
		Attempts:        r.Attempts,
		CreatedAt:       r.CreatedAt,
		ExpiresAt:       r.ExpiresAt,
	}
}

func (s *CorrelationStore) key(id string) string {
	return s.prefix + id
}

func (s *CorrelationStore) indexKey() string {
	return s.prefix + indexSuffix
}

// Save реализует domain.CorrelationStore.
func (s *CorrelationStore) Save(ctx context.Context, c domain.MessageCorrelation) error {
	if c.ID == "" {
		return errors.New("correlation id is required")
	}
	data, err := json.Marshal(toRecord(c))
	if err != nil {
		return fmt.Errorf("marshal correlation %s: %w", c.ID, err)
	}

	var ttl time.Duration
	if !c.ExpiresAt.IsZero() {
		ttl = c.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			// Запись уже истекла: хранить нечего.
			return s.Delete(ctx, c.ID)
		}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.key(c.ID), data, ttl)
		pipe.ZAdd(ctx, s.indexKey(), goredis.Z{Score: float64(c.CreatedAt.UnixMilli()), Member: c.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("save correlation %s: %w", c.ID, err)
	}
	return nil
}

// Get реализует domain.CorrelationStore.
func (s *CorrelationStore) Get(ctx context.Context, id string) (domain.MessageCorrelation, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return domain.MessageCorrelation{}, domain.ErrCorrelationNotFound
	}
	if err != nil {
		return domain.MessageCorrelation{}, fmt.Errorf("get correlation %s: %w", id, err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.MessageCorrelation{}, fmt.Errorf("decode correlation %s: %w", id, err)
	}
	return rec.correlation(), nil
}

// Delete реализует domain.CorrelationStore. Удаление отсутствующей записи не ошибка.
func (s *CorrelationStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, s.key(id))
		pipe.ZRem(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete correlation %s: %w", id, err)
	}
	return nil
}

// ListStale реализует domain.CorrelationStore.
func (s *CorrelationStore) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]domain.MessageCorrelation, error) {
	by := &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(olderThan.UnixMilli(), 10),
	}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(ctx, s.indexKey(), by).Result()
	if err != nil {
		return nil, fmt.Errorf("list stale correlations: %w", err)
	}
	return s.load(ctx, ids)
}

// Count реализует domain.CorrelationStore.
func (s *CorrelationStore) Count(ctx context.Context) (int, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("count correlations: %w", err)
	}
	live, err := s.load(ctx, ids)
	if err != nil {
		return 0, err
	}
	return len(live), nil
}

// load читает записи по id и вычищает из индекса истёкшие.
func (s *CorrelationStore) load(ctx context.Context, ids []string) ([]domain.MessageCorrelation, error) {
	if len(ids) == 0 {
		return []domain.MessageCorrelation{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load correlations: %w", err)
	}

	result := make([]domain.MessageCorrelation, 0, len(ids))
	var expired []any
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode correlation %s: %w", ids[i], err)
		}
		result = append(result, rec.correlation())
	}
	if len(expired) > 0 {
		if err := s.client.ZRem(ctx, s.indexKey(), expired...).Err(); err != nil {
			return nil, fmt.Errorf("prune correlation index: %w", err)
		}
	}
	return result, nil
}
