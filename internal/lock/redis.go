package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// acquireScript ставит все ключи или ни одного.
var acquireScript = redis.NewScript(`
for i, key in ipairs(KEYS) do
	if redis.call("EXISTS", key) == 1 then
		return 0
	end
end
for i, key in ipairs(KEYS) do
	redis.call("SET", key, ARGV[1], "PX", ARGV[2])
end
return 1
`)

// releaseScript удаляет только ключи с токеном держателя.
var releaseScript = redis.NewScript(`
local released = 0
for i, key in ipairs(KEYS) do
	if redis.call("GET", key) == ARGV[1] then
		redis.call("DEL", key)
		released = released + 1
	end
end
return released
`)

// Option настраивает RedisCoordinator.
type Option func(*options)

type options struct {
	logger        *log.Entry
	observer      Observer
	retryInterval time.Duration
}

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithObserver задаёт приёмник метрик захвата.
func WithObserver(observer Observer) Option {
	return func(o *options) {
		o.observer = observer
	}
}

// WithRetryInterval задаёт паузу между попытками захвата.
func WithRetryInterval(interval time.Duration) Option {
	return func(o *options) {
		o.retryInterval = interval
	}
}

func buildOptions(component string, opts []Option) options {
	o := options{retryInterval: defaultRetryInterval}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.WithField("component", component)
	}
	if o.retryInterval <= 0 {
		o.retryInterval = defaultRetryInterval
	}
	return o
}

// RedisCoordinator реализует Coordinator поверх Redis: одного узла или кластера,
// где все ключи блокировок попадают в один hash slot.
type RedisCoordinator struct {
	client redis.UniversalClient
	options
}

var _ Coordinator = (*RedisCoordinator)(nil)

// NewRedisCoordinator создаёт координатор на Redis.
func NewRedisCoordinator(client redis.UniversalClient, opts ...Option) *RedisCoordinator {
	return &RedisCoordinator{
		client:  client,
		options: buildOptions("lock-coordinator", opts),
	}
}

// Acquire реализует Coordinator.
func (c *RedisCoordinator) Acquire(ctx context.Context, keys []string, wait, lease time.Duration) (*Handle, error) {
	normalized := NormalizeKeys(keys)
	if len(normalized) == 0 {
		return nil, ErrEmptyKeys
	}
	if lease <= 0 {
		return nil, fmt.Errorf("lock lease must be positive, got %s", lease)
	}

	redisKeys := make([]string, len(normalized))
	for i, key := range normalized {
		redisKeys[i] = KeyPrefix + key
	}

	token := uuid.NewString()
	started := time.Now()
	deadline := started.Add(wait)

	for {
		ok, err := acquireScript.Run(ctx, c.client, redisKeys, token, lease.Milliseconds()).Int()
		if err != nil {
			c.observe(OutcomeError, started)
			return nil, fmt.Errorf("acquire locks: %w", err)
		}
		if ok == 1 {
			c.observe(OutcomeAcquired, started)
			return &Handle{
				Keys:       redisKeys,
				Token:      token,
				AcquiredAt: time.Now(),
				Lease:      lease,
			}, nil
		}

		retry, waitErr := waitForRetry(ctx, deadline, c.retryInterval)
		if waitErr != nil {
			c.observe(OutcomeError, started)
			return nil, waitErr
		}
		if !retry {
			c.observe(OutcomeContention, started)
			c.logger.WithFields(log.Fields{
				"keys": normalized,
				"wait": wait.String(),
			}).Info("lock contention")
			return nil, contentionError(normalized, wait)
		}
	}
}

// Release реализует Coordinator.
func (c *RedisCoordinator) Release(ctx context.Context, handle *Handle) (ReleaseResult, error) {
	if handle == nil || len(handle.Keys) == 0 {
		return ReleaseNotHeld, nil
	}

	released, err := releaseScript.Run(ctx, c.client, handle.Keys, handle.Token).Int()
	if err != nil {
		return "", fmt.Errorf("release locks: %w", err)
	}

	return classifyRelease(c.logger, handle, released), nil
}

func (c *RedisCoordinator) observe(outcome string, started time.Time) {
	if c.observer != nil {
		c.observer.ObserveLockAcquire(outcome, time.Since(started))
	}
}

func classifyRelease(logger *log.Entry, handle *Handle, released int) ReleaseResult {
	switch {
	case released == len(handle.Keys):
		return ReleaseReleased
	case released == 0:
		logger.WithFields(log.Fields{
			"keys": handle.Keys,
			"held": time.Since(handle.AcquiredAt).String(),
		}).Warn("release of locks no longer held")
		return ReleaseNotHeld
	default:
		logger.WithFields(log.Fields{
			"keys":     handle.Keys,
			"released": released,
		}).Warn("some locks expired before release")
		return ReleasePartial
	}
}
