package app

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/GALA-Lin/service-sub006/internal/domain"
	"github.com/GALA-Lin/service-sub006/internal/lock"
	"github.com/GALA-Lin/service-sub006/internal/storage/memory"
	"github.com/GALA-Lin/service-sub006/internal/storage/postgres"
	redisstore "github.com/GALA-Lin/service-sub006/internal/storage/redis"
)

// repositories — хранилища агрегатов выбранного драйвера.
type repositories struct {
	orders      domain.OrderRepository
	slots       domain.SlotRepository
	timeline    domain.TimelineRepository
	refunds     domain.RefundRepository
	rules       domain.RefundRuleRepository
	deadLetters domain.DeadLetterRepository
	inbox       domain.InboxRepository

	store *postgres.Store
}

// initRepositories открывает хранилище по драйверу из конфигурации.
func initRepositories(ctx context.Context, cfg Config, logger *log.Entry) (*repositories, error) {
	switch cfg.StorageDriver {
	case "", StorageDriverMemory:
		logger.Info("using in-memory storage")
		return &repositories{
			orders:      memory.NewOrderRepository(),
			slots:       memory.NewSlotRepository(),
			timeline:    memory.NewTimelineRepository(),
			refunds:     memory.NewRefundRepository(),
			rules:       memory.NewRefundRuleRepository(),
			deadLetters: memory.NewDeadLetterRepository(),
			inbox:       memory.NewInboxRepository(),
		}, nil
	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres dsn is required for storage driver %q", cfg.StorageDriver)
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("migrate postgres schema: %w", err)
			}
		}
		logger.Info("using postgres storage")
		return &repositories{
			orders:      postgres.NewOrderRepository(store),
			slots:       postgres.NewSlotRepository(store),
			timeline:    postgres.NewTimelineRepository(store),
			refunds:     postgres.NewRefundRepository(store),
			rules:       postgres.NewRefundRuleRepository(store),
			deadLetters: postgres.NewDeadLetterRepository(store),
			inbox:       postgres.NewInboxRepository(store),
			store:       store,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func (r *repositories) close(logger *log.Entry) {
	if r == nil || r.store == nil {
		return
	}
	if err := r.store.Close(); err != nil {
		logger.WithError(err).Warn("failed to close postgres store")
	}
}

// coordination — блокировки слотов и хранилище корреляций сообщений.
type coordination struct {
	locks        lock.Coordinator
	correlations domain.CorrelationStore
	redis        goredis.UniversalClient
}

// initCoordination подключает Redis, если задан адрес, иначе работает в памяти процесса.
func initCoordination(ctx context.Context, cfg Config, observer lock.Observer, logger *log.Entry) (*coordination, error) {
	lockLogger := logger.WithField("component", "lock-coordinator")
	if cfg.RedisAddr == "" {
		logger.Warn("redis is not configured, slot locks are process-local")
		return &coordination{
			locks:        lock.NewMemoryCoordinator(lock.WithLogger(lockLogger), lock.WithObserver(observer)),
			correlations: memory.NewCorrelationStore(),
		}, nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}
	logger.WithField("addr", cfg.RedisAddr).Info("redis connected")

	return &coordination{
		locks:        lock.NewRedisCoordinator(client, lock.WithLogger(lockLogger), lock.WithObserver(observer)),
		correlations: redisstore.NewCorrelationStore(client),
		redis:        client,
	}, nil
}

func (c *coordination) close(logger *log.Entry) {
	if c == nil || c.redis == nil {
		return
	}
	if err := c.redis.Close(); err != nil {
		logger.WithError(err).Warn("failed to close redis client")
	}
}
