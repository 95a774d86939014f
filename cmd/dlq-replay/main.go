package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/GALA-Lin/service-sub006/internal/domain"
	"github.com/GALA-Lin/service-sub006/internal/messaging"
	"github.com/GALA-Lin/service-sub006/internal/messaging/kafka"
	"github.com/GALA-Lin/service-sub006/internal/messaging/rabbitmq"
	"github.com/GALA-Lin/service-sub006/internal/storage/postgres"
	"github.com/GALA-Lin/service-sub006/internal/version"
)

const (
	defaultReplayLimit = 100
	defaultTimeout     = time.Minute

	targetRabbitMQ = "rabbitmq"
	targetKafka    = "kafka"
)

type config struct {
	dsn          string
	target       string
	amqpURL      string
	amqpDelayed  bool
	brokers      []string
	businessType string
	limit        int
	includeDone  bool
	execute      bool
	timeout      time.Duration
}

// sender — транспорт, в который переотправляются записи.
type sender interface {
	messaging.Transport
	io.Closer
}

// newReplayDependencies открывает лог dead-letter и, в режиме execute, транспорт.
var newReplayDependencies = func(ctx context.Context, cfg config) (domain.DeadLetterRepository, sender, func() error, error) {
	store, err := postgres.Open(ctx, cfg.dsn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open postgres store: %w", err)
	}
	repo := postgres.NewDeadLetterRepository(store)
	if !cfg.execute {
		return repo, nil, store.Close, nil
	}

	var transport sender
	switch cfg.target {
	case targetRabbitMQ:
		transport, err = rabbitmq.Dial(cfg.amqpURL, cfg.amqpDelayed, log.WithField("component", "dlq-replay"))
	case targetKafka:
		transport, err = kafka.NewProducer(cfg.brokers)
	default:
		err = fmt.Errorf("unsupported target %q", cfg.target)
	}
	if err != nil {
		_ = store.Close()
		return nil, nil, nil, err
	}
	return repo, transport, store.Close, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	cfg, err := readConfig(flag.CommandLine, os.Args[1:], os.Getenv)
	if err != nil {
		fail("%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		fail("dlq replay failed: %v", err)
	}
}

func readConfig(fs *flag.FlagSet, args []string, getenv func(string) string) (config, error) {
	var (
		brokersRaw string
		cfg        config
	)

	fs.StringVar(&cfg.dsn, "dsn", "", "PostgreSQL DSN (fallback: BOOKING_POSTGRES_DSN)")
	fs.StringVar(&cfg.target, "target", targetRabbitMQ, "replay target: rabbitmq|kafka")
	fs.StringVar(&cfg.amqpURL, "amqp-url", "", "RabbitMQ URL (fallback: BOOKING_AMQP_URL)")
	fs.BoolVar(&cfg.amqpDelayed, "amqp-delayed", true, "RabbitMQ has the delayed message exchange plugin")
	fs.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: BOOKING_KAFKA_BROKERS)")
	fs.StringVar(&cfg.businessType, "business-type", "", "replay only entries of this business type")
	fs.IntVar(&cfg.limit, "limit", defaultReplayLimit, "max number of entries to scan/replay")
	fs.BoolVar(&cfg.includeDone, "include-replayed", false, "also replay entries that were replayed before")
	fs.BoolVar(&cfg.execute, "execute", false, "execute replay; default is dry-run")
	fs.DurationVar(&cfg.timeout, "timeout", defaultTimeout, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(cfg.dsn) == "" {
		cfg.dsn = strings.TrimSpace(getenv("BOOKING_POSTGRES_DSN"))
	}
	if strings.TrimSpace(cfg.amqpURL) == "" {
		cfg.amqpURL = strings.TrimSpace(getenv("BOOKING_AMQP_URL"))
	}
	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw = getenv("BOOKING_KAFKA_BROKERS")
	}
	cfg.brokers = parseBrokers(brokersRaw)
	cfg.target = strings.ToLower(strings.TrimSpace(cfg.target))

	if cfg.dsn == "" {
		return config{}, errors.New("postgres dsn is required (-dsn or BOOKING_POSTGRES_DSN)")
	}
	if cfg.limit <= 0 {
		return config{}, errors.New("limit must be > 0")
	}
	if cfg.timeout <= 0 {
		return config{}, errors.New("timeout must be > 0")
	}
	if cfg.execute {
		switch cfg.target {
		case targetRabbitMQ:
			if cfg.amqpURL == "" {
				return config{}, errors.New("rabbitmq url is required (-amqp-url or BOOKING_AMQP_URL)")
			}
		case targetKafka:
			if len(cfg.brokers) == 0 {
				return config{}, errors.New("kafka brokers are required (-brokers or BOOKING_KAFKA_BROKERS)")
			}
		default:
			return config{}, fmt.Errorf("unsupported target %q (use rabbitmq|kafka)", cfg.target)
		}
	}

	return cfg, nil
}

func parseBrokers(raw string) []string {
	chunks := strings.Split(raw, ",")
	brokers := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		broker := strings.TrimSpace(chunk)
		if broker == "" {
			continue
		}
		brokers = append(brokers, broker)
	}
	return brokers
}

func run(ctx context.Context, cfg config) error {
	log.WithFields(version.Fields()).WithFields(log.Fields{
		"target":        cfg.target,
		"business_type": cfg.businessType,
		"limit":         cfg.limit,
		"execute":       cfg.execute,
	}).Info("starting dlq replay")

	repo, transport, closeStore, err := newReplayDependencies(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if transport != nil {
			_ = transport.Close()
		}
		if closeStore != nil {
			_ = closeStore()
		}
	}()

	stats, err := runReplay(ctx, cfg, repo, transport, time.Now)
	log.WithFields(log.Fields{
		"mode":     mode(cfg),
		"scanned":  stats.scanned,
		"replayed": stats.replayed,
		"skipped":  stats.skipped,
	}).Info("dlq replay finished")
	return err
}

type replayStats struct {
	scanned  int
	replayed int
	skipped  int
}

func mode(cfg config) string {
	if cfg.execute {
		return "execute"
	}
	return "dry-run"
}

// runReplay переотправляет записи лога в исходный exchange под исходным routing key
// и отмечает их как переотправленные.
func runReplay(ctx context.Context, cfg config, repo domain.DeadLetterRepository, transport messaging.Transport, now func() time.Time) (replayStats, error) {
	var stats replayStats
	if repo == nil {
		return stats, errors.New("dead-letter repository is required")
	}
	if cfg.execute && transport == nil {
		return stats, errors.New("transport is required in execute mode")
	}

	entries, err := repo.List(ctx, domain.DeadLetterFilter{
		BusinessType: cfg.businessType,
		PendingOnly:  !cfg.includeDone,
		Limit:        cfg.limit,
	})
	if err != nil {
		return stats, fmt.Errorf("list dead letters: %w", err)
	}

	for _, entry := range entries {
		stats.scanned++
		msg, err := replayMessage(entry, now())
		if err != nil {
			stats.skipped++
			log.WithError(err).WithFields(log.Fields{
				"business_type": entry.BusinessType,
				"business_key":  entry.BusinessKey,
			}).Warn("skip dead letter without original route")
			continue
		}

		entryLog := log.WithFields(log.Fields{
			"business_type": entry.BusinessType,
			"business_key":  entry.BusinessKey,
			"route":         msg.Route.String(),
			"occurrences":   entry.OccurrenceCount,
		})
		if !cfg.execute {
			entryLog.Info("dlq replay candidate")
			stats.replayed++
			continue
		}

		if err := transport.Send(ctx, msg); err != nil {
			return stats, fmt.Errorf("replay %s/%s: %w", entry.BusinessType, entry.BusinessKey, err)
		}
		if err := repo.MarkReplayed(ctx, entry.BusinessType, entry.BusinessKey, now()); err != nil {
			return stats, fmt.Errorf("mark %s/%s replayed: %w", entry.BusinessType, entry.BusinessKey, err)
		}
		entryLog.Info("dead letter replayed")
		stats.replayed++
	}
	return stats, nil
}

// diagnosticHeaders описывают прошлую неудачу и не переносятся в повтор.
var diagnosticHeaders = []string{
	domain.HeaderOriginalExchange,
	domain.HeaderOriginalRouting,
	domain.HeaderOriginalQueue,
	domain.HeaderErrorMessage,
	domain.HeaderFailedAt,
	domain.HeaderDelay,
	domain.HeaderDeliverAt,
}

func replayMessage(entry domain.DeadLetterEntry, now time.Time) (messaging.Message, error) {
	if entry.Exchange == "" || entry.RoutingKey == "" {
		return messaging.Message{}, errors.New("original exchange and routing key are required")
	}

	headers := make(map[string]string, len(entry.Headers))
	for k, v := range entry.Headers {
		headers[k] = v
	}
	for _, name := range diagnosticHeaders {
		delete(headers, name)
	}
	headers[domain.HeaderRedeliveryCount] = "0"
	headers[domain.HeaderBusinessType] = entry.BusinessType
	headers[domain.HeaderBusinessKey] = entry.BusinessKey

	id := headers[domain.HeaderMessageID]
	if id == "" {
		id = uuid.NewString()
		headers[domain.HeaderMessageID] = id
	}

	return messaging.Message{
		ID:        id,
		Route:     messaging.Route{Exchange: entry.Exchange, RoutingKey: entry.RoutingKey},
		Payload:   entry.Payload,
		Headers:   headers,
		Timestamp: now,
	}, nil
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
