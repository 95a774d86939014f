package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/GALA-Lin/service-sub006/internal/deadletter"
	"github.com/GALA-Lin/service-sub006/internal/domain"
	healthcheck "github.com/GALA-Lin/service-sub006/internal/health"
	"github.com/GALA-Lin/service-sub006/internal/messaging"
	"github.com/GALA-Lin/service-sub006/internal/metrics"
	"github.com/GALA-Lin/service-sub006/internal/service/booking"
	grpcsvc "github.com/GALA-Lin/service-sub006/internal/service/grpc"
	"github.com/GALA-Lin/service-sub006/internal/service/inbox"
	"github.com/GALA-Lin/service-sub006/internal/service/notify"
	"github.com/GALA-Lin/service-sub006/internal/service/payment"
	"github.com/GALA-Lin/service-sub006/internal/service/pricing"
	"github.com/GALA-Lin/service-sub006/internal/service/refund"
	"github.com/GALA-Lin/service-sub006/internal/service/replay"
	"github.com/GALA-Lin/service-sub006/internal/service/scheduler"
	"github.com/GALA-Lin/service-sub006/internal/version"
)

const shutdownTimeout = 5 * time.Second

// worker — фоновый цикл, работающий до отмены контекста.
type worker interface {
	Run(ctx context.Context)
}

// Run поднимает сервис бронирования и блокируется до отмены ctx или ошибки gRPC-сервера.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if err := cfg.Validate(); err != nil {
		return err
	}

	bookingMetrics := metrics.NewBookingMetrics()

	repos, err := initRepositories(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer repos.close(logger)

	coord, err := initCoordination(ctx, cfg, bookingMetrics, logger)
	if err != nil {
		return err
	}
	defer coord.close(logger)

	brk, err := initBroker(cfg, logger)
	if err != nil {
		return err
	}
	defer brk.close()

	publisher := messaging.NewPublisher(brk.transport, coord.correlations,
		messaging.WithPublisherLogger(logger.WithField("component", "publisher")),
		messaging.WithCorrelationTTL(cfg.CorrelationTTL),
		messaging.WithConfirmTimeout(cfg.ConfirmTimeout),
		messaging.WithPublishObserver(bookingMetrics),
	)

	// NOTE: платёжный шлюз подключается мок-реализацией, протокол оплаты вне сервиса.
	engine := booking.NewEngine(booking.Dependencies{
		Orders:    repos.orders,
		Slots:     repos.slots,
		Timeline:  repos.timeline,
		Locks:     coord.locks,
		Pricing:   newPricing(cfg, logger),
		Payments:  payment.NewMockService(),
		Publisher: publisher,
	}, booking.Config{
		LockWait:       cfg.LockWait,
		LockLease:      cfg.LockLease,
		PaymentTimeout: cfg.PaymentTimeout,
		ReminderLead:   cfg.ReminderLead,
	}, booking.WithLogger(logger.WithField("component", "booking-engine")), booking.WithObserver(bookingMetrics))

	workflow := refund.NewWorkflow(refund.Dependencies{
		Orders:    repos.orders,
		Refunds:   repos.refunds,
		Rules:     repos.rules,
		Slots:     repos.slots,
		Timeline:  repos.timeline,
		Locks:     coord.locks,
		Publisher: publisher,
	}, refund.Config{
		LockWait:    cfg.LockWait,
		LockLease:   cfg.LockLease,
		AutoApprove: cfg.RefundAutoApprove,
	}, refund.WithLogger(logger.WithField("component", "refund-workflow")), refund.WithObserver(bookingMetrics))

	notifications := booking.NewNotifications(repos.orders,
		notify.NewLogNotifier(logger.WithField("component", "notifier")),
		logger.WithField("component", "notifications"))
	aggregator := deadletter.NewAggregator(repos.deadLetters,
		deadletter.WithLogger(logger.WithField("component", "dead-letter-aggregator")),
		deadletter.WithObserver(bookingMetrics))

	sinkOpts := []messaging.ConsumerOption{
		messaging.WithRouter(publisher),
		messaging.WithConsumeObserver(bookingMetrics),
	}
	consumerOpts := []messaging.ConsumerOption{
		messaging.WithRouter(publisher),
		messaging.WithConsumeObserver(bookingMetrics),
		messaging.WithInbox(repos.inbox, cfg.InboxTTL),
	}
	consumers, err := buildConsumers(cfg, flowHandlers{
		engine:        engine,
		refunds:       workflow,
		notifications: notifications,
		aggregator:    aggregator,
	}, consumerOpts, sinkOpts)
	if err != nil {
		return err
	}

	runCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	if err := brk.start(runCtx, consumers); err != nil {
		return err
	}

	var workers sync.WaitGroup
	startWorkers(runCtx, &workers,
		replay.NewWorker(coord.correlations, publisher,
			replay.WithLogger(logger.WithField("component", "replay-worker")),
			replay.WithPollInterval(cfg.ReplayInterval),
			replay.WithStaleAfter(cfg.ReplayStaleAfter),
			replay.WithMaxAttempts(cfg.ReplayMaxAttempts)),
		scheduler.NewSweeper(repos.orders, engine,
			scheduler.WithLogger(logger.WithField("component", "order-sweeper")),
			scheduler.WithInterval(cfg.SweepInterval),
			scheduler.WithAutoConfirmAfter(cfg.AutoConfirmAfter)),
		inbox.NewCleanupWorker(repos.inbox,
			inbox.WithLogger(logger.WithField("component", "inbox-cleanup")),
			inbox.WithInterval(cfg.InboxCleanup)),
	)

	bookingService := grpcsvc.NewBookingService(engine, workflow, logger.WithField("layer", "grpc"))
	grpcMetrics := promgrpc.NewServerMetrics()
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	grpcsvc.RegisterBookingServer(grpcServer, bookingService)
	grpcMetrics.InitializeMetrics(grpcServer)
	reflection.Register(grpcServer)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(grpcsvc.ServiceName, healthpb.HealthCheckResponse_SERVING)

	healthHandler := healthcheck.NewHandler(version.Short())
	registerCheckers(healthHandler, repos, coord, brk)

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		shutdownHTTP(metricsSrv, logger)
		stopWorkers()
		workers.Wait()
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("gRPC сервер слушает %s", lis.Addr())
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем gRPC сервер")
		healthServer.Shutdown()
		stoppedCh := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stoppedCh)
		}()
		select {
		case <-stoppedCh:
		case <-time.After(shutdownTimeout):
			logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
			grpcServer.Stop()
		}
		shutdownHTTP(metricsSrv, logger)
		stopWorkers()
		workers.Wait()
		return ctx.Err()
	case err := <-errCh:
		shutdownHTTP(metricsSrv, logger)
		stopWorkers()
		workers.Wait()
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// newPricing возвращает сервис цен; при заданной запасной цене отказ
// основного сервиса не блокирует бронирование.
func newPricing(cfg Config, logger *log.Entry) domain.PricingService {
	var svc domain.PricingService = pricing.NewMockService()
	if cfg.FallbackPriceMinor <= 0 {
		return svc
	}
	perHour := cfg.FallbackPriceMinor
	return pricing.WithFallback(svc, pricing.DefaultCurrency, func(slot domain.Slot) int64 {
		return int64(slot.EndAt.Sub(slot.StartAt).Hours() * float64(perHour))
	}, logger.WithField("component", "pricing-fallback"))
}

// registerCheckers подключает проверки зависимостей к health handler.
// Недоступный брокер только деградирует сервис: неподтверждённые публикации
// переотправит replay worker.
func registerCheckers(h *healthcheck.Handler, repos *repositories, coord *coordination, brk *broker) {
	if repos.store != nil {
		h.RegisterChecker("postgres", healthcheck.NewPingChecker("postgres", repos.store.Ping))
	}
	if coord.redis != nil {
		client := coord.redis
		h.RegisterChecker("redis", healthcheck.NewPingChecker("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
	}
	if ping := brk.ping(); ping != nil {
		h.RegisterChecker(brk.name, healthcheck.NewOptionalChecker(brk.name, ping))
	}
}

func startWorkers(ctx context.Context, wg *sync.WaitGroup, workers ...worker) {
	for _, w := range workers {
		wg.Add(1)
		go func(w worker) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}
}

// startMetricsServer запускает HTTP-обработчики /metrics и health-проверок.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/readyz, %s/livez", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}
