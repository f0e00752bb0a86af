// Command orchestrator runs the background control plane: the dispatcher,
// the outbox bridge, the health sweeper, the autoscaler and the bus
// consumer that applies worker progress to job state.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/crawl-orchestrator/internal/adapter/bus/redpanda"
	rediscache "github.com/fairyhunter13/crawl-orchestrator/internal/adapter/cache/redis"
	"github.com/fairyhunter13/crawl-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/crawl-orchestrator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/crawl-orchestrator/internal/adapter/userservice"
	"github.com/fairyhunter13/crawl-orchestrator/internal/adapter/workerclient"
	"github.com/fairyhunter13/crawl-orchestrator/internal/app"
	"github.com/fairyhunter13/crawl-orchestrator/internal/config"
	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
	"github.com/fairyhunter13/crawl-orchestrator/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	// Expose control-plane metrics on a dedicated port; the API serves its
	// own /metrics.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("orchestrator metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting orchestrator", slog.String("env", cfg.AppEnv))

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	store := postgres.NewStore(pool)
	repos := store.Repos()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer func() { _ = rdb.Close() }()
	quotaCache := rediscache.NewQuotaCache(rdb, cfg.QuotaCacheTTL)

	// The bridge's producer owns the transactional ID distinct from the API
	// server's so the two processes never fence each other.
	producer, err := redpanda.NewProducer(cfg.KafkaBrokers)
	if err != nil {
		slog.Error("bus producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = producer.Close() }()

	users := userservice.New(cfg.UserServiceURL)
	worker := workerclient.NewBreakerClient(workerclient.New(cfg.WorkerSubmitTimeout), 3, 30*time.Second)

	quotaSvc := usecase.NewQuotaService(repos.Quota, quotaCache, users, cfg.QuotaCacheTTL, cfg.DefaultUserQuota)
	fanout := usecase.NewFanout(cfg.SubscriberQueueSize)
	lifecycle := usecase.NewLifecycleService(store, worker, quotaSvc, fanout,
		cfg.RetryBase, cfg.RetryCap, cfg.RetryFloor, cfg.CancelGracePeriod)
	poolSvc := usecase.NewPoolService(store, repos.Agents, lifecycle, cfg.AgentTimeout)

	// Bus consumer applying worker progress and upstream account events.
	consumer, err := redpanda.NewConsumer(cfg.KafkaBrokers, cfg.ConsumerGroup, app.NewBusHandler(lifecycle, quotaSvc))
	if err != nil {
		slog.Error("bus consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = consumer.Close() }()
	go func() {
		if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("bus consumer stopped", slog.Any("error", err))
		}
	}()

	// Producer-side topics for outbox rows; the consumer already ensured
	// its own subscription set.
	if err := redpanda.EnsureTopics(ctx, cfg.KafkaBrokers, []string{
		domain.TopicCrawlRequest, domain.TopicCrawlEvents,
	}); err != nil {
		slog.Warn("failed to ensure producer topics", slog.Any("error", err))
	}

	// Control loops.
	go app.NewDispatcher(repos.Jobs, repos.Scaling, lifecycle, poolSvc, worker,
		cfg.DispatchInterval, cfg.DispatchBatchSize).Run(ctx)
	go app.NewOutboxBridge(repos.Outbox, producer,
		cfg.OutboxInterval, cfg.OutboxBatchSize, cfg.OutboxMaxRetries).Run(ctx)
	go app.NewHealthLoop(repos.Jobs, poolSvc, lifecycle,
		cfg.HealthCheckInterval, cfg.JobTimeout).Run(ctx)
	go app.NewAutoScaler(repos.Scaling, poolSvc, cfg.SchedulerInterval).Run(ctx)

	// Periodic quota reconciliation against the user service.
	go quotaSvc.RunPeriodicSync(ctx, cfg.QuotaSyncInterval, repos.Quota.ListUserIDs)

	// Data retention.
	if cfg.DataRetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(repos.Jobs, repos.Outbox, repos.Quota, cfg.DataRetentionDays)
		go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
		slog.Info("cleanup service started",
			slog.Int("retention_days", cfg.DataRetentionDays),
			slog.Duration("interval", cfg.CleanupInterval))
	}

	<-ctx.Done()
	slog.Info("shutdown signal received")
}
