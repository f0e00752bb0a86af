// Command server starts the crawl orchestrator HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/crawl-orchestrator/internal/adapter/bus/redpanda"
	rediscache "github.com/fairyhunter13/crawl-orchestrator/internal/adapter/cache/redis"
	"github.com/fairyhunter13/crawl-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/crawl-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/crawl-orchestrator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/crawl-orchestrator/internal/adapter/userservice"
	"github.com/fairyhunter13/crawl-orchestrator/internal/adapter/workerclient"
	"github.com/fairyhunter13/crawl-orchestrator/internal/app"
	"github.com/fairyhunter13/crawl-orchestrator/internal/config"
	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
	"github.com/fairyhunter13/crawl-orchestrator/internal/policy"
	"github.com/fairyhunter13/crawl-orchestrator/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

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

	// Infra: DB pool.
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	store := postgres.NewStore(pool)
	repos := store.Repos()

	// Infra: Redis quota cache.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer func() { _ = rdb.Close() }()
	quotaCache := rediscache.NewQuotaCache(rdb, cfg.QuotaCacheTTL)
	limiter := rediscache.NewSubmitLimiter(rdb, cfg.RateLimitPerMin)

	// Infra: bus producer, used for readiness probing only; the outbox
	// bridge in the orchestrator process does the actual publishing.
	producer, err := redpanda.NewProducerWithTransactionalID(cfg.KafkaBrokers, "crawl-orchestrator-server")
	if err != nil {
		slog.Error("bus producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = producer.Close() }()

	// Upstream user directory.
	users := userservice.New(cfg.UserServiceURL)

	// Policy rules.
	rules, err := policy.LoadRules(cfg.PolicyFile)
	if err != nil {
		slog.Error("policy rules load failed", slog.Any("error", err))
		os.Exit(1)
	}
	eng := policy.NewEngine(rules)

	// Usecases.
	quotaSvc := usecase.NewQuotaService(repos.Quota, quotaCache, users, cfg.QuotaCacheTTL, cfg.DefaultUserQuota)
	fanout := usecase.NewFanout(cfg.SubscriberQueueSize)
	worker := workerclient.New(cfg.WorkerSubmitTimeout)
	lifecycle := usecase.NewLifecycleService(store, worker, quotaSvc, fanout,
		cfg.RetryBase, cfg.RetryCap, cfg.RetryFloor, cfg.CancelGracePeriod)
	poolSvc := usecase.NewPoolService(store, repos.Agents, lifecycle, cfg.AgentTimeout)
	submitSvc := usecase.NewSubmitService(store, quotaSvc, users, eng, fanout, cfg.RestrictedMinTier, cfg.JobMaxRetries)
	querySvc := usecase.NewQueryService(repos.Jobs, repos.Results, repos.Participants)

	// Per-instance relay consumer so this instance's stream subscribers see
	// progress regardless of which orchestrator applied it. The group ID is
	// unique per process so every instance receives the full stream.
	relayGroup := cfg.ConsumerGroup + "-relay-" + uuid.NewString()[:8]
	relay, err := redpanda.NewConsumerWithTopics(cfg.KafkaBrokers, relayGroup, app.NewFanoutRelay(fanout),
		domain.TopicCrawlProgress, domain.TopicCrawlResult)
	if err != nil {
		slog.Error("relay consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = relay.Close() }()
	go func() {
		if err := relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("relay consumer stopped", slog.Any("error", err))
		}
	}()

	// Readiness checks.
	dbCheck, redisCheck, busCheck := app.BuildReadinessChecks(pool, app.WrapRedis(rdb), producer)

	srv := httpserver.NewServer(cfg, submitSvc, lifecycle, querySvc, poolSvc, fanout, limiter, dbCheck, redisCheck, busCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
