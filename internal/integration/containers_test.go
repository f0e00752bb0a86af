//go:build integration

// Package integration exercises the Postgres repositories and the Redis
// quota cache against real containers. Run with -tags integration and a
// working Docker daemon.
package integration

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	rediscache "github.com/fairyhunter13/crawl-orchestrator/internal/adapter/cache/redis"
	"github.com/fairyhunter13/crawl-orchestrator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
)

func startPostgres(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16",
		Env:          map[string]string{"POSTGRES_PASSWORD": "postgres", "POSTGRES_USER": "postgres", "POSTGRES_DB": "crawl"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithStartupTimeout(90 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dsn := "postgres://postgres:postgres@" + host + ":" + port.Port() + "/crawl?sslmode=disable"

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.Eventually(t, func() bool { return pool.Ping(ctx) == nil }, 30*time.Second, time.Second)

	schema, err := os.ReadFile("../../deploy/migrations/0001_init.sql")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(schema))
	require.NoError(t, err)

	return pool
}

func TestJobRepo_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pool := startPostgres(t, ctx)

	jobs := postgres.NewJobRepo(pool)
	now := time.Now().UTC()
	job := &domain.CrawlJob{
		ID:          "job-int-1",
		UserID:      "u1",
		URLs:        []string{"https://example.com"},
		Prompt:      "extract title",
		WorkerKind:  domain.WorkerHTTPClient,
		Priority:    domain.PriorityNormal,
		Status:      domain.JobPending,
		AccessLevel: domain.AccessPrivate,
		MaxRetries:  3,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, jobs.Create(ctx, job))

	got, err := jobs.Get(ctx, "job-int-1")
	require.NoError(t, err)
	require.Equal(t, domain.JobPending, got.Status)
	require.Equal(t, []string{"https://example.com"}, got.URLs)

	ready, err := jobs.ListReady(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)

	// Stale version must be rejected.
	stale := got
	stale.Version = got.Version + 7
	stale.Status = domain.JobAssigned
	require.ErrorIs(t, jobs.Update(ctx, &stale), domain.ErrConflict)

	got.Status = domain.JobAssigned
	require.NoError(t, jobs.Update(ctx, &got))
}

func TestQuotaRepo_ReserveIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pool := startPostgres(t, ctx)

	quota := postgres.NewQuotaRepo(pool)
	require.NoError(t, quota.Upsert(ctx, domain.QuotaSnapshot{
		UserID:       "u2",
		Limit:        10,
		ResetAt:      time.Now().UTC().Add(24 * time.Hour),
		LastSyncedAt: time.Now().UTC(),
		Source:       "default",
	}))

	snap, err := quota.Reserve(ctx, "u2", 3, "job-a")
	require.NoError(t, err)
	require.Equal(t, 3, snap.Used)

	// Same reservation key does not double-debit.
	snap, err = quota.Reserve(ctx, "u2", 3, "job-a")
	require.NoError(t, err)
	require.Equal(t, 3, snap.Used)

	// Overdraft is refused with the current state attached.
	_, err = quota.Reserve(ctx, "u2", 8, "job-b")
	var qerr *domain.QuotaError
	require.ErrorAs(t, err, &qerr)
	require.Equal(t, 10, qerr.Limit)

	snap, err = quota.Refund(ctx, "u2", 2, "cancelled")
	require.NoError(t, err)
	require.Equal(t, 1, snap.Used)
}

func TestQuotaCache_Containers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
	}
	rdC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdC.Terminate(ctx) })

	host, err := rdC.Host(ctx)
	require.NoError(t, err)
	port, err := rdC.MappedPort(ctx, "6379")
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	require.Eventually(t, func() bool { return rdb.Ping(ctx).Err() == nil }, 30*time.Second, time.Second)

	cache := rediscache.NewQuotaCache(rdb, time.Minute)
	snap := domain.QuotaSnapshot{UserID: "u3", Limit: 50, Used: 5, LastSyncedAt: time.Now().UTC()}
	require.NoError(t, cache.Set(ctx, snap))

	got, ok, err := cache.Get(ctx, "u3")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 45, got.Remaining())

	require.NoError(t, cache.Invalidate(ctx, "u3"))
	_, ok, err = cache.Get(ctx, "u3")
	require.NoError(t, err)
	require.False(t, ok)
}
