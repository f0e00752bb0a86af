package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/crawl-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
	"github.com/fairyhunter13/crawl-orchestrator/internal/usecase"
)

// Dispatcher moves ready Pending jobs onto agents: pick the agent, reserve
// its slot and bind the job in one transaction, then hand the work to the
// agent over HTTP. It also promotes due Failed jobs back to Pending.
type Dispatcher struct {
	jobs      domain.JobRepository
	scaling   domain.ScalingRepository
	lifecycle *usecase.LifecycleService
	pool      *usecase.PoolService
	worker    domain.WorkerClient

	interval  time.Duration
	batchSize int
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(jobs domain.JobRepository, scaling domain.ScalingRepository, lifecycle *usecase.LifecycleService, pool *usecase.PoolService, worker domain.WorkerClient, interval time.Duration, batchSize int) *Dispatcher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 20
	}
	return &Dispatcher{
		jobs:      jobs,
		scaling:   scaling,
		lifecycle: lifecycle,
		pool:      pool,
		worker:    worker,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run executes dispatch passes until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("dispatcher stopping")
			return
		case <-ticker.C:
			d.runOnce(ctx)
		}
	}
}

func (d *Dispatcher) runOnce(ctx context.Context) {
	tracer := otel.Tracer("app.dispatcher")
	ctx, span := tracer.Start(ctx, "Dispatcher.runOnce")
	defer span.End()

	now := time.Now().UTC()
	d.requeueDue(ctx, now)

	ready, err := d.jobs.ListReady(ctx, now, d.batchSize)
	if err != nil {
		span.RecordError(err)
		slog.Error("dispatcher failed to list ready jobs", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("jobs.ready", len(ready)))

	for i := range ready {
		if ctx.Err() != nil {
			return
		}
		d.dispatchOne(ctx, &ready[i])
	}
}

// requeueDue flips due Failed jobs back to Pending so this pass can pick
// them up.
func (d *Dispatcher) requeueDue(ctx context.Context, now time.Time) {
	due, err := d.jobs.ListDueRetries(ctx, now, d.batchSize)
	if err != nil {
		slog.Error("dispatcher failed to list due retries", slog.Any("error", err))
		return
	}
	for i := range due {
		if err := d.lifecycle.Requeue(ctx, due[i].ID); err != nil {
			slog.Error("requeue failed", slog.String("job_id", due[i].ID), slog.Any("error", err))
		}
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, job *domain.CrawlJob) {
	start := time.Now()
	lg := slog.Default().With(slog.String("job_id", job.ID), slog.String("kind", string(job.WorkerKind)))

	if d.pool.DispatchPaused(ctx, d.scaling, job.UserID, job.WorkerKind) {
		lg.Warn("dispatch paused by cost ceiling", slog.String("user_id", job.UserID))
		return
	}

	agent, err := d.pool.Pick(ctx, job.WorkerKind)
	if err != nil {
		if errors.Is(err, domain.ErrCapacityExhausted) {
			lg.Debug("no capacity for job, leaving pending")
			return
		}
		lg.Error("agent pick failed", slog.Any("error", err))
		return
	}

	assigned, err := d.lifecycle.Assign(ctx, job.ID, agent.ID)
	if err != nil {
		// Conflict means another dispatcher instance won the job; capacity
		// exhaustion means the agent filled up between listing and reserving.
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrCapacityExhausted) {
			lg.Debug("assignment lost race", slog.Any("error", err))
			return
		}
		lg.Error("assignment failed", slog.Any("error", err))
		return
	}

	req := domain.CrawlRequest{
		JobID:          assigned.ID,
		UserID:         assigned.UserID,
		URLs:           assigned.URLs,
		Prompt:         assigned.Prompt,
		NavigationPlan: assigned.NavigationPlan,
		MaxPages:       assigned.MaxPages,
		Kind:           assigned.WorkerKind,
	}
	if err := d.worker.Submit(ctx, agent.Endpoint, req); err != nil {
		lg.Warn("worker submission refused", slog.String("agent_id", agent.ID), slog.Any("error", err))
		if ferr := d.lifecycle.MarkDispatchFailed(ctx, assigned.ID, err); ferr != nil {
			lg.Error("failed to record dispatch failure", slog.Any("error", ferr))
		}
		return
	}

	observability.JobsDispatchedTotal.WithLabelValues(string(assigned.WorkerKind)).Inc()
	observability.DispatchLatency.Observe(time.Since(start).Seconds())
	lg.Info("job dispatched", slog.String("agent_id", agent.ID))
}
