package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
	"github.com/fairyhunter13/crawl-orchestrator/internal/usecase"
)

// HealthLoop is the periodic liveness pass: agents past the heartbeat
// window become Unhealthy with their jobs re-queued, and Assigned/Running
// jobs with no progress past the job timeout are forced to Failed.
type HealthLoop struct {
	jobs      domain.JobRepository
	pool      *usecase.PoolService
	lifecycle *usecase.LifecycleService

	interval   time.Duration
	jobTimeout time.Duration
}

// NewHealthLoop constructs a HealthLoop.
func NewHealthLoop(jobs domain.JobRepository, pool *usecase.PoolService, lifecycle *usecase.LifecycleService, interval, jobTimeout time.Duration) *HealthLoop {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	if jobTimeout <= 0 {
		jobTimeout = 30 * time.Minute
	}
	return &HealthLoop{
		jobs:       jobs,
		pool:       pool,
		lifecycle:  lifecycle,
		interval:   interval,
		jobTimeout: jobTimeout,
	}
}

// Run executes health passes until the context is cancelled.
func (h *HealthLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("health loop stopping")
			return
		case <-ticker.C:
			h.runOnce(ctx)
		}
	}
}

func (h *HealthLoop) runOnce(ctx context.Context) {
	tracer := otel.Tracer("app.health")
	ctx, span := tracer.Start(ctx, "HealthLoop.runOnce")
	defer span.End()

	now := time.Now().UTC()
	if err := h.pool.Tick(ctx, now); err != nil {
		span.RecordError(err)
		slog.Error("agent health pass failed", slog.Any("error", err))
	}
	timedOut := h.sweepStalled(ctx, now)
	span.SetAttributes(attribute.Int("jobs.timed_out", timedOut))
}

// sweepStalled pages through Assigned/Running jobs with no update since the
// timeout horizon and forces them to Failed with a retry scheduled.
func (h *HealthLoop) sweepStalled(ctx context.Context, now time.Time) int {
	const pageSize = 100
	cutoff := now.Add(-h.jobTimeout)

	total := 0
	for {
		jobs, err := h.jobs.ListStalled(ctx, cutoff, pageSize)
		if err != nil {
			slog.Error("stalled sweep failed to list jobs", slog.Any("error", err))
			return total
		}
		if len(jobs) == 0 {
			break
		}
		transitioned := 0
		for i := range jobs {
			reason := fmt.Sprintf("no progress within %v", h.jobTimeout)
			if err := h.lifecycle.FailStalled(ctx, jobs[i].ID, reason); err != nil {
				slog.Error("failed to time out stalled job",
					slog.String("job_id", jobs[i].ID), slog.Any("error", err))
				continue
			}
			transitioned++
		}
		total += transitioned
		// Jobs that failed to transition would repeat forever; stop when a
		// pass makes no headway or drained the page.
		if transitioned == 0 || len(jobs) < pageSize {
			break
		}
	}
	if total > 0 {
		slog.Warn("timed out stalled jobs", slog.Int("count", total))
	}
	return total
}
