package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
	"github.com/fairyhunter13/crawl-orchestrator/internal/usecase"
)

// AutoScaler periodically evaluates enabled scaling policies against pool
// load and emits scale events. The orchestrator never provisions agents
// itself; operators (or an external controller) act on the emitted events.
type AutoScaler struct {
	scaling  domain.ScalingRepository
	pool     *usecase.PoolService
	interval time.Duration
}

// NewAutoScaler constructs an AutoScaler.
func NewAutoScaler(scaling domain.ScalingRepository, pool *usecase.PoolService, interval time.Duration) *AutoScaler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &AutoScaler{scaling: scaling, pool: pool, interval: interval}
}

// Run executes evaluation passes until the context is cancelled.
func (a *AutoScaler) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("autoscaler stopping")
			return
		case <-ticker.C:
			a.runOnce(ctx)
		}
	}
}

func (a *AutoScaler) runOnce(ctx context.Context) {
	tracer := otel.Tracer("app.autoscaler")
	ctx, span := tracer.Start(ctx, "AutoScaler.runOnce")
	defer span.End()

	if err := a.pool.EvaluateScaling(ctx, a.scaling, time.Now().UTC()); err != nil {
		span.RecordError(err)
		slog.Error("scaling evaluation failed", slog.Any("error", err))
	}
}
