package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/crawl-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
)

// OutboxBridge drains the transactional outbox onto the event bus. Rows are
// published oldest-first so per-key ordering on the broker matches commit
// order; delivery is at-least-once and consumers dedupe on event_id.
type OutboxBridge struct {
	outbox domain.OutboxRepository
	bus    domain.EventBus

	interval   time.Duration
	batchSize  int
	maxRetries int
	retryBase  time.Duration
}

// NewOutboxBridge constructs an OutboxBridge. maxRetries bounds publish
// attempts for rows that carry no per-row budget.
func NewOutboxBridge(outbox domain.OutboxRepository, bus domain.EventBus, interval time.Duration, batchSize, maxRetries int) *OutboxBridge {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &OutboxBridge{
		outbox:     outbox,
		bus:        bus,
		interval:   interval,
		batchSize:  batchSize,
		maxRetries: maxRetries,
		retryBase:  5 * time.Second,
	}
}

// Run executes publish passes until the context is cancelled.
func (b *OutboxBridge) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	b.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("outbox bridge stopping")
			return
		case <-ticker.C:
			b.runOnce(ctx)
		}
	}
}

func (b *OutboxBridge) runOnce(ctx context.Context) {
	tracer := otel.Tracer("app.outbox")
	ctx, span := tracer.Start(ctx, "OutboxBridge.runOnce")
	defer span.End()

	due, err := b.outbox.ListDue(ctx, time.Now().UTC(), b.batchSize)
	if err != nil {
		span.RecordError(err)
		slog.Error("outbox bridge failed to list due rows", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("outbox.due", len(due)))

	published := 0
	for i := range due {
		if ctx.Err() != nil {
			return
		}
		if b.publishOne(ctx, &due[i]) {
			published++
		}
	}
	if published > 0 {
		slog.Debug("outbox pass complete",
			slog.Int("published", published), slog.Int("due", len(due)))
	}
}

// publishOne pushes a single row to the broker and records the outcome.
// Returns true when the row was acknowledged and marked processed.
func (b *OutboxBridge) publishOne(ctx context.Context, m *domain.OutboxMessage) bool {
	lg := slog.Default().With(
		slog.Int64("outbox_id", m.ID),
		slog.String("event_id", m.EventID),
		slog.String("topic", m.Topic),
	)

	if err := b.bus.Publish(ctx, m.Topic, m.Key, m.Payload); err != nil {
		b.recordFailure(ctx, m, err, lg)
		return false
	}

	if err := b.outbox.MarkProcessed(ctx, m.ID); err != nil {
		// Publish succeeded but the stamp did not; the row will be sent
		// again next pass, which at-least-once delivery already permits.
		lg.Error("failed to mark outbox row processed", slog.Any("error", err))
		return false
	}
	return true
}

func (b *OutboxBridge) recordFailure(ctx context.Context, m *domain.OutboxMessage, pubErr error, lg *slog.Logger) {
	// MarkFailed increments retry_count in SQL, so the count we observe here
	// is one behind the stored value.
	attempt := m.RetryCount + 1
	budget := m.MaxRetries
	if budget <= 0 {
		budget = b.maxRetries
	}
	dead := attempt >= budget
	nextRetry := time.Now().UTC().Add(b.backoff(attempt))

	if err := b.outbox.MarkFailed(ctx, m.ID, pubErr.Error(), nextRetry, dead); err != nil {
		lg.Error("failed to mark outbox row failed", slog.Any("error", err))
		return
	}
	if dead {
		observability.OutboxDeadTotal.Inc()
		lg.Error("outbox row dead after exhausting retries",
			slog.Int("attempts", attempt), slog.Any("error", pubErr))
		return
	}
	lg.Warn("outbox publish failed, will retry",
		slog.Int("attempt", attempt),
		slog.Time("next_retry_at", nextRetry),
		slog.Any("error", pubErr))
}

// backoff doubles the delay per attempt, capped at two minutes.
func (b *OutboxBridge) backoff(attempt int) time.Duration {
	const ceiling = 2 * time.Minute
	d := b.retryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return d
}
