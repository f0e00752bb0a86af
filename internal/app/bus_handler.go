package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
	"github.com/fairyhunter13/crawl-orchestrator/internal/usecase"
)

// BusHandler routes consumed bus events into the lifecycle and quota
// services. Handler errors keep the record unmarked so the consumer group
// redelivers it; the lifecycle dedupes on seq, so redelivery is safe.
type BusHandler struct {
	lifecycle *usecase.LifecycleService
	quota     usecase.QuotaService
}

// NewBusHandler constructs a BusHandler.
func NewBusHandler(lifecycle *usecase.LifecycleService, quota usecase.QuotaService) *BusHandler {
	return &BusHandler{lifecycle: lifecycle, quota: quota}
}

// HandleProgress applies a worker progress report to the job.
func (h *BusHandler) HandleProgress(ctx context.Context, ev domain.ProgressEvent) error {
	if ev.JobID == "" {
		slog.Warn("progress event without job id, dropping")
		return nil
	}
	return h.lifecycle.OnProgress(ctx, ev)
}

// HandleResult finalizes a job from a worker terminal report.
func (h *BusHandler) HandleResult(ctx context.Context, ev domain.ResultEvent) error {
	if ev.JobID == "" {
		slog.Warn("result event without job id, dropping")
		return nil
	}
	return h.lifecycle.OnResult(ctx, ev)
}

// HandleUserEvent reacts to upstream account changes. Quota changes re-pull
// the durable limit; anything else just drops the cached snapshot so the
// next admission reads fresh state.
func (h *BusHandler) HandleUserEvent(ctx context.Context, eventType string, payload []byte) error {
	var ev struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("unmarshal user event payload: %w", err)
	}
	if ev.UserID == "" {
		slog.Warn("user event without user id, dropping", slog.String("type", eventType))
		return nil
	}

	switch eventType {
	case "user.quota-updated", "user.quota-reset", "user.tier-changed":
		if _, err := h.quota.SyncFromUpstream(ctx, ev.UserID); err != nil {
			return fmt.Errorf("sync quota for %s: %w", ev.UserID, err)
		}
	default:
		h.quota.InvalidateCache(ctx, ev.UserID)
	}
	return nil
}

// FanoutRelay feeds consumed progress and result events to in-process
// stream subscribers without touching durable state. Every API instance
// runs one under its own consumer group so each sees the full stream.
type FanoutRelay struct {
	fanout *usecase.Fanout
}

// NewFanoutRelay constructs a FanoutRelay over the given fanout.
func NewFanoutRelay(fanout *usecase.Fanout) *FanoutRelay {
	return &FanoutRelay{fanout: fanout}
}

// HandleProgress forwards a progress event to stream subscribers.
func (r *FanoutRelay) HandleProgress(_ context.Context, ev domain.ProgressEvent) error {
	r.fanout.NotifyProgress(ev.JobID, ev)
	return nil
}

// HandleResult forwards a terminal event to stream subscribers.
func (r *FanoutRelay) HandleResult(_ context.Context, ev domain.ResultEvent) error {
	r.fanout.NotifyTerminal(ev.JobID, ev)
	return nil
}

// HandleUserEvent is a no-op; account changes are applied by the
// orchestrator's consumer, not the API relay.
func (r *FanoutRelay) HandleUserEvent(context.Context, string, []byte) error { return nil }
