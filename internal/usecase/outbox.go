package usecase

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
)

// enqueueEvent writes one outbox row inside the caller's transaction.
// eventID ties the row to the identifier embedded in the payload so bus
// consumers can deduplicate; pass "" to mint a fresh one.
func enqueueEvent(ctx domain.Context, outbox domain.OutboxRepository, eventID, eventType, topic, key string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=outbox.encode type=%s: %w", eventType, err)
	}
	if eventID == "" {
		eventID = uuid.NewString()
	}
	m := domain.OutboxMessage{
		EventID:    eventID,
		Type:       eventType,
		Topic:      topic,
		Key:        key,
		Payload:    body,
		OccurredAt: time.Now().UTC(),
	}
	return outbox.Enqueue(ctx, &m)
}

// enqueueJobEvent records one lifecycle transition on crawl.events, keyed by
// the job so per-job order survives partitioning.
func enqueueJobEvent(ctx domain.Context, outbox domain.OutboxRepository, eventType string, j *domain.CrawlJob) error {
	ev := domain.JobEvent{
		EventID:    uuid.NewString(),
		Type:       eventType,
		JobID:      j.ID,
		UserID:     j.UserID,
		Status:     j.Status,
		RetryCount: j.RetryCount,
		Error:      j.Error,
		OccurredAt: time.Now().UTC(),
	}
	return enqueueEvent(ctx, outbox, ev.EventID, eventType, domain.TopicCrawlEvents, j.ID, ev)
}
