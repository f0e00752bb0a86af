package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
)

type memOutbox struct {
	mu   sync.Mutex
	rows []domain.OutboxMessage
}

func (m *memOutbox) Enqueue(_ domain.Context, msg *domain.OutboxMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.ID = int64(len(m.rows) + 1)
	m.rows = append(m.rows, *msg)
	return nil
}

func (m *memOutbox) ListDue(_ domain.Context, now time.Time, limit int) ([]domain.OutboxMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OutboxMessage
	for _, r := range m.rows {
		if r.ProcessedAt != nil || r.Dead {
			continue
		}
		if r.NextRetryAt != nil && r.NextRetryAt.After(now) {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memOutbox) MarkProcessed(_ domain.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for i := range m.rows {
		if m.rows[i].ID == id {
			m.rows[i].ProcessedAt = &now
		}
	}
	return nil
}

func (m *memOutbox) MarkFailed(_ domain.Context, id int64, lastError string, nextRetryAt time.Time, dead bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rows {
		if m.rows[i].ID == id {
			m.rows[i].RetryCount++
			m.rows[i].LastError = lastError
			m.rows[i].NextRetryAt = &nextRetryAt
			m.rows[i].Dead = dead
		}
	}
	return nil
}

func (m *memOutbox) PurgeProcessedBefore(_ domain.Context, _ time.Time) (int64, error) { return 0, nil }

func (m *memOutbox) row(id int64) domain.OutboxMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.ID == id {
			return r
		}
	}
	return domain.OutboxMessage{}
}

type recordingBus struct {
	mu        sync.Mutex
	published []string
	failTopic string
	err       error
}

func (b *recordingBus) Publish(_ domain.Context, topic, _ string, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if topic == b.failTopic {
		if b.err != nil {
			return b.err
		}
		return errors.New("broker unavailable")
	}
	b.published = append(b.published, topic)
	return nil
}

func seedOutboxRow(t *testing.T, ob *memOutbox, topic string, maxRetries, retryCount int) int64 {
	t.Helper()
	msg := domain.OutboxMessage{
		EventID:    "ev-" + topic,
		Type:       "job.submitted",
		Topic:      topic,
		Key:        "job-1",
		Payload:    []byte(`{"job_id":"job-1"}`),
		OccurredAt: time.Now().UTC(),
		MaxRetries: maxRetries,
		RetryCount: retryCount,
	}
	require.NoError(t, ob.Enqueue(context.Background(), &msg))
	return msg.ID
}

func TestOutboxBridge_PublishesAndStamps(t *testing.T) {
	t.Parallel()
	ob := &memOutbox{}
	bus := &recordingBus{}
	id1 := seedOutboxRow(t, ob, domain.TopicCrawlEvents, 0, 0)
	id2 := seedOutboxRow(t, ob, domain.TopicCrawlRequest, 0, 0)

	b := NewOutboxBridge(ob, bus, time.Second, 10, 3)
	b.runOnce(context.Background())

	assert.Equal(t, []string{domain.TopicCrawlEvents, domain.TopicCrawlRequest}, bus.published)
	assert.NotNil(t, ob.row(id1).ProcessedAt)
	assert.NotNil(t, ob.row(id2).ProcessedAt)

	// Stamped rows are not re-sent.
	b.runOnce(context.Background())
	assert.Len(t, bus.published, 2)
}

func TestOutboxBridge_FailureSchedulesRetry(t *testing.T) {
	t.Parallel()
	ob := &memOutbox{}
	bus := &recordingBus{failTopic: domain.TopicCrawlEvents}
	id := seedOutboxRow(t, ob, domain.TopicCrawlEvents, 0, 0)

	b := NewOutboxBridge(ob, bus, time.Second, 10, 3)
	b.runOnce(context.Background())

	row := ob.row(id)
	assert.Nil(t, row.ProcessedAt)
	assert.False(t, row.Dead)
	assert.Equal(t, 1, row.RetryCount)
	assert.Equal(t, "broker unavailable", row.LastError)
	require.NotNil(t, row.NextRetryAt)
	assert.True(t, row.NextRetryAt.After(time.Now().UTC()))

	// The row stays parked until its retry time, so the next pass skips it.
	b.runOnce(context.Background())
	assert.Equal(t, 1, ob.row(id).RetryCount)
}

func TestOutboxBridge_DeadAfterBudget(t *testing.T) {
	t.Parallel()
	ob := &memOutbox{}
	bus := &recordingBus{failTopic: domain.TopicCrawlEvents, err: errors.New("still down")}
	// Two prior attempts recorded; the bridge budget of three makes this
	// attempt the last.
	id := seedOutboxRow(t, ob, domain.TopicCrawlEvents, 0, 2)

	b := NewOutboxBridge(ob, bus, time.Second, 10, 3)
	b.runOnce(context.Background())

	row := ob.row(id)
	assert.True(t, row.Dead)
	assert.Equal(t, 3, row.RetryCount)
	assert.Equal(t, "still down", row.LastError)
}

func TestOutboxBridge_PerRowBudgetWins(t *testing.T) {
	t.Parallel()
	ob := &memOutbox{}
	bus := &recordingBus{failTopic: domain.TopicCrawlEvents}
	// A per-row budget of one kills the row on its first failure even though
	// the bridge default allows three.
	id := seedOutboxRow(t, ob, domain.TopicCrawlEvents, 1, 0)

	b := NewOutboxBridge(ob, bus, time.Second, 10, 3)
	b.runOnce(context.Background())

	assert.True(t, ob.row(id).Dead)
}

func TestOutboxBridge_Backoff(t *testing.T) {
	t.Parallel()
	b := NewOutboxBridge(&memOutbox{}, &recordingBus{}, time.Second, 10, 3)

	assert.Equal(t, 5*time.Second, b.backoff(1))
	assert.Equal(t, 10*time.Second, b.backoff(2))
	assert.Equal(t, 20*time.Second, b.backoff(3))
	assert.Equal(t, 2*time.Minute, b.backoff(10))
}
