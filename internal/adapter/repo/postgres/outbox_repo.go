package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
)

// OutboxRepo stores bus messages co-committed with domain state.
type OutboxRepo struct{ Pool PgxPool }

// NewOutboxRepo constructs an OutboxRepo with the given pool.
func NewOutboxRepo(p PgxPool) *OutboxRepo { return &OutboxRepo{Pool: p} }

// Enqueue appends a message; must run inside the transaction that mutates
// the state the message describes.
func (r *OutboxRepo) Enqueue(ctx domain.Context, m *domain.OutboxMessage) error {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.Enqueue")
	defer span.End()
	if m.EventID == "" {
		m.EventID = uuid.New().String()
	}
	if m.OccurredAt.IsZero() {
		m.OccurredAt = time.Now().UTC()
	}
	if m.MaxRetries == 0 {
		m.MaxRetries = 3
	}
	q := `INSERT INTO outbox_messages (event_id, type, topic, key, payload, occurred_at, retry_count, max_retries)
		VALUES ($1,$2,$3,$4,$5,$6,0,$7) RETURNING id`
	if err := r.Pool.QueryRow(ctx, q, m.EventID, m.Type, m.Topic, m.Key, m.Payload, m.OccurredAt, m.MaxRetries).Scan(&m.ID); err != nil {
		return fmt.Errorf("op=outbox.enqueue: %w", err)
	}
	return nil
}

// ListDue returns unprocessed, non-dead rows whose retry delay has elapsed,
// oldest occurrence first so per-key publication order holds.
func (r *OutboxRepo) ListDue(ctx domain.Context, now time.Time, limit int) ([]domain.OutboxMessage, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.ListDue")
	defer span.End()
	q := `SELECT id, event_id, type, topic, key, payload, occurred_at, processed_at, retry_count, max_retries, next_retry_at, COALESCE(last_error,''), dead
		FROM outbox_messages
		WHERE processed_at IS NULL AND dead=FALSE AND (next_retry_at IS NULL OR next_retry_at <= $1)
		ORDER BY occurred_at ASC, id ASC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, now, limit)
	if err != nil {
		return nil, fmt.Errorf("op=outbox.list_due: %w", err)
	}
	defer rows.Close()
	var out []domain.OutboxMessage
	for rows.Next() {
		var m domain.OutboxMessage
		if err := rows.Scan(&m.ID, &m.EventID, &m.Type, &m.Topic, &m.Key, &m.Payload,
			&m.OccurredAt, &m.ProcessedAt, &m.RetryCount, &m.MaxRetries, &m.NextRetryAt,
			&m.LastError, &m.Dead); err != nil {
			return nil, fmt.Errorf("op=outbox.list_due: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=outbox.list_due: %w", err)
	}
	return out, nil
}

// MarkProcessed stamps a row after the broker acknowledged it.
func (r *OutboxRepo) MarkProcessed(ctx domain.Context, id int64) error {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.MarkProcessed")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `UPDATE outbox_messages SET processed_at=$2 WHERE id=$1`, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=outbox.mark_processed: %w", err)
	}
	return nil
}

// MarkFailed records a publish failure; dead rows are never retried again.
func (r *OutboxRepo) MarkFailed(ctx domain.Context, id int64, lastError string, nextRetryAt time.Time, dead bool) error {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.MarkFailed")
	defer span.End()
	q := `UPDATE outbox_messages SET retry_count=retry_count+1, last_error=$2, next_retry_at=$3, dead=$4 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, lastError, nextRetryAt, dead); err != nil {
		return fmt.Errorf("op=outbox.mark_failed: %w", err)
	}
	return nil
}

// PurgeProcessedBefore removes acknowledged rows older than cutoff.
func (r *OutboxRepo) PurgeProcessedBefore(ctx domain.Context, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.PurgeProcessedBefore")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM outbox_messages WHERE processed_at IS NOT NULL AND processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=outbox.purge: %w", err)
	}
	return tag.RowsAffected(), nil
}
