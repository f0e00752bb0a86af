package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
)

// ParticipantRepo stores per-job subscriptions.
type ParticipantRepo struct{ Pool PgxPool }

// NewParticipantRepo constructs a ParticipantRepo with the given pool.
func NewParticipantRepo(p PgxPool) *ParticipantRepo { return &ParticipantRepo{Pool: p} }

// Add subscribes a user to a job; re-adding keeps the stronger role.
func (r *ParticipantRepo) Add(ctx domain.Context, p domain.Participant) error {
	tracer := otel.Tracer("repo.participants")
	ctx, span := tracer.Start(ctx, "participants.Add")
	defer span.End()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	q := `INSERT INTO participants (job_id, user_id, role, watching, last_viewed_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (job_id, user_id) DO NOTHING`
	if _, err := r.Pool.Exec(ctx, q, p.JobID, p.UserID, p.Role, p.Watching, p.LastViewedAt, p.CreatedAt); err != nil {
		return fmt.Errorf("op=participant.add: %w", err)
	}
	return nil
}

// Get loads one subscription.
func (r *ParticipantRepo) Get(ctx domain.Context, jobID, userID string) (domain.Participant, error) {
	tracer := otel.Tracer("repo.participants")
	ctx, span := tracer.Start(ctx, "participants.Get")
	defer span.End()
	q := `SELECT job_id, user_id, role, watching, last_viewed_at, created_at FROM participants WHERE job_id=$1 AND user_id=$2`
	var p domain.Participant
	err := r.Pool.QueryRow(ctx, q, jobID, userID).Scan(&p.JobID, &p.UserID, &p.Role, &p.Watching, &p.LastViewedAt, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Participant{}, fmt.Errorf("op=participant.get: %w", domain.ErrNotFound)
		}
		return domain.Participant{}, fmt.Errorf("op=participant.get: %w", err)
	}
	return p, nil
}

// ListByJob returns all subscriptions of a job.
func (r *ParticipantRepo) ListByJob(ctx domain.Context, jobID string) ([]domain.Participant, error) {
	tracer := otel.Tracer("repo.participants")
	ctx, span := tracer.Start(ctx, "participants.ListByJob")
	defer span.End()
	q := `SELECT job_id, user_id, role, watching, last_viewed_at, created_at FROM participants WHERE job_id=$1 ORDER BY created_at ASC`
	rows, err := r.Pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=participant.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Participant
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(&p.JobID, &p.UserID, &p.Role, &p.Watching, &p.LastViewedAt, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=participant.list: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=participant.list: %w", err)
	}
	return out, nil
}
