package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
)

// JobRepo persists and loads crawl jobs from PostgreSQL.
//
// Soft-deleted rows are filtered here; deletion never leaks into domain
// logic. Update enforces optimistic concurrency via the version column.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, user_id, assignment_id, group_id, conversation_id, urls, prompt,
	max_pages, worker_kind, priority, status, access_level, template_id,
	extraction_strategy, navigation_plan, assigned_agent_id, retry_count, max_retries,
	next_retry_at, urls_processed, urls_successful, urls_failed, total_bytes, last_seq,
	COALESCE(error,''), created_at, started_at, completed_at, failed_at, updated_at, version`

func scanJob(row pgx.Row) (domain.CrawlJob, error) {
	var j domain.CrawlJob
	var prio int
	err := row.Scan(&j.ID, &j.UserID, &j.AssignmentID, &j.GroupID, &j.ConversationID,
		&j.URLs, &j.Prompt, &j.MaxPages, &j.WorkerKind, &prio, &j.Status, &j.AccessLevel,
		&j.TemplateID, &j.ExtractionStrategy, &j.NavigationPlan, &j.AssignedAgentID,
		&j.RetryCount, &j.MaxRetries, &j.NextRetryAt, &j.URLsProcessed, &j.URLsSuccessful,
		&j.URLsFailed, &j.TotalBytes, &j.LastSeq, &j.Error, &j.CreatedAt, &j.StartedAt,
		&j.CompletedAt, &j.FailedAt, &j.UpdatedAt, &j.Version)
	if err != nil {
		return domain.CrawlJob{}, err
	}
	j.Priority = domain.Priority(prio)
	return j, nil
}

func collectJobs(rows pgx.Rows) ([]domain.CrawlJob, error) {
	defer rows.Close()
	var out []domain.CrawlJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Create inserts a new job in status Pending, generating a ULID when no id
// is supplied.
func (r *JobRepo) Create(ctx domain.Context, j *domain.CrawlJob) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	if j.ID == "" {
		j.ID = ulid.Make().String()
	}
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	j.Version = 1
	q := `INSERT INTO crawl_jobs (id, user_id, assignment_id, group_id, conversation_id, urls, prompt,
		max_pages, worker_kind, priority, status, access_level, template_id,
		extraction_strategy, navigation_plan, assigned_agent_id, retry_count, max_retries,
		next_retry_at, urls_processed, urls_successful, urls_failed, total_bytes, last_seq,
		error, created_at, started_at, completed_at, failed_at, updated_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31)`
	_, err := r.Pool.Exec(ctx, q, j.ID, j.UserID, j.AssignmentID, j.GroupID, j.ConversationID,
		j.URLs, j.Prompt, j.MaxPages, j.WorkerKind, int(j.Priority), j.Status, j.AccessLevel,
		j.TemplateID, j.ExtractionStrategy, j.NavigationPlan, j.AssignedAgentID,
		j.RetryCount, j.MaxRetries, j.NextRetryAt, j.URLsProcessed, j.URLsSuccessful,
		j.URLsFailed, j.TotalBytes, j.LastSeq, j.Error, j.CreatedAt, j.StartedAt,
		j.CompletedAt, j.FailedAt, j.UpdatedAt, j.Version)
	if err != nil {
		return fmt.Errorf("op=job.create: %w", err)
	}
	return nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.CrawlJob, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM crawl_jobs WHERE id=$1 AND deleted_at IS NULL`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CrawlJob{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.CrawlJob{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// Update writes all mutable fields guarded by the optimistic version check.
// The in-memory Version is bumped on success; stale writers get ErrConflict.
func (r *JobRepo) Update(ctx domain.Context, j *domain.CrawlJob) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Update")
	defer span.End()
	q := `UPDATE crawl_jobs SET status=$2, assigned_agent_id=$3, retry_count=$4,
		next_retry_at=$5, urls_processed=$6, urls_successful=$7, urls_failed=$8,
		total_bytes=$9, last_seq=$10, error=$11, started_at=$12, completed_at=$13,
		failed_at=$14, template_id=$15, navigation_plan=$16, worker_kind=$17,
		updated_at=$18, version=version+1
		WHERE id=$1 AND version=$19 AND deleted_at IS NULL`
	now := time.Now().UTC()
	tag, err := r.Pool.Exec(ctx, q, j.ID, j.Status, j.AssignedAgentID, j.RetryCount,
		j.NextRetryAt, j.URLsProcessed, j.URLsSuccessful, j.URLsFailed, j.TotalBytes,
		j.LastSeq, j.Error, j.StartedAt, j.CompletedAt, j.FailedAt, j.TemplateID,
		j.NavigationPlan, j.WorkerKind, now, j.Version)
	if err != nil {
		return fmt.Errorf("op=job.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.update id=%s: %w", j.ID, domain.ErrConflict)
	}
	j.Version++
	j.UpdatedAt = now
	return nil
}

// ListReady returns Pending jobs ready for dispatch ordered by priority then age.
func (r *JobRepo) ListReady(ctx domain.Context, now time.Time, limit int) ([]domain.CrawlJob, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListReady")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM crawl_jobs
		WHERE status=$1 AND deleted_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= $2)
		ORDER BY priority DESC, created_at ASC LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, domain.JobPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_ready: %w", err)
	}
	out, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_ready: %w", err)
	}
	return out, nil
}

// ListDueRetries returns Failed jobs with retry budget left whose backoff has
// elapsed.
func (r *JobRepo) ListDueRetries(ctx domain.Context, now time.Time, limit int) ([]domain.CrawlJob, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListDueRetries")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM crawl_jobs
		WHERE status=$1 AND deleted_at IS NULL AND retry_count < max_retries
		AND next_retry_at IS NOT NULL AND next_retry_at <= $2
		ORDER BY next_retry_at ASC LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, domain.JobFailed, now, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_due_retries: %w", err)
	}
	out, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_due_retries: %w", err)
	}
	return out, nil
}

// ListByAgent returns non-terminal jobs bound to an agent.
func (r *JobRepo) ListByAgent(ctx domain.Context, agentID string) ([]domain.CrawlJob, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListByAgent")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM crawl_jobs
		WHERE assigned_agent_id=$1 AND status IN ($2,$3) AND deleted_at IS NULL`
	rows, err := r.Pool.Query(ctx, q, agentID, domain.JobAssigned, domain.JobRunning)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_by_agent: %w", err)
	}
	out, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_by_agent: %w", err)
	}
	return out, nil
}

// ListStalled returns Assigned/Running jobs with no progress since cutoff.
func (r *JobRepo) ListStalled(ctx domain.Context, cutoff time.Time, limit int) ([]domain.CrawlJob, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListStalled")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM crawl_jobs
		WHERE status IN ($1,$2) AND deleted_at IS NULL AND updated_at < $3
		ORDER BY updated_at ASC LIMIT $4`
	rows, err := r.Pool.Query(ctx, q, domain.JobAssigned, domain.JobRunning, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_stalled: %w", err)
	}
	out, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_stalled: %w", err)
	}
	return out, nil
}

// ListByUser pages a user's jobs newest first.
func (r *JobRepo) ListByUser(ctx domain.Context, userID string, offset, limit int) ([]domain.CrawlJob, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListByUser")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM crawl_jobs
		WHERE user_id=$1 AND deleted_at IS NULL
		ORDER BY created_at DESC OFFSET $2 LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, userID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_by_user: %w", err)
	}
	out, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_by_user: %w", err)
	}
	return out, nil
}

// SoftDelete marks a job deleted; repository filters hide it from then on.
func (r *JobRepo) SoftDelete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SoftDelete")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `UPDATE crawl_jobs SET deleted_at=$2 WHERE id=$1 AND deleted_at IS NULL`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.soft_delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.soft_delete: %w", domain.ErrNotFound)
	}
	return nil
}

// PurgeDeletedBefore removes soft-deleted jobs older than cutoff; results
// cascade at the schema level.
func (r *JobRepo) PurgeDeletedBefore(ctx domain.Context, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.PurgeDeletedBefore")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM crawl_jobs WHERE deleted_at IS NOT NULL AND deleted_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=job.purge: %w", err)
	}
	return tag.RowsAffected(), nil
}
