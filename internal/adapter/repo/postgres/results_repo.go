package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
)

// ResultRepo persists per-URL crawl outcomes. Rows are insert-only.
type ResultRepo struct{ Pool PgxPool }

// NewResultRepo constructs a ResultRepo with the given pool.
func NewResultRepo(p PgxPool) *ResultRepo { return &ResultRepo{Pool: p} }

// InsertBatch stores the outcomes of a terminal event in one statement batch.
func (r *ResultRepo) InsertBatch(ctx domain.Context, results []domain.CrawlResult) error {
	tracer := otel.Tracer("repo.results")
	ctx, span := tracer.Start(ctx, "results.InsertBatch")
	defer span.End()
	q := `INSERT INTO crawl_results (id, job_id, url, success, status_code, content_size, content_hash, extracted, error, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	now := time.Now().UTC()
	for i := range results {
		res := &results[i]
		if res.ID == "" {
			res.ID = uuid.New().String()
		}
		if res.CreatedAt.IsZero() {
			res.CreatedAt = now
		}
		if _, err := r.Pool.Exec(ctx, q, res.ID, res.JobID, res.URL, res.Success,
			res.StatusCode, res.ContentSize, res.ContentHash, res.Extracted, res.Error, res.CreatedAt); err != nil {
			return fmt.Errorf("op=result.insert_batch url=%s: %w", res.URL, err)
		}
	}
	return nil
}

// ListByJob loads all outcomes of a job in insertion order.
func (r *ResultRepo) ListByJob(ctx domain.Context, jobID string) ([]domain.CrawlResult, error) {
	tracer := otel.Tracer("repo.results")
	ctx, span := tracer.Start(ctx, "results.ListByJob")
	defer span.End()
	q := `SELECT id, job_id, url, success, status_code, content_size, content_hash, extracted, COALESCE(error,''), created_at
		FROM crawl_results WHERE job_id=$1 ORDER BY created_at ASC, id ASC`
	rows, err := r.Pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=result.list: %w", err)
	}
	defer rows.Close()
	var out []domain.CrawlResult
	for rows.Next() {
		var res domain.CrawlResult
		if err := rows.Scan(&res.ID, &res.JobID, &res.URL, &res.Success, &res.StatusCode,
			&res.ContentSize, &res.ContentHash, &res.Extracted, &res.Error, &res.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=result.list: %w", err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=result.list: %w", err)
	}
	return out, nil
}

// CountByJob returns the number of stored outcomes for a job; the lifecycle
// engine checks it against the job aggregates at completion.
func (r *ResultRepo) CountByJob(ctx domain.Context, jobID string) (int, error) {
	tracer := otel.Tracer("repo.results")
	ctx, span := tracer.Start(ctx, "results.CountByJob")
	defer span.End()
	var n int
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM crawl_results WHERE job_id=$1`, jobID).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=result.count: %w", err)
	}
	return n, nil
}
