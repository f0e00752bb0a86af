package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
)

// QuotaRepo owns the durable per-user ledger. All writes are guarded
// updates; the invariant used <= limit holds on every committed row.
type QuotaRepo struct{ Pool PgxPool }

// NewQuotaRepo constructs a QuotaRepo with the given pool.
func NewQuotaRepo(p PgxPool) *QuotaRepo { return &QuotaRepo{Pool: p} }

const quotaColumns = `user_id, quota_limit, used, reset_at, last_synced_at, COALESCE(source,''), override`

func scanQuota(row pgx.Row) (domain.QuotaSnapshot, error) {
	var q domain.QuotaSnapshot
	err := row.Scan(&q.UserID, &q.Limit, &q.Used, &q.ResetAt, &q.LastSyncedAt, &q.Source, &q.Override)
	return q, err
}

// Get loads a user's snapshot.
func (r *QuotaRepo) Get(ctx domain.Context, userID string) (domain.QuotaSnapshot, error) {
	tracer := otel.Tracer("repo.quota")
	ctx, span := tracer.Start(ctx, "quota.Get")
	defer span.End()
	q, err := scanQuota(r.Pool.QueryRow(ctx, `SELECT `+quotaColumns+` FROM quota_snapshots WHERE user_id=$1`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.QuotaSnapshot{}, fmt.Errorf("op=quota.get: %w", domain.ErrNotFound)
		}
		return domain.QuotaSnapshot{}, fmt.Errorf("op=quota.get: %w", err)
	}
	return q, nil
}

// Reserve atomically debits n units. The reservation key (job id) makes the
// debit idempotent: a re-run with the same key debits nothing and returns
// the current snapshot. Insufficient quota yields a QuotaError wrapping
// ErrQuotaExceeded and no row change.
func (r *QuotaRepo) Reserve(ctx domain.Context, userID string, n int, reservationKey string) (domain.QuotaSnapshot, error) {
	tracer := otel.Tracer("repo.quota")
	ctx, span := tracer.Start(ctx, "quota.Reserve")
	defer span.End()

	tag, err := r.Pool.Exec(ctx,
		`INSERT INTO quota_reservations (reservation_key, user_id, units, created_at) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (reservation_key) DO NOTHING`,
		reservationKey, userID, n, time.Now().UTC())
	if err != nil {
		return domain.QuotaSnapshot{}, fmt.Errorf("op=quota.reserve: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already reserved under this key; debit happened in a prior attempt.
		return r.Get(ctx, userID)
	}

	row := r.Pool.QueryRow(ctx,
		`UPDATE quota_snapshots SET used=used+$2 WHERE user_id=$1 AND used+$2 <= quota_limit
		 RETURNING `+quotaColumns, userID, n)
	snap, err := scanQuota(row)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return domain.QuotaSnapshot{}, fmt.Errorf("op=quota.reserve: %w", err)
		}
		// Guard refused: distinguish missing row from exhausted budget.
		cur, gerr := r.Get(ctx, userID)
		if gerr != nil {
			return domain.QuotaSnapshot{}, gerr
		}
		return domain.QuotaSnapshot{}, fmt.Errorf("op=quota.reserve user=%s: %w", userID, &domain.QuotaError{
			Limit:   cur.Limit,
			Used:    cur.Used,
			ResetAt: cur.ResetAt.Format(time.RFC3339),
		})
	}
	return snap, nil
}

// Refund credits n units back without exceeding the limit.
func (r *QuotaRepo) Refund(ctx domain.Context, userID string, n int, reason string) (domain.QuotaSnapshot, error) {
	tracer := otel.Tracer("repo.quota")
	ctx, span := tracer.Start(ctx, "quota.Refund")
	defer span.End()
	row := r.Pool.QueryRow(ctx,
		`UPDATE quota_snapshots SET used=GREATEST(used-$2,0) WHERE user_id=$1 RETURNING `+quotaColumns,
		userID, n)
	snap, err := scanQuota(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.QuotaSnapshot{}, fmt.Errorf("op=quota.refund: %w", domain.ErrNotFound)
		}
		return domain.QuotaSnapshot{}, fmt.Errorf("op=quota.refund: %w", err)
	}
	_ = reason // callers log the reason; the ledger stores only the numbers
	return snap, nil
}

// ListUserIDs returns every user with a ledger row, for the periodic
// upstream reconciliation loop.
func (r *QuotaRepo) ListUserIDs(ctx domain.Context) ([]string, error) {
	tracer := otel.Tracer("repo.quota")
	ctx, span := tracer.Start(ctx, "quota.ListUserIDs")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT user_id FROM quota_snapshots ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("op=quota.list_user_ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=quota.list_user_ids: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PurgeReservationsBefore deletes reservation keys past the retention
// horizon; without it the idempotency table grows with every accepted job.
func (r *QuotaRepo) PurgeReservationsBefore(ctx domain.Context, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("repo.quota")
	ctx, span := tracer.Start(ctx, "quota.PurgeReservationsBefore")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM quota_reservations WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=quota.purge_reservations: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Upsert reconciles a snapshot from the upstream user service. Overridden
// rows keep their local limit until the override flag is cleared.
func (r *QuotaRepo) Upsert(ctx domain.Context, q domain.QuotaSnapshot) error {
	tracer := otel.Tracer("repo.quota")
	ctx, span := tracer.Start(ctx, "quota.Upsert")
	defer span.End()
	sql := `INSERT INTO quota_snapshots (user_id, quota_limit, used, reset_at, last_synced_at, source, override)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (user_id) DO UPDATE SET
		quota_limit = CASE WHEN quota_snapshots.override THEN quota_snapshots.quota_limit ELSE EXCLUDED.quota_limit END,
		reset_at = EXCLUDED.reset_at,
		last_synced_at = EXCLUDED.last_synced_at,
		source = EXCLUDED.source`
	_, err := r.Pool.Exec(ctx, sql, q.UserID, q.Limit, q.Used, q.ResetAt, q.LastSyncedAt, q.Source, q.Override)
	if err != nil {
		return fmt.Errorf("op=quota.upsert: %w", err)
	}
	return nil
}
