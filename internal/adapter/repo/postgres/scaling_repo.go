package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
)

// ScalingRepo stores per-user, per-kind auto-scaling policies. Cooldown
// durations persist as nanoseconds.
type ScalingRepo struct{ Pool PgxPool }

// NewScalingRepo constructs a ScalingRepo with the given pool.
func NewScalingRepo(p PgxPool) *ScalingRepo { return &ScalingRepo{Pool: p} }

const scalingColumns = `user_id, kind, min_agents, max_agents, target_agents, auto_scaling_enabled,
	scale_up_threshold, scale_down_threshold, scale_up_cooldown, scale_down_cooldown,
	max_hourly_cost, pause_when_limit_hit, last_scale_up_at, last_scale_down_at`

func scanScaling(row pgx.Row) (domain.ScalingPolicy, error) {
	var p domain.ScalingPolicy
	var up, down int64
	err := row.Scan(&p.UserID, &p.Kind, &p.MinAgents, &p.MaxAgents, &p.TargetAgents,
		&p.AutoScalingEnabled, &p.ScaleUpThreshold, &p.ScaleDownThreshold, &up, &down,
		&p.MaxHourlyCost, &p.PauseWhenLimitHit, &p.LastScaleUpAt, &p.LastScaleDownAt)
	if err != nil {
		return domain.ScalingPolicy{}, err
	}
	p.ScaleUpCooldown = time.Duration(up)
	p.ScaleDownCooldown = time.Duration(down)
	return p, nil
}

// Get loads one policy.
func (r *ScalingRepo) Get(ctx domain.Context, userID string, kind domain.WorkerKind) (domain.ScalingPolicy, error) {
	tracer := otel.Tracer("repo.scaling")
	ctx, span := tracer.Start(ctx, "scaling.Get")
	defer span.End()
	p, err := scanScaling(r.Pool.QueryRow(ctx, `SELECT `+scalingColumns+` FROM scaling_policies WHERE user_id=$1 AND kind=$2`, userID, kind))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ScalingPolicy{}, fmt.Errorf("op=scaling.get: %w", domain.ErrNotFound)
		}
		return domain.ScalingPolicy{}, fmt.Errorf("op=scaling.get: %w", err)
	}
	return p, nil
}

// ListEnabled returns all policies with auto-scaling turned on.
func (r *ScalingRepo) ListEnabled(ctx domain.Context) ([]domain.ScalingPolicy, error) {
	tracer := otel.Tracer("repo.scaling")
	ctx, span := tracer.Start(ctx, "scaling.ListEnabled")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+scalingColumns+` FROM scaling_policies WHERE auto_scaling_enabled=TRUE`)
	if err != nil {
		return nil, fmt.Errorf("op=scaling.list_enabled: %w", err)
	}
	defer rows.Close()
	var out []domain.ScalingPolicy
	for rows.Next() {
		p, err := scanScaling(rows)
		if err != nil {
			return nil, fmt.Errorf("op=scaling.list_enabled: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=scaling.list_enabled: %w", err)
	}
	return out, nil
}

// Upsert writes a policy.
func (r *ScalingRepo) Upsert(ctx domain.Context, p domain.ScalingPolicy) error {
	tracer := otel.Tracer("repo.scaling")
	ctx, span := tracer.Start(ctx, "scaling.Upsert")
	defer span.End()
	q := `INSERT INTO scaling_policies (user_id, kind, min_agents, max_agents, target_agents,
		auto_scaling_enabled, scale_up_threshold, scale_down_threshold, scale_up_cooldown,
		scale_down_cooldown, max_hourly_cost, pause_when_limit_hit, last_scale_up_at, last_scale_down_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (user_id, kind) DO UPDATE SET
		min_agents=EXCLUDED.min_agents, max_agents=EXCLUDED.max_agents,
		target_agents=EXCLUDED.target_agents, auto_scaling_enabled=EXCLUDED.auto_scaling_enabled,
		scale_up_threshold=EXCLUDED.scale_up_threshold, scale_down_threshold=EXCLUDED.scale_down_threshold,
		scale_up_cooldown=EXCLUDED.scale_up_cooldown, scale_down_cooldown=EXCLUDED.scale_down_cooldown,
		max_hourly_cost=EXCLUDED.max_hourly_cost, pause_when_limit_hit=EXCLUDED.pause_when_limit_hit`
	_, err := r.Pool.Exec(ctx, q, p.UserID, p.Kind, p.MinAgents, p.MaxAgents, p.TargetAgents,
		p.AutoScalingEnabled, p.ScaleUpThreshold, p.ScaleDownThreshold, int64(p.ScaleUpCooldown),
		int64(p.ScaleDownCooldown), p.MaxHourlyCost, p.PauseWhenLimitHit, p.LastScaleUpAt, p.LastScaleDownAt)
	if err != nil {
		return fmt.Errorf("op=scaling.upsert: %w", err)
	}
	return nil
}

// RecordScaleUp stamps the last scale-up time for cooldown accounting.
func (r *ScalingRepo) RecordScaleUp(ctx domain.Context, userID string, kind domain.WorkerKind, at time.Time) error {
	tracer := otel.Tracer("repo.scaling")
	ctx, span := tracer.Start(ctx, "scaling.RecordScaleUp")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `UPDATE scaling_policies SET last_scale_up_at=$3 WHERE user_id=$1 AND kind=$2`, userID, kind, at); err != nil {
		return fmt.Errorf("op=scaling.record_up: %w", err)
	}
	return nil
}

// RecordScaleDown stamps the last scale-down time for cooldown accounting.
func (r *ScalingRepo) RecordScaleDown(ctx domain.Context, userID string, kind domain.WorkerKind, at time.Time) error {
	tracer := otel.Tracer("repo.scaling")
	ctx, span := tracer.Start(ctx, "scaling.RecordScaleDown")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `UPDATE scaling_policies SET last_scale_down_at=$3 WHERE user_id=$1 AND kind=$2`, userID, kind, at); err != nil {
		return fmt.Errorf("op=scaling.record_down: %w", err)
	}
	return nil
}
