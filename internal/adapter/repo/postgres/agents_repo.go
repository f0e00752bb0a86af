package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
)

// AgentRepo tracks the live worker pool. Capacity is enforced by guarded
// counter updates inside the assigning transaction, never by exclusive locks.
type AgentRepo struct{ Pool PgxPool }

// NewAgentRepo constructs an AgentRepo with the given pool.
func NewAgentRepo(p PgxPool) *AgentRepo { return &AgentRepo{Pool: p} }

const agentColumns = `id, user_id, kind, status, endpoint, max_concurrent, current_job_count,
	last_heartbeat, COALESCE(health_message,''), success_count, failure_count, auto_scaled,
	hourly_cost, scheduled_for_removal_at, last_assigned_at, registered_at`

func scanAgent(row pgx.Row) (domain.Agent, error) {
	var a domain.Agent
	err := row.Scan(&a.ID, &a.UserID, &a.Kind, &a.Status, &a.Endpoint, &a.MaxConcurrent,
		&a.CurrentJobCount, &a.LastHeartbeat, &a.HealthMessage, &a.SuccessCount,
		&a.FailureCount, &a.AutoScaled, &a.HourlyCost, &a.ScheduledForRemovalAt,
		&a.LastAssignedAt, &a.RegisteredAt)
	return a, err
}

func collectAgents(rows pgx.Rows) ([]domain.Agent, error) {
	defer rows.Close()
	var out []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Register inserts or revives an agent slot; re-registration of a known id
// resets its status and heartbeat.
func (r *AgentRepo) Register(ctx domain.Context, a *domain.Agent) error {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.Register")
	defer span.End()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	a.RegisteredAt = now
	a.LastHeartbeat = now
	if a.Status == "" {
		a.Status = domain.AgentAvailable
	}
	q := `INSERT INTO agents (id, user_id, kind, status, endpoint, max_concurrent, current_job_count,
		last_heartbeat, health_message, success_count, failure_count, auto_scaled, hourly_cost,
		scheduled_for_removal_at, last_assigned_at, registered_at)
		VALUES ($1,$2,$3,$4,$5,$6,0,$7,'',0,0,$8,$9,NULL,NULL,$10)
		ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, endpoint=EXCLUDED.endpoint,
		max_concurrent=EXCLUDED.max_concurrent, last_heartbeat=EXCLUDED.last_heartbeat,
		scheduled_for_removal_at=NULL`
	_, err := r.Pool.Exec(ctx, q, a.ID, a.UserID, a.Kind, a.Status, a.Endpoint,
		a.MaxConcurrent, a.LastHeartbeat, a.AutoScaled, a.HourlyCost, a.RegisteredAt)
	if err != nil {
		return fmt.Errorf("op=agent.register: %w", err)
	}
	return nil
}

// Get loads an agent by id.
func (r *AgentRepo) Get(ctx domain.Context, id string) (domain.Agent, error) {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.Get")
	defer span.End()
	a, err := scanAgent(r.Pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Agent{}, fmt.Errorf("op=agent.get: %w", domain.ErrNotFound)
		}
		return domain.Agent{}, fmt.Errorf("op=agent.get: %w", err)
	}
	return a, nil
}

// Heartbeat refreshes liveness, reported load and status.
func (r *AgentRepo) Heartbeat(ctx domain.Context, id string, jobCount int, status domain.AgentStatus, health string) error {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.Heartbeat")
	defer span.End()
	q := `UPDATE agents SET last_heartbeat=$2, current_job_count=$3, status=$4, health_message=$5
		WHERE id=$1 AND status NOT IN ($6,$7)`
	tag, err := r.Pool.Exec(ctx, q, id, time.Now().UTC(), jobCount, status, health,
		domain.AgentDraining, domain.AgentRetired)
	if err != nil {
		return fmt.Errorf("op=agent.heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Draining/Retired agents keep their status; still refresh liveness.
		tag, err = r.Pool.Exec(ctx, `UPDATE agents SET last_heartbeat=$2, current_job_count=$3, health_message=$4 WHERE id=$1`,
			id, time.Now().UTC(), jobCount, health)
		if err != nil {
			return fmt.Errorf("op=agent.heartbeat: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("op=agent.heartbeat: %w", domain.ErrNotFound)
		}
	}
	return nil
}

// ListCandidates returns agents able to take kind work, least loaded first,
// ties broken by least-recently assigned.
func (r *AgentRepo) ListCandidates(ctx domain.Context, kind domain.WorkerKind) ([]domain.Agent, error) {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.ListCandidates")
	defer span.End()
	q := `SELECT ` + agentColumns + ` FROM agents
		WHERE status=$1 AND (kind=$2 OR kind=$3) AND current_job_count < max_concurrent
		ORDER BY current_job_count::float / GREATEST(max_concurrent,1) ASC,
			last_assigned_at ASC NULLS FIRST`
	rows, err := r.Pool.Query(ctx, q, domain.AgentAvailable, kind, domain.WorkerUniversal)
	if err != nil {
		return nil, fmt.Errorf("op=agent.list_candidates: %w", err)
	}
	out, err := collectAgents(rows)
	if err != nil {
		return nil, fmt.Errorf("op=agent.list_candidates: %w", err)
	}
	return out, nil
}

// ReserveSlot performs the guarded increment enforcing capacity; false means
// the agent is full or no longer Available.
func (r *AgentRepo) ReserveSlot(ctx domain.Context, id string) (bool, error) {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.ReserveSlot")
	defer span.End()
	q := `UPDATE agents SET current_job_count=current_job_count+1, last_assigned_at=$2
		WHERE id=$1 AND status=$3 AND current_job_count < max_concurrent`
	tag, err := r.Pool.Exec(ctx, q, id, time.Now().UTC(), domain.AgentAvailable)
	if err != nil {
		return false, fmt.Errorf("op=agent.reserve_slot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseSlot decrements the job counter and bumps the outcome counter.
func (r *AgentRepo) ReleaseSlot(ctx domain.Context, id string, success bool) error {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.ReleaseSlot")
	defer span.End()
	col := "failure_count"
	if success {
		col = "success_count"
	}
	q := `UPDATE agents SET current_job_count=GREATEST(current_job_count-1,0), ` + col + `=` + col + `+1 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("op=agent.release_slot: %w", err)
	}
	return nil
}

// SetStatus transitions an agent's status and health message.
func (r *AgentRepo) SetStatus(ctx domain.Context, id string, status domain.AgentStatus, health string) error {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.SetStatus")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `UPDATE agents SET status=$2, health_message=$3 WHERE id=$1`, id, status, health)
	if err != nil {
		return fmt.Errorf("op=agent.set_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=agent.set_status: %w", domain.ErrNotFound)
	}
	return nil
}

// MarkDraining schedules an agent for removal; it accepts no new work from
// this point on.
func (r *AgentRepo) MarkDraining(ctx domain.Context, id string, removeAt time.Time) error {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.MarkDraining")
	defer span.End()
	q := `UPDATE agents SET status=$2, scheduled_for_removal_at=$3 WHERE id=$1 AND status=$4`
	tag, err := r.Pool.Exec(ctx, q, id, domain.AgentDraining, removeAt, domain.AgentAvailable)
	if err != nil {
		return fmt.Errorf("op=agent.mark_draining: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=agent.mark_draining: %w", domain.ErrConflict)
	}
	return nil
}

// ListStale returns non-retired agents whose last heartbeat is older than cutoff.
func (r *AgentRepo) ListStale(ctx domain.Context, cutoff time.Time) ([]domain.Agent, error) {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.ListStale")
	defer span.End()
	q := `SELECT ` + agentColumns + ` FROM agents
		WHERE last_heartbeat < $1 AND status IN ($2,$3,$4)`
	rows, err := r.Pool.Query(ctx, q, cutoff, domain.AgentAvailable, domain.AgentBusy, domain.AgentDraining)
	if err != nil {
		return nil, fmt.Errorf("op=agent.list_stale: %w", err)
	}
	out, err := collectAgents(rows)
	if err != nil {
		return nil, fmt.Errorf("op=agent.list_stale: %w", err)
	}
	return out, nil
}

// ListDrainingIdle returns Draining agents whose job count reached zero and
// are therefore ready to retire.
func (r *AgentRepo) ListDrainingIdle(ctx domain.Context) ([]domain.Agent, error) {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.ListDrainingIdle")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+agentColumns+` FROM agents WHERE status=$1 AND current_job_count=0`, domain.AgentDraining)
	if err != nil {
		return nil, fmt.Errorf("op=agent.list_draining_idle: %w", err)
	}
	out, err := collectAgents(rows)
	if err != nil {
		return nil, fmt.Errorf("op=agent.list_draining_idle: %w", err)
	}
	return out, nil
}

// CountActive counts a user's non-retired agents of a kind.
func (r *AgentRepo) CountActive(ctx domain.Context, userID string, kind domain.WorkerKind) (int, error) {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.CountActive")
	defer span.End()
	var n int
	q := `SELECT COUNT(*) FROM agents WHERE user_id=$1 AND kind=$2 AND status IN ($3,$4,$5)`
	if err := r.Pool.QueryRow(ctx, q, userID, kind, domain.AgentAvailable, domain.AgentBusy, domain.AgentDraining).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=agent.count_active: %w", err)
	}
	return n, nil
}

// PoolLoad returns the aggregate load ratio and hourly cost of a user's
// active agents of a kind.
func (r *AgentRepo) PoolLoad(ctx domain.Context, userID string, kind domain.WorkerKind) (float64, float64, error) {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.PoolLoad")
	defer span.End()
	var jobs, capacity int
	var cost float64
	q := `SELECT COALESCE(SUM(current_job_count),0), COALESCE(SUM(max_concurrent),0), COALESCE(SUM(hourly_cost),0)
		FROM agents WHERE user_id=$1 AND kind=$2 AND status IN ($3,$4)`
	if err := r.Pool.QueryRow(ctx, q, userID, kind, domain.AgentAvailable, domain.AgentBusy).Scan(&jobs, &capacity, &cost); err != nil {
		return 0, 0, fmt.Errorf("op=agent.pool_load: %w", err)
	}
	if capacity == 0 {
		return 0, cost, nil
	}
	return float64(jobs) / float64(capacity), cost, nil
}

// Deregister retires an agent slot immediately.
func (r *AgentRepo) Deregister(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.Deregister")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `UPDATE agents SET status=$2, current_job_count=0 WHERE id=$1`, id, domain.AgentRetired)
	if err != nil {
		return fmt.Errorf("op=agent.deregister: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=agent.deregister: %w", domain.ErrNotFound)
	}
	return nil
}
