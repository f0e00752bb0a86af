package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/crawl-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
)

// PoolService owns the live agent set: registration, liveness, selection for
// dispatch, and the auto-scaling decisions that feed the external
// orchestrator via the outbox.
type PoolService struct {
	UOW       domain.UnitOfWork
	Agents    domain.AgentRepository
	Lifecycle *LifecycleService

	AgentTimeout time.Duration
}

// NewPoolService constructs a PoolService with its dependencies.
func NewPoolService(uow domain.UnitOfWork, agents domain.AgentRepository, lifecycle *LifecycleService, agentTimeout time.Duration) *PoolService {
	return &PoolService{UOW: uow, Agents: agents, Lifecycle: lifecycle, AgentTimeout: agentTimeout}
}

// Register adds an agent to the pool, or revives a previously retired one
// re-announcing itself under the same ID.
func (s *PoolService) Register(ctx domain.Context, a *domain.Agent) error {
	if a.Endpoint == "" {
		return fmt.Errorf("op=pool.register: endpoint required: %w", domain.ErrInvalidArgument)
	}
	if a.MaxConcurrent <= 0 {
		return fmt.Errorf("op=pool.register: max_concurrent must be positive: %w", domain.ErrInvalidArgument)
	}
	if a.Kind == "" {
		a.Kind = domain.WorkerUniversal
	}
	a.Status = domain.AgentAvailable
	a.LastHeartbeat = time.Now().UTC()
	if err := s.Agents.Register(ctx, a); err != nil {
		return err
	}
	observability.AgentsByStatus.WithLabelValues(string(domain.AgentAvailable)).Inc()
	observability.LoggerFromContext(ctx).Info("agent registered",
		slog.String("agent_id", a.ID),
		slog.String("kind", string(a.Kind)),
		slog.Int("max_concurrent", a.MaxConcurrent))
	return nil
}

// Deregister retires an agent and re-queues any jobs still bound to it.
func (s *PoolService) Deregister(ctx domain.Context, agentID string) error {
	if err := s.Agents.Deregister(ctx, agentID); err != nil {
		return err
	}
	n, err := s.Lifecycle.RequeueOrphans(ctx, agentID)
	if err != nil {
		return err
	}
	if n > 0 {
		observability.LoggerFromContext(ctx).Info("requeued jobs from deregistered agent",
			slog.String("agent_id", agentID), slog.Int("jobs", n))
	}
	return nil
}

// Heartbeat refreshes an agent's liveness, load and self-reported health.
func (s *PoolService) Heartbeat(ctx domain.Context, agentID string, jobCount int, status domain.AgentStatus, health string) error {
	if status == "" {
		status = domain.AgentAvailable
	}
	return s.Agents.Heartbeat(ctx, agentID, jobCount, status, health)
}

// Pick selects the agent for a ready job: Available, kind match or
// Universal, lowest load ratio, ties broken by least-recently-assigned.
// Draining agents never take new work.
func (s *PoolService) Pick(ctx domain.Context, kind domain.WorkerKind) (domain.Agent, error) {
	candidates, err := s.Agents.ListCandidates(ctx, kind)
	if err != nil {
		return domain.Agent{}, err
	}
	for i := range candidates {
		if candidates[i].Accepting(kind) {
			return candidates[i], nil
		}
	}
	return domain.Agent{}, fmt.Errorf("op=pool.pick kind=%s: %w", kind, domain.ErrCapacityExhausted)
}

// Tick is the periodic health pass: agents silent past the timeout window
// become Unhealthy and their jobs are re-queued; Draining agents that
// reached zero jobs are retired.
func (s *PoolService) Tick(ctx domain.Context, now time.Time) error {
	stale, err := s.Agents.ListStale(ctx, now.Add(-s.AgentTimeout))
	if err != nil {
		return err
	}
	for i := range stale {
		a := stale[i]
		if err := s.Agents.SetStatus(ctx, a.ID, domain.AgentUnhealthy, "heartbeat lost"); err != nil {
			slog.Error("failed to mark agent unhealthy", slog.String("agent_id", a.ID), slog.Any("error", err))
			continue
		}
		observability.AgentsByStatus.WithLabelValues(string(domain.AgentUnhealthy)).Inc()
		n, err := s.Lifecycle.RequeueOrphans(ctx, a.ID)
		if err != nil {
			slog.Error("failed to requeue orphans", slog.String("agent_id", a.ID), slog.Any("error", err))
			continue
		}
		slog.Warn("agent heartbeat lost",
			slog.String("agent_id", a.ID),
			slog.Time("last_heartbeat", a.LastHeartbeat),
			slog.Int("requeued_jobs", n))
	}

	idle, err := s.Agents.ListDrainingIdle(ctx)
	if err != nil {
		return err
	}
	for i := range idle {
		if err := s.Agents.SetStatus(ctx, idle[i].ID, domain.AgentRetired, "drained"); err != nil {
			slog.Error("failed to retire drained agent", slog.String("agent_id", idle[i].ID), slog.Any("error", err))
			continue
		}
		observability.AgentsByStatus.WithLabelValues(string(domain.AgentRetired)).Inc()
		slog.Info("drained agent retired", slog.String("agent_id", idle[i].ID))
	}
	return nil
}

// DispatchPaused reports whether dispatch for a user and kind must be
// refused because the cost ceiling is hit with pause-on-limit set.
func (s *PoolService) DispatchPaused(ctx domain.Context, scaling domain.ScalingRepository, userID string, kind domain.WorkerKind) bool {
	p, err := scaling.Get(ctx, userID, kind)
	if err != nil {
		return false
	}
	if !p.PauseWhenLimitHit || p.MaxHourlyCost <= 0 {
		return false
	}
	_, cost, err := s.Agents.PoolLoad(ctx, userID, kind)
	if err != nil {
		return false
	}
	return cost > p.MaxHourlyCost
}

// EvaluateScaling runs one auto-scaling pass over every enabled policy.
// Scale-up emits exactly one agent.scale-up outbox message per cooldown
// window; scale-down marks the least-loaded agent Draining.
func (s *PoolService) EvaluateScaling(ctx domain.Context, scaling domain.ScalingRepository, now time.Time) error {
	policies, err := scaling.ListEnabled(ctx)
	if err != nil {
		return err
	}
	for i := range policies {
		if err := s.evaluatePolicy(ctx, policies[i], now); err != nil {
			slog.Error("auto-scaling pass failed",
				slog.String("user_id", policies[i].UserID),
				slog.String("kind", string(policies[i].Kind)),
				slog.Any("error", err))
		}
	}
	return nil
}

func (s *PoolService) evaluatePolicy(ctx domain.Context, p domain.ScalingPolicy, now time.Time) error {
	load, cost, err := s.Agents.PoolLoad(ctx, p.UserID, p.Kind)
	if err != nil {
		return err
	}
	current, err := s.Agents.CountActive(ctx, p.UserID, p.Kind)
	if err != nil {
		return err
	}

	switch {
	case load >= p.ScaleUpThreshold && p.CanScaleUp(now, current, cost):
		return s.requestScaleUp(ctx, p, load, now)
	case load <= p.ScaleDownThreshold && p.CanScaleDown(now, current):
		return s.requestScaleDown(ctx, p, load, now)
	}
	return nil
}

// requestScaleUp records the cooldown and the outbox message in one
// transaction, so a crash cannot double-request an agent.
func (s *PoolService) requestScaleUp(ctx domain.Context, p domain.ScalingPolicy, load float64, now time.Time) error {
	err := s.UOW.Atomic(ctx, func(repos domain.RepoSet) error {
		if err := repos.Scaling.RecordScaleUp(ctx, p.UserID, p.Kind, now); err != nil {
			return err
		}
		ev := domain.ScaleEvent{
			EventID:    uuid.NewString(),
			Type:       domain.EventAgentScaleUp,
			UserID:     p.UserID,
			Kind:       p.Kind,
			Load:       load,
			OccurredAt: now,
		}
		return enqueueEvent(ctx, repos.Outbox, ev.EventID, ev.Type, domain.TopicCrawlEvents, p.UserID, ev)
	})
	if err != nil {
		return err
	}
	observability.ScaleEventsTotal.WithLabelValues("up").Inc()
	slog.Info("scale-up requested",
		slog.String("user_id", p.UserID),
		slog.String("kind", string(p.Kind)),
		slog.Float64("load", load))
	return nil
}

// requestScaleDown marks the least-loaded Available agent Draining. It keeps
// its running jobs; Tick retires it once the count reaches zero.
func (s *PoolService) requestScaleDown(ctx domain.Context, p domain.ScalingPolicy, load float64, now time.Time) error {
	candidates, err := s.Agents.ListCandidates(ctx, p.Kind)
	if err != nil {
		return err
	}
	var target *domain.Agent
	for i := range candidates {
		if candidates[i].UserID == p.UserID {
			target = &candidates[i]
			break
		}
	}
	if target == nil {
		return nil
	}

	removeAt := now.Add(p.ScaleDownCooldown)
	err = s.UOW.Atomic(ctx, func(repos domain.RepoSet) error {
		if err := repos.Agents.MarkDraining(ctx, target.ID, removeAt); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return nil
			}
			return err
		}
		if err := repos.Scaling.RecordScaleDown(ctx, p.UserID, p.Kind, now); err != nil {
			return err
		}
		ev := domain.ScaleEvent{
			EventID:    uuid.NewString(),
			Type:       domain.EventAgentDraining,
			UserID:     p.UserID,
			Kind:       p.Kind,
			AgentID:    target.ID,
			Load:       load,
			OccurredAt: now,
		}
		return enqueueEvent(ctx, repos.Outbox, ev.EventID, ev.Type, domain.TopicCrawlEvents, p.UserID, ev)
	})
	if err != nil {
		return err
	}
	observability.ScaleEventsTotal.WithLabelValues("down").Inc()
	slog.Info("agent marked draining",
		slog.String("agent_id", target.ID),
		slog.String("user_id", p.UserID),
		slog.Float64("load", load))
	return nil
}
