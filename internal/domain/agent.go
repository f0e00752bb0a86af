package domain

import "time"

// AgentStatus enumerates pool slot states.
type AgentStatus string

const (
	AgentAvailable AgentStatus = "available"
	AgentBusy      AgentStatus = "busy"
	AgentDraining  AgentStatus = "draining"
	AgentUnhealthy AgentStatus = "unhealthy"
	AgentRetired   AgentStatus = "retired"
)

// Agent is a live crawler-worker slot tracked by the pool manager.
//
// Invariants: 0 <= CurrentJobCount <= MaxConcurrent; only Available agents
// accept new work; Unhealthy means no heartbeat within the configured window.
type Agent struct {
	ID              string
	UserID          string
	Kind            WorkerKind
	Status          AgentStatus
	Endpoint        string
	MaxConcurrent   int
	CurrentJobCount int
	LastHeartbeat   time.Time
	HealthMessage   string
	SuccessCount    int64
	FailureCount    int64
	AutoScaled      bool
	HourlyCost      float64

	ScheduledForRemovalAt *time.Time
	LastAssignedAt        *time.Time
	RegisteredAt          time.Time
}

// LoadRatio is the fraction of capacity in use; agents with MaxConcurrent 0
// are treated as saturated.
func (a *Agent) LoadRatio() float64 {
	if a.MaxConcurrent <= 0 {
		return 1
	}
	return float64(a.CurrentJobCount) / float64(a.MaxConcurrent)
}

// Accepting reports whether the agent may take a new job for the given kind.
func (a *Agent) Accepting(kind WorkerKind) bool {
	if a.Status != AgentAvailable {
		return false
	}
	if a.CurrentJobCount >= a.MaxConcurrent {
		return false
	}
	return a.Kind == kind || a.Kind == WorkerUniversal
}

// ScalingPolicy bounds the auto-scaler per user and worker kind.
type ScalingPolicy struct {
	UserID             string
	Kind               WorkerKind
	MinAgents          int
	MaxAgents          int
	TargetAgents       int
	AutoScalingEnabled bool
	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	ScaleUpCooldown    time.Duration
	ScaleDownCooldown  time.Duration
	MaxHourlyCost      float64
	PauseWhenLimitHit  bool
	LastScaleUpAt      *time.Time
	LastScaleDownAt    *time.Time
}

// CanScaleUp reports whether a scale-up is admissible at now for the given
// current agent count and aggregate hourly cost.
func (p *ScalingPolicy) CanScaleUp(now time.Time, current int, hourlyCost float64) bool {
	if !p.AutoScalingEnabled || current >= p.MaxAgents {
		return false
	}
	if p.PauseWhenLimitHit && p.MaxHourlyCost > 0 && hourlyCost > p.MaxHourlyCost {
		return false
	}
	if p.LastScaleUpAt != nil && now.Sub(*p.LastScaleUpAt) < p.ScaleUpCooldown {
		return false
	}
	return true
}

// CanScaleDown reports whether a scale-down is admissible at now.
func (p *ScalingPolicy) CanScaleDown(now time.Time, current int) bool {
	if !p.AutoScalingEnabled || current <= p.MinAgents {
		return false
	}
	if p.LastScaleDownAt != nil && now.Sub(*p.LastScaleDownAt) < p.ScaleDownCooldown {
		return false
	}
	return true
}
