package domain

import "time"

// Repositories (ports). All writes go through these; business code never
// issues raw SQL.

// JobRepository persists crawl jobs. Update uses the Version field as an
// optimistic concurrency token and returns ErrConflict on stale writes.
// Soft-deleted jobs are filtered at this layer and never surface.
type JobRepository interface {
	Create(ctx Context, j *CrawlJob) error
	Get(ctx Context, id string) (CrawlJob, error)
	Update(ctx Context, j *CrawlJob) error
	// ListReady returns Pending jobs whose retry delay (if any) has elapsed,
	// ordered by priority desc then created_at asc.
	ListReady(ctx Context, now time.Time, limit int) ([]CrawlJob, error)
	// ListDueRetries returns Failed jobs with retry budget left and
	// next_retry_at <= now.
	ListDueRetries(ctx Context, now time.Time, limit int) ([]CrawlJob, error)
	// ListByAgent returns non-terminal jobs bound to an agent.
	ListByAgent(ctx Context, agentID string) ([]CrawlJob, error)
	// ListStalled returns Assigned/Running jobs with no progress since cutoff.
	ListStalled(ctx Context, cutoff time.Time, limit int) ([]CrawlJob, error)
	ListByUser(ctx Context, userID string, offset, limit int) ([]CrawlJob, error)
	SoftDelete(ctx Context, id string) error
	PurgeDeletedBefore(ctx Context, cutoff time.Time) (int64, error)
}

// ResultRepository stores per-URL outcomes; rows are never mutated.
type ResultRepository interface {
	InsertBatch(ctx Context, results []CrawlResult) error
	ListByJob(ctx Context, jobID string) ([]CrawlResult, error)
	CountByJob(ctx Context, jobID string) (int, error)
}

// AgentRepository tracks the live worker pool. ReserveSlot performs the
// guarded increment that enforces capacity inside the assigning transaction;
// it reports false when the agent is at capacity or not Available.
type AgentRepository interface {
	Register(ctx Context, a *Agent) error
	Get(ctx Context, id string) (Agent, error)
	Heartbeat(ctx Context, id string, jobCount int, status AgentStatus, health string) error
	// ListCandidates returns agents able to take kind work, ordered by load
	// ratio asc then last_assigned_at asc.
	ListCandidates(ctx Context, kind WorkerKind) ([]Agent, error)
	ReserveSlot(ctx Context, id string) (bool, error)
	ReleaseSlot(ctx Context, id string, success bool) error
	SetStatus(ctx Context, id string, status AgentStatus, health string) error
	MarkDraining(ctx Context, id string, removeAt time.Time) error
	ListStale(ctx Context, cutoff time.Time) ([]Agent, error)
	ListDrainingIdle(ctx Context) ([]Agent, error)
	CountActive(ctx Context, userID string, kind WorkerKind) (int, error)
	// PoolLoad returns sum(current_job_count)/sum(max_concurrent) and the
	// aggregate hourly cost across a user's active agents of a kind.
	PoolLoad(ctx Context, userID string, kind WorkerKind) (load float64, hourlyCost float64, err error)
	Deregister(ctx Context, id string) error
}

// QuotaRepository owns the durable ledger. Reserve is an atomic
// compare-and-decrement, idempotent per reservation key (the job id).
type QuotaRepository interface {
	Get(ctx Context, userID string) (QuotaSnapshot, error)
	Reserve(ctx Context, userID string, n int, reservationKey string) (QuotaSnapshot, error)
	Refund(ctx Context, userID string, n int, reason string) (QuotaSnapshot, error)
	Upsert(ctx Context, q QuotaSnapshot) error
	ListUserIDs(ctx Context) ([]string, error)
	// PurgeReservationsBefore drops idempotency keys older than cutoff;
	// their jobs are long past re-submission by then.
	PurgeReservationsBefore(ctx Context, cutoff time.Time) (int64, error)
}

// ScalingRepository stores per-user, per-kind auto-scaling policies.
type ScalingRepository interface {
	Get(ctx Context, userID string, kind WorkerKind) (ScalingPolicy, error)
	ListEnabled(ctx Context) ([]ScalingPolicy, error)
	Upsert(ctx Context, p ScalingPolicy) error
	RecordScaleUp(ctx Context, userID string, kind WorkerKind, at time.Time) error
	RecordScaleDown(ctx Context, userID string, kind WorkerKind, at time.Time) error
}

// OutboxRepository stores messages co-committed with domain state.
type OutboxRepository interface {
	Enqueue(ctx Context, m *OutboxMessage) error
	// ListDue returns unprocessed, non-dead rows whose next_retry_at (if any)
	// has elapsed, ordered by occurred_at asc.
	ListDue(ctx Context, now time.Time, limit int) ([]OutboxMessage, error)
	MarkProcessed(ctx Context, id int64) error
	MarkFailed(ctx Context, id int64, lastError string, nextRetryAt time.Time, dead bool) error
	PurgeProcessedBefore(ctx Context, cutoff time.Time) (int64, error)
}

// ParticipantRepository stores per-job subscriptions.
type ParticipantRepository interface {
	Add(ctx Context, p Participant) error
	Get(ctx Context, jobID, userID string) (Participant, error)
	ListByJob(ctx Context, jobID string) ([]Participant, error)
}

// TemplateRepository serves read-mostly extraction specs.
type TemplateRepository interface {
	Get(ctx Context, id string) (Template, error)
	// FindActiveByDomain returns the newest active template whose domain
	// pattern matches host, or ErrNotFound.
	FindActiveByDomain(ctx Context, host string) (Template, error)
	GetStrategy(ctx Context, id string) (NavigationStrategy, error)
}

// RepoSet bundles the repositories bound to one transaction.
type RepoSet struct {
	Jobs         JobRepository
	Results      ResultRepository
	Agents       AgentRepository
	Quota        QuotaRepository
	Outbox       OutboxRepository
	Participants ParticipantRepository
	Templates    TemplateRepository
	Scaling      ScalingRepository
}

// UnitOfWork runs fn inside a single database transaction; any error rolls
// the whole unit back, including its outbox rows.
type UnitOfWork interface {
	Atomic(ctx Context, fn func(RepoSet) error) error
}

// EventBus publishes a payload on a topic keyed by entity id.
type EventBus interface {
	Publish(ctx Context, topic, key string, payload []byte) error
}

// QuotaCache mirrors snapshots after commit; never authoritative for
// admission decisions that would commit quota.
type QuotaCache interface {
	Get(ctx Context, userID string) (QuotaSnapshot, bool, error)
	Set(ctx Context, q QuotaSnapshot) error
	Invalidate(ctx Context, userID string) error
}

// WorkerClient is the outbound protocol adapter to a crawler agent.
type WorkerClient interface {
	Submit(ctx Context, endpoint string, req CrawlRequest) error
	Cancel(ctx Context, endpoint, jobID string) error
	Health(ctx Context, endpoint string) error
}

// UserDirectory is the upstream user service the ledger reconciles with.
type UserDirectory interface {
	FetchQuota(ctx Context, userID string) (limit int, resetAt time.Time, err error)
	GroupMembers(ctx Context, groupID string) ([]string, error)
}
