// Package domain holds the core entities, error sentinels and ports of the
// crawl orchestration engine. Adapters depend on this package, never the
// other way around.
package domain

import (
	"context"
	"time"
)

// Context is an alias to context.Context so ports read uniformly.
type Context = context.Context

// JobStatus enumerates the crawl job state machine.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobAssigned  JobStatus = "assigned"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether a status admits no further transitions
// (Failed is terminal only once retries are exhausted; see CrawlJob.Exhausted).
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobCancelled
}

// Priority orders jobs within the dispatch queue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// WorkerKind selects the crawler implementation a job is bound to at dispatch.
type WorkerKind string

const (
	WorkerAuto         WorkerKind = "auto"
	WorkerHTTPClient   WorkerKind = "http_client"
	WorkerBrowser      WorkerKind = "browser"
	WorkerMobileBridge WorkerKind = "mobile_bridge"
	WorkerIntelligent  WorkerKind = "intelligent"
	WorkerUniversal    WorkerKind = "universal"
)

// AccessLevel controls who is subscribed as a participant at admission.
type AccessLevel string

const (
	AccessPrivate    AccessLevel = "private"
	AccessGroup      AccessLevel = "group"
	AccessAssignment AccessLevel = "assignment"
)

// CrawlJob owns the lifecycle of one crawl request.
//
// Invariants: exactly one terminal timestamp is set when Status is terminal;
// RetryCount <= MaxRetries; URLsProcessed == URLsSuccessful + URLsFailed once
// Completed; at most one live agent bound at a time (AssignedAgentID).
type CrawlJob struct {
	ID             string
	UserID         string
	AssignmentID   *string
	GroupID        *string
	ConversationID *string
	URLs           []string
	Prompt         string
	MaxPages       *int
	WorkerKind     WorkerKind
	Priority       Priority
	Status         JobStatus
	AccessLevel    AccessLevel

	TemplateID         *string
	ExtractionStrategy *string
	NavigationPlan     *string

	AssignedAgentID *string

	RetryCount  int
	MaxRetries  int
	NextRetryAt *time.Time

	URLsProcessed  int
	URLsSuccessful int
	URLsFailed     int
	TotalBytes     int64
	LastSeq        int64

	Error string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	FailedAt    *time.Time
	UpdatedAt   time.Time

	// Version is the optimistic concurrency token; every committed mutation
	// increments it and stale writers observe ErrConflict.
	Version int64
}

// Exhausted reports whether a Failed job has no retries left.
func (j *CrawlJob) Exhausted() bool { return j.RetryCount >= j.MaxRetries }

// Remaining returns the number of URLs not yet processed; used for quota
// refunds on cancellation.
func (j *CrawlJob) Remaining() int {
	n := len(j.URLs) - j.URLsProcessed
	if n < 0 {
		return 0
	}
	return n
}

// CanTransition encodes the legal edges of the state machine. Guards that
// depend on external state (agent capacity, retry budget) live in the
// lifecycle service; this is the structural check only.
func (j *CrawlJob) CanTransition(to JobStatus) bool {
	switch j.Status {
	case JobPending:
		return to == JobAssigned || to == JobCancelled || to == JobFailed
	case JobAssigned:
		return to == JobRunning || to == JobFailed || to == JobCancelled
	case JobRunning:
		return to == JobCompleted || to == JobFailed || to == JobCancelled
	case JobFailed:
		return to == JobPending && !j.Exhausted()
	default:
		return false
	}
}

// CrawlResult is one per-URL outcome, owned by its job and immutable after
// insert.
type CrawlResult struct {
	ID          string
	JobID       string
	URL         string
	Success     bool
	StatusCode  int
	ContentSize int64
	ContentHash string
	Extracted   string
	Error       string
	CreatedAt   time.Time
}

// ParticipantRole orders what a subscribed user may do with a shared job.
type ParticipantRole string

const (
	RoleOwner        ParticipantRole = "owner"
	RoleCollaborator ParticipantRole = "collaborator"
	RoleViewer       ParticipantRole = "viewer"
)

// CanCancel reports whether the role may cancel the job.
func (r ParticipantRole) CanCancel() bool { return r == RoleOwner || r == RoleCollaborator }

// Participant subscribes a user to a shared job.
type Participant struct {
	JobID        string
	UserID       string
	Role         ParticipantRole
	Watching     bool
	LastViewedAt *time.Time
	CreatedAt    time.Time
}

// Template is a reusable, versioned extraction spec matched by domain pattern.
type Template struct {
	ID            string
	Name          string
	DomainPattern string
	Extraction    string
	Version       int
	Active        bool
	CreatedAt     time.Time
}

// NavigationStrategy is a reusable navigation plan referenced by jobs.
type NavigationStrategy struct {
	ID        string
	Name      string
	Plan      string
	Version   int
	Active    bool
	CreatedAt time.Time
}
