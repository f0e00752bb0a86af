package domain

import "time"

// Logical bus topics. Keys are entity identifiers; per-key ordering follows
// OutboxMessage.OccurredAt.
const (
	TopicCrawlProgress   = "crawl.progress"
	TopicCrawlResult     = "crawl.result"
	TopicCrawlRequest    = "crawl.request"
	TopicCrawlEvents     = "crawl.events"
	TopicUserEvents      = "user.events"
	TopicClassroomEvents = "classroom.events"
)

// Event types recorded in the outbox.
const (
	EventJobSubmitted  = "job.submitted"
	EventJobAssigned   = "job.assigned"
	EventJobStarted    = "job.started"
	EventJobCompleted  = "job.completed"
	EventJobFailed     = "job.failed"
	EventJobRetried    = "job.retried"
	EventJobCancelled  = "job.cancelled"
	EventCrawlRequest  = "crawl.request"
	EventAgentScaleUp  = "agent.scale-up"
	EventAgentDraining = "agent.scale-down"
)

// OutboxMessage is created in the same transaction as the state change it
// describes and published at-least-once by the bridge.
type OutboxMessage struct {
	ID          int64
	EventID     string
	Type        string
	Topic       string
	Key         string
	Payload     []byte
	OccurredAt  time.Time
	ProcessedAt *time.Time
	RetryCount  int
	MaxRetries  int
	NextRetryAt *time.Time
	LastError   string
	Dead        bool
}

// JobEvent is the envelope for lifecycle events on crawl.events.
type JobEvent struct {
	EventID    string    `json:"event_id"`
	Type       string    `json:"type"`
	JobID      string    `json:"job_id"`
	UserID     string    `json:"user_id"`
	Status     JobStatus `json:"status"`
	RetryCount int       `json:"retry_count,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// CrawlRequest is published on crawl.request for pull-based workers.
type CrawlRequest struct {
	JobID          string     `json:"job_id"`
	UserID         string     `json:"user_id"`
	URLs           []string   `json:"urls"`
	Prompt         string     `json:"prompt"`
	NavigationPlan *string    `json:"navigation_plan,omitempty"`
	MaxPages       *int       `json:"max_pages,omitempty"`
	Kind           WorkerKind `json:"kind"`
}

// ProgressEvent is consumed from crawl.progress. Seq is monotonic per job;
// duplicates and reordering are ignored by comparing the stored last-seen seq.
type ProgressEvent struct {
	JobID          string `json:"job_id"`
	Seq            int64  `json:"seq"`
	Phase          string `json:"phase"`
	URLsProcessed  int    `json:"urls_processed"`
	URLsSuccessful int    `json:"urls_successful"`
	URLsFailed     int    `json:"urls_failed"`
	Message        string `json:"message,omitempty"`
}

// ResultEvent is the terminal event consumed from crawl.result.
type ResultEvent struct {
	JobID      string       `json:"job_id"`
	Seq        int64        `json:"seq"`
	Success    bool         `json:"success"`
	Cancelled  bool         `json:"cancelled,omitempty"`
	Error      string       `json:"error,omitempty"`
	TotalBytes int64        `json:"total_bytes"`
	Results    []URLOutcome `json:"results"`
}

// URLOutcome is one per-URL outcome carried by a terminal event.
type URLOutcome struct {
	URL         string `json:"url"`
	Success     bool   `json:"success"`
	StatusCode  int    `json:"status_code"`
	ContentSize int64  `json:"content_size"`
	ContentHash string `json:"content_hash,omitempty"`
	Extracted   string `json:"extracted,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ScaleEvent is the payload for agent.scale-up / agent.scale-down outbox
// messages consumed by the external orchestrator.
type ScaleEvent struct {
	EventID    string     `json:"event_id"`
	Type       string     `json:"type"`
	UserID     string     `json:"user_id"`
	Kind       WorkerKind `json:"kind"`
	AgentID    string     `json:"agent_id,omitempty"`
	Load       float64    `json:"load"`
	OccurredAt time.Time  `json:"occurred_at"`
}
