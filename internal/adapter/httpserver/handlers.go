package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/crawl-orchestrator/internal/config"
	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
	"github.com/fairyhunter13/crawl-orchestrator/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg       config.Config
	Submit    usecase.SubmitService
	Lifecycle *usecase.LifecycleService
	Query     usecase.QueryService
	Pool      *usecase.PoolService
	Fanout    *usecase.Fanout
	Limiter   UserRateLimiter

	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
	BusCheck   func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, submit usecase.SubmitService, lifecycle *usecase.LifecycleService, query usecase.QueryService, pool *usecase.PoolService, fanout *usecase.Fanout, limiter UserRateLimiter, dbCheck, redisCheck, busCheck func(context.Context) error) *Server {
	return &Server{
		Cfg:        cfg,
		Submit:     submit,
		Lifecycle:  lifecycle,
		Query:      query,
		Pool:       pool,
		Fanout:     fanout,
		Limiter:    limiter,
		DBCheck:    dbCheck,
		RedisCheck: redisCheck,
		BusCheck:   busCheck,
	}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type submitJobRequest struct {
	URLs           []string `json:"urls" validate:"required,min=1,max=100,dive,max=2048"`
	Prompt         string   `json:"prompt" validate:"required,max=5000"`
	TemplateID     *string  `json:"template_id,omitempty"`
	WorkerKind     string   `json:"worker_kind,omitempty" validate:"omitempty,oneof=auto http_client browser mobile_bridge intelligent universal"`
	Priority       string   `json:"priority,omitempty" validate:"omitempty,oneof=low normal high urgent"`
	AccessLevel    string   `json:"access_level,omitempty" validate:"omitempty,oneof=private group assignment"`
	AssignmentID   *string  `json:"assignment_id,omitempty"`
	GroupID        *string  `json:"group_id,omitempty"`
	ConversationID *string  `json:"conversation_id,omitempty"`
	MaxPages       *int     `json:"max_pages,omitempty" validate:"omitempty,min=1,max=1000"`
}

func parsePriority(s string) domain.Priority {
	switch s {
	case "low":
		return domain.PriorityLow
	case "high":
		return domain.PriorityHigh
	case "urgent":
		return domain.PriorityUrgent
	default:
		return domain.PriorityNormal
	}
}

func priorityString(p domain.Priority) string {
	switch p {
	case domain.PriorityLow:
		return "low"
	case domain.PriorityHigh:
		return "high"
	case domain.PriorityUrgent:
		return "urgent"
	default:
		return "normal"
	}
}

// SubmitJobHandler admits a new crawl job.
func (s *Server) SubmitJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req submitJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			verrs := map[string]string{}
			var ve validator.ValidationErrors
			if errors.As(err, &ve) {
				for _, fe := range ve {
					verrs[strings.ToLower(fe.Field())] = fe.Tag()
				}
			}
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
			return
		}

		jobID, err := s.Submit.Submit(r.Context(), identityFrom(r), usecase.SubmitRequest{
			URLs:           req.URLs,
			Prompt:         req.Prompt,
			TemplateID:     req.TemplateID,
			WorkerKind:     domain.WorkerKind(req.WorkerKind),
			Priority:       parsePriority(req.Priority),
			AccessLevel:    domain.AccessLevel(req.AccessLevel),
			AssignmentID:   req.AssignmentID,
			GroupID:        req.GroupID,
			ConversationID: req.ConversationID,
			MaxPages:       req.MaxPages,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": jobID, "status": string(domain.JobPending)})
	}
}

// CancelJobHandler requests cancellation of a job.
func (s *Server) CancelJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "id")
		if v := ValidateJobID(jobID); !v.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid job id", domain.ErrInvalidArgument), v.Errors)
			return
		}
		if err := s.Lifecycle.Cancel(r.Context(), identityFrom(r), jobID); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": jobID, "status": "cancelling"})
	}
}

type jobResponse struct {
	ID             string     `json:"id"`
	Status         string     `json:"status"`
	URLs           []string   `json:"urls"`
	Prompt         string     `json:"prompt"`
	WorkerKind     string     `json:"worker_kind"`
	Priority       string     `json:"priority"`
	RetryCount     int        `json:"retry_count"`
	URLsProcessed  int        `json:"urls_processed"`
	URLsSuccessful int        `json:"urls_successful"`
	URLsFailed     int        `json:"urls_failed"`
	TotalBytes     int64      `json:"total_bytes"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ResultCount    int        `json:"result_count"`
	SuccessCount   int        `json:"success_count"`
}

func toJobResponse(v usecase.JobView) jobResponse {
	return jobResponse{
		ID:             v.Job.ID,
		Status:         string(v.Job.Status),
		URLs:           v.Job.URLs,
		Prompt:         v.Job.Prompt,
		WorkerKind:     string(v.Job.WorkerKind),
		Priority:       priorityString(v.Job.Priority),
		RetryCount:     v.Job.RetryCount,
		URLsProcessed:  v.Job.URLsProcessed,
		URLsSuccessful: v.Job.URLsSuccessful,
		URLsFailed:     v.Job.URLsFailed,
		TotalBytes:     v.Job.TotalBytes,
		Error:          v.Job.Error,
		CreatedAt:      v.Job.CreatedAt,
		StartedAt:      v.Job.StartedAt,
		CompletedAt:    v.Job.CompletedAt,
		ResultCount:    v.ResultCount,
		SuccessCount:   v.SuccessCount,
	}
}

// GetJobHandler returns one job with its results summary.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "id")
		if v := ValidateJobID(jobID); !v.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid job id", domain.ErrInvalidArgument), v.Errors)
			return
		}
		view, err := s.Query.GetJob(r.Context(), identityFrom(r), jobID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(view))
	}
}

// ListJobsHandler returns the requester's jobs, newest first.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		jobs, err := s.Query.ListJobs(r.Context(), identityFrom(r), limit, offset)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]jobResponse, 0, len(jobs))
		for i := range jobs {
			out = append(out, toJobResponse(usecase.JobView{Job: jobs[i]}))
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
	}
}

type registerAgentRequest struct {
	ID            string  `json:"id,omitempty"`
	UserID        string  `json:"user_id,omitempty"`
	Kind          string  `json:"kind,omitempty" validate:"omitempty,oneof=http_client browser mobile_bridge intelligent universal"`
	Endpoint      string  `json:"endpoint" validate:"required,url"`
	MaxConcurrent int     `json:"max_concurrent" validate:"required,min=1,max=256"`
	AutoScaled    bool    `json:"auto_scaled,omitempty"`
	HourlyCost    float64 `json:"hourly_cost,omitempty" validate:"omitempty,min=0"`
}

// RegisterAgentHandler adds an agent to the pool.
func (s *Server) RegisterAgentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
		var req registerAgentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), nil)
			return
		}
		a := domain.Agent{
			ID:            req.ID,
			UserID:        req.UserID,
			Kind:          domain.WorkerKind(req.Kind),
			Endpoint:      req.Endpoint,
			MaxConcurrent: req.MaxConcurrent,
			AutoScaled:    req.AutoScaled,
			HourlyCost:    req.HourlyCost,
		}
		if err := s.Pool.Register(r.Context(), &a); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": a.ID, "status": string(a.Status)})
	}
}

type heartbeatRequest struct {
	CurrentJobCount int    `json:"current_job_count" validate:"min=0"`
	Status          string `json:"status,omitempty" validate:"omitempty,oneof=available busy draining unhealthy"`
	Health          string `json:"health,omitempty" validate:"omitempty,max=500"`
}

// HeartbeatAgentHandler refreshes an agent's liveness.
func (s *Server) HeartbeatAgentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID := chi.URLParam(r, "id")
		r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
		var req heartbeatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), nil)
			return
		}
		if err := s.Pool.Heartbeat(r.Context(), agentID, req.CurrentJobCount, domain.AgentStatus(req.Status), req.Health); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// DeregisterAgentHandler retires an agent and re-queues its jobs.
func (s *Server) DeregisterAgentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Pool.Deregister(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ReadyzHandler reports dependency readiness.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name string `json:"name"`
		OK   bool   `json:"ok"`
		Err  string `json:"error,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		checks := []struct {
			name string
			fn   func(context.Context) error
		}{
			{"db", s.DBCheck},
			{"redis", s.RedisCheck},
			{"bus", s.BusCheck},
		}
		out := make([]check, 0, len(checks))
		allOK := true
		for _, c := range checks {
			if c.fn == nil {
				out = append(out, check{Name: c.name, OK: false, Err: "not configured"})
				allOK = false
				continue
			}
			if err := c.fn(ctx); err != nil {
				out = append(out, check{Name: c.name, OK: false, Err: err.Error()})
				allOK = false
				continue
			}
			out = append(out, check{Name: c.name, OK: true})
		}
		status := http.StatusOK
		if !allOK {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"ready": allOK, "checks": out})
	}
}
