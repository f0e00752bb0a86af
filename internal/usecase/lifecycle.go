package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/crawl-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
)

// ProgressNotifier receives committed events for real-time fan-out. A nil
// notifier is allowed; the orchestrator process does not serve subscribers.
type ProgressNotifier interface {
	NotifyProgress(jobID string, ev domain.ProgressEvent)
	NotifyTerminal(jobID string, ev domain.ResultEvent)
}

// LifecycleService owns every job state transition. Each transition is one
// transaction carrying its outbox row; the optimistic version check on the
// job rejects stale writers with ErrConflict.
type LifecycleService struct {
	UOW      domain.UnitOfWork
	Worker   domain.WorkerClient
	Quota    QuotaService
	Notifier ProgressNotifier

	RetryBase   time.Duration
	RetryCap    time.Duration
	RetryFloor  time.Duration
	CancelGrace time.Duration
}

// NewLifecycleService constructs a LifecycleService with its dependencies.
func NewLifecycleService(uow domain.UnitOfWork, worker domain.WorkerClient, quota QuotaService, notifier ProgressNotifier, retryBase, retryCap, retryFloor, cancelGrace time.Duration) *LifecycleService {
	return &LifecycleService{
		UOW:         uow,
		Worker:      worker,
		Quota:       quota,
		Notifier:    notifier,
		RetryBase:   retryBase,
		RetryCap:    retryCap,
		RetryFloor:  retryFloor,
		CancelGrace: cancelGrace,
	}
}

// Backoff returns the delay before retry number retryCount becomes eligible:
// a constant floor to absorb agent cold start plus a capped exponential.
func (s *LifecycleService) Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	exp := s.RetryBase << (retryCount - 1)
	if exp > s.RetryCap || exp <= 0 {
		exp = s.RetryCap
	}
	return s.RetryFloor + exp
}

// Assign binds a pending job to an agent. The slot reservation is a guarded
// increment inside the same transaction, so capacity can never be exceeded
// even under concurrent dispatchers.
func (s *LifecycleService) Assign(ctx domain.Context, jobID, agentID string) (domain.CrawlJob, error) {
	var assigned domain.CrawlJob
	err := s.UOW.Atomic(ctx, func(repos domain.RepoSet) error {
		job, err := repos.Jobs.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if !job.CanTransition(domain.JobAssigned) {
			return fmt.Errorf("op=lifecycle.assign job=%s status=%s: %w", jobID, job.Status, domain.ErrConflict)
		}
		ok, err := repos.Agents.ReserveSlot(ctx, agentID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("op=lifecycle.assign agent=%s: %w", agentID, domain.ErrCapacityExhausted)
		}
		job.Status = domain.JobAssigned
		job.AssignedAgentID = &agentID
		job.UpdatedAt = time.Now().UTC()
		if err := repos.Jobs.Update(ctx, &job); err != nil {
			return err
		}
		if err := enqueueJobEvent(ctx, repos.Outbox, domain.EventJobAssigned, &job); err != nil {
			return err
		}
		assigned = job
		return nil
	})
	return assigned, err
}

// MarkDispatchFailed records a failed hand-off: the slot is released and the
// job goes to Failed with its retry scheduled.
func (s *LifecycleService) MarkDispatchFailed(ctx domain.Context, jobID string, cause error) error {
	return s.UOW.Atomic(ctx, func(repos domain.RepoSet) error {
		job, err := repos.Jobs.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status != domain.JobAssigned {
			return nil
		}
		if job.AssignedAgentID != nil {
			if err := repos.Agents.ReleaseSlot(ctx, *job.AssignedAgentID, false); err != nil {
				return err
			}
		}
		return s.fail(ctx, repos, &job, cause.Error(), time.Time{})
	})
}

// OnProgress applies a progress event. Duplicates and reordering are
// rejected by comparing seq against the stored last-seen sequence; the first
// progress event moves an Assigned job to Running.
func (s *LifecycleService) OnProgress(ctx domain.Context, ev domain.ProgressEvent) error {
	var apply bool
	err := s.UOW.Atomic(ctx, func(repos domain.RepoSet) error {
		apply = false
		job, err := repos.Jobs.Get(ctx, ev.JobID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil
			}
			return err
		}
		if job.Status.Terminal() || ev.Seq <= job.LastSeq {
			return nil
		}
		if job.Status == domain.JobAssigned {
			now := time.Now().UTC()
			job.Status = domain.JobRunning
			job.StartedAt = &now
			if err := enqueueJobEvent(ctx, repos.Outbox, domain.EventJobStarted, &job); err != nil {
				return err
			}
		}
		if job.Status != domain.JobRunning {
			return nil
		}
		job.LastSeq = ev.Seq
		job.URLsProcessed = ev.URLsProcessed
		job.URLsSuccessful = ev.URLsSuccessful
		job.URLsFailed = ev.URLsFailed
		job.UpdatedAt = time.Now().UTC()
		if err := repos.Jobs.Update(ctx, &job); err != nil {
			return err
		}
		apply = true
		return nil
	})
	if err != nil {
		return err
	}
	if apply && s.Notifier != nil {
		s.Notifier.NotifyProgress(ev.JobID, ev)
	}
	return nil
}

// OnResult applies a terminal event from the worker: persist CrawlResult
// rows, freeze aggregates, release the agent slot and finalize the status.
// A terminal job ignores further events, which makes redelivery safe and
// keeps Cancelled final.
func (s *LifecycleService) OnResult(ctx domain.Context, ev domain.ResultEvent) error {
	var (
		apply bool
		final domain.CrawlJob
	)
	err := s.UOW.Atomic(ctx, func(repos domain.RepoSet) error {
		apply = false
		job, err := repos.Jobs.Get(ctx, ev.JobID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil
			}
			return err
		}
		if job.Status.Terminal() || ev.Seq <= job.LastSeq {
			return nil
		}

		now := time.Now().UTC()
		if len(ev.Results) > 0 {
			rows := make([]domain.CrawlResult, 0, len(ev.Results))
			for _, r := range ev.Results {
				rows = append(rows, domain.CrawlResult{
					ID:          uuid.NewString(),
					JobID:       job.ID,
					URL:         r.URL,
					Success:     r.Success,
					StatusCode:  r.StatusCode,
					ContentSize: r.ContentSize,
					ContentHash: r.ContentHash,
					Extracted:   r.Extracted,
					Error:       r.Error,
					CreatedAt:   now,
				})
			}
			if err := repos.Results.InsertBatch(ctx, rows); err != nil {
				return err
			}
		}

		job.LastSeq = ev.Seq
		job.TotalBytes = ev.TotalBytes
		job.URLsProcessed = len(ev.Results)
		job.URLsSuccessful, job.URLsFailed = 0, 0
		for _, r := range ev.Results {
			if r.Success {
				job.URLsSuccessful++
			} else {
				job.URLsFailed++
			}
		}

		if job.AssignedAgentID != nil {
			if err := repos.Agents.ReleaseSlot(ctx, *job.AssignedAgentID, ev.Success); err != nil {
				return err
			}
		}

		switch {
		case ev.Cancelled:
			// A cancel ack racing the timeout sweep can find the job already
			// Failed; the retry machinery owns it then, keep the results and
			// drop the status change.
			if !job.CanTransition(domain.JobCancelled) {
				return nil
			}
			if err := s.finalizeCancelledTx(ctx, repos, &job, now); err != nil {
				return err
			}
		case ev.Success:
			job.Status = domain.JobCompleted
			job.CompletedAt = &now
			job.AssignedAgentID = nil
			job.UpdatedAt = now
			if err := repos.Jobs.Update(ctx, &job); err != nil {
				return err
			}
			if err := enqueueJobEvent(ctx, repos.Outbox, domain.EventJobCompleted, &job); err != nil {
				return err
			}
			observability.JobsCompletedTotal.WithLabelValues(string(domain.JobCompleted)).Inc()
		default:
			if err := s.fail(ctx, repos, &job, ev.Error, now); err != nil {
				return err
			}
		}
		apply = true
		final = job
		return nil
	})
	if err != nil {
		return err
	}
	if apply && s.Notifier != nil {
		s.Notifier.NotifyTerminal(ev.JobID, ev)
	}
	if apply {
		observability.LoggerFromContext(ctx).Info("job finalized",
			slog.String("job_id", ev.JobID),
			slog.String("status", string(final.Status)),
			slog.Int("urls_processed", final.URLsProcessed))
	}
	return nil
}

// Cancel cancels a job on behalf of a requester. Pending jobs are finalized
// immediately; Assigned/Running jobs get a best-effort worker cancel and a
// bounded grace wait for the worker's terminal event before the engine
// force-finalizes.
func (s *LifecycleService) Cancel(ctx domain.Context, requester Identity, jobID string) error {
	var (
		job      domain.CrawlJob
		endpoint string
	)
	err := s.UOW.Atomic(ctx, func(repos domain.RepoSet) error {
		var err error
		job, err = repos.Jobs.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if err := s.authorizeCancel(ctx, repos, requester, &job); err != nil {
			return err
		}
		if job.Status.Terminal() {
			return fmt.Errorf("op=lifecycle.cancel job=%s already %s: %w", jobID, job.Status, domain.ErrConflict)
		}
		// Cancelled is only enterable from Pending/Assigned/Running. A Failed
		// job awaiting retry is not cancellable; it either requeues to
		// Pending (cancellable there) or exhausts its budget.
		if !job.CanTransition(domain.JobCancelled) {
			return fmt.Errorf("op=lifecycle.cancel job=%s status=%s: %w", jobID, job.Status, domain.ErrConflict)
		}
		if job.Status == domain.JobPending {
			return s.finalizeCancelledTx(ctx, repos, &job, time.Now().UTC())
		}
		// In-flight: look up the agent endpoint for the best-effort cancel
		// call made after commit.
		if job.AssignedAgentID != nil {
			agent, err := repos.Agents.Get(ctx, *job.AssignedAgentID)
			if err == nil {
				endpoint = agent.Endpoint
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if job.Status == domain.JobCancelled {
		// Finalized in the transaction above; subscribers still get their
		// terminal event even though no worker was ever involved.
		if s.Notifier != nil {
			s.Notifier.NotifyTerminal(job.ID, domain.ResultEvent{
				JobID:     job.ID,
				Seq:       job.LastSeq + 1,
				Cancelled: true,
			})
		}
		return nil
	}

	if endpoint != "" {
		if err := s.Worker.Cancel(ctx, endpoint, jobID); err != nil {
			observability.LoggerFromContext(ctx).Warn("worker cancel failed",
				slog.String("job_id", jobID), slog.Any("error", err))
		}
	}

	// Grace wait runs detached: the worker may still deliver a terminal
	// event that carries partial results. If nothing arrives, force-finalize.
	grace := s.CancelGrace
	time.AfterFunc(grace, func() {
		s.ForceCancel(jobID)
	})
	return nil
}

// ForceCancel finalizes a job as Cancelled unless a terminal event beat the
// grace timer. Safe to call repeatedly.
func (s *LifecycleService) ForceCancel(jobID string) {
	ctx := context.Background()
	var (
		applied bool
		job     domain.CrawlJob
	)
	err := s.UOW.Atomic(ctx, func(repos domain.RepoSet) error {
		applied = false
		j, err := repos.Jobs.Get(ctx, jobID)
		if err != nil {
			return err
		}
		// Already terminal, or the worker reported a failure during the
		// grace window and the retry machinery owns the job now.
		if !j.CanTransition(domain.JobCancelled) {
			return nil
		}
		if j.AssignedAgentID != nil {
			if err := repos.Agents.ReleaseSlot(ctx, *j.AssignedAgentID, false); err != nil {
				return err
			}
		}
		if err := s.finalizeCancelledTx(ctx, repos, &j, time.Now().UTC()); err != nil {
			return err
		}
		applied = true
		job = j
		return nil
	})
	if err != nil {
		slog.Error("force cancel failed", slog.String("job_id", jobID), slog.Any("error", err))
		return
	}
	if applied && s.Notifier != nil {
		s.Notifier.NotifyTerminal(jobID, domain.ResultEvent{
			JobID:     jobID,
			Seq:       job.LastSeq + 1,
			Cancelled: true,
		})
	}
}

// Requeue moves a due Failed job back to Pending for another dispatch
// attempt. The retry counter was already advanced when the job failed.
func (s *LifecycleService) Requeue(ctx domain.Context, jobID string) error {
	return s.UOW.Atomic(ctx, func(repos domain.RepoSet) error {
		job, err := repos.Jobs.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if !job.CanTransition(domain.JobPending) {
			return nil
		}
		if job.NextRetryAt != nil && job.NextRetryAt.After(time.Now().UTC()) {
			return nil
		}
		job.Status = domain.JobPending
		job.AssignedAgentID = nil
		job.NextRetryAt = nil
		job.Error = ""
		job.UpdatedAt = time.Now().UTC()
		if err := repos.Jobs.Update(ctx, &job); err != nil {
			return err
		}
		observability.JobsRetriedTotal.Inc()
		return enqueueJobEvent(ctx, repos.Outbox, domain.EventJobRetried, &job)
	})
}

// FailStalled forces a stalled Assigned/Running job to Failed with its retry
// scheduled. The health loop calls this past the job timeout horizon.
func (s *LifecycleService) FailStalled(ctx domain.Context, jobID, reason string) error {
	return s.UOW.Atomic(ctx, func(repos domain.RepoSet) error {
		job, err := repos.Jobs.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status != domain.JobAssigned && job.Status != domain.JobRunning {
			return nil
		}
		if job.AssignedAgentID != nil {
			if err := repos.Agents.ReleaseSlot(ctx, *job.AssignedAgentID, false); err != nil {
				return err
			}
		}
		return s.fail(ctx, repos, &job, reason, time.Time{})
	})
}

// RequeueOrphans re-queues all non-terminal jobs bound to a dead agent.
// The retry counter advances and the next attempt is eligible immediately.
func (s *LifecycleService) RequeueOrphans(ctx domain.Context, agentID string) (int, error) {
	var n int
	err := s.UOW.Atomic(ctx, func(repos domain.RepoSet) error {
		n = 0
		jobs, err := repos.Jobs.ListByAgent(ctx, agentID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for i := range jobs {
			job := jobs[i]
			job.RetryCount++
			if job.RetryCount > job.MaxRetries {
				job.Status = domain.JobFailed
				job.RetryCount = job.MaxRetries
				job.FailedAt = &now
				job.Error = "agent lost"
				job.AssignedAgentID = nil
				job.UpdatedAt = now
				if err := repos.Jobs.Update(ctx, &job); err != nil {
					return err
				}
				if err := enqueueJobEvent(ctx, repos.Outbox, domain.EventJobFailed, &job); err != nil {
					return err
				}
				continue
			}
			job.Status = domain.JobPending
			job.AssignedAgentID = nil
			job.NextRetryAt = nil
			job.Error = ""
			job.UpdatedAt = now
			if err := repos.Jobs.Update(ctx, &job); err != nil {
				return err
			}
			if err := enqueueJobEvent(ctx, repos.Outbox, domain.EventJobRetried, &job); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// fail applies the Failed transition with retry scheduling. Passing a zero
// now uses the current time.
func (s *LifecycleService) fail(ctx domain.Context, repos domain.RepoSet, job *domain.CrawlJob, reason string, now time.Time) error {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	job.Status = domain.JobFailed
	job.FailedAt = &now
	job.Error = reason
	job.AssignedAgentID = nil
	job.UpdatedAt = now
	if job.RetryCount < job.MaxRetries {
		job.RetryCount++
		next := now.Add(s.Backoff(job.RetryCount))
		job.NextRetryAt = &next
	} else {
		job.NextRetryAt = nil
	}
	if err := repos.Jobs.Update(ctx, job); err != nil {
		return err
	}
	observability.JobsCompletedTotal.WithLabelValues(string(domain.JobFailed)).Inc()
	return enqueueJobEvent(ctx, repos.Outbox, domain.EventJobFailed, job)
}

// finalizeCancelledTx applies the terminal Cancelled transition and refunds
// the quota units for URLs the worker never processed. Callers guard the
// transition; only Pending/Assigned/Running jobs reach here.
func (s *LifecycleService) finalizeCancelledTx(ctx domain.Context, repos domain.RepoSet, job *domain.CrawlJob, now time.Time) error {
	refund := job.Remaining()
	job.Status = domain.JobCancelled
	job.CompletedAt = &now
	// A job that failed and requeued earlier still carries the old failure
	// timestamp; Cancelled is the single terminal marker.
	job.FailedAt = nil
	job.AssignedAgentID = nil
	job.NextRetryAt = nil
	job.UpdatedAt = now
	if err := repos.Jobs.Update(ctx, job); err != nil {
		return err
	}
	if refund > 0 {
		if err := s.Quota.Refund(ctx, repos.Quota, job.UserID, refund, "cancelled"); err != nil {
			return err
		}
	}
	observability.JobsCompletedTotal.WithLabelValues(string(domain.JobCancelled)).Inc()
	return enqueueJobEvent(ctx, repos.Outbox, domain.EventJobCancelled, job)
}

// authorizeCancel enforces the participant role model: owners and
// collaborators may cancel, viewers may not. Elevated identities bypass.
func (s *LifecycleService) authorizeCancel(ctx domain.Context, repos domain.RepoSet, requester Identity, job *domain.CrawlJob) error {
	if requester.Elevated() || requester.UserID == job.UserID {
		return nil
	}
	p, err := repos.Participants.Get(ctx, job.ID, requester.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("op=lifecycle.cancel user=%s: %w", requester.UserID, domain.ErrForbidden)
		}
		return err
	}
	if !p.Role.CanCancel() {
		return fmt.Errorf("op=lifecycle.cancel role=%s: %w", p.Role, domain.ErrForbidden)
	}
	return nil
}
