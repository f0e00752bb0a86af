package usecase

import (
	"errors"
	"fmt"

	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
)

// JobView is the read model returned to the front door: the job plus a
// summary of its persisted results.
type JobView struct {
	Job          domain.CrawlJob
	ResultCount  int
	SuccessCount int
	Results      []domain.CrawlResult
}

// QueryService serves read-only job lookups with participant authorization.
type QueryService struct {
	Jobs         domain.JobRepository
	Results      domain.ResultRepository
	Participants domain.ParticipantRepository
}

// NewQueryService constructs a QueryService with its dependencies.
func NewQueryService(jobs domain.JobRepository, results domain.ResultRepository, participants domain.ParticipantRepository) QueryService {
	return QueryService{Jobs: jobs, Results: results, Participants: participants}
}

// GetJob returns a job with its results summary. Only the owner, a
// participant or an elevated identity may read it.
func (s QueryService) GetJob(ctx domain.Context, requester Identity, jobID string) (JobView, error) {
	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return JobView{}, err
	}
	if err := s.Authorize(ctx, requester, &job); err != nil {
		return JobView{}, err
	}

	results, err := s.Results.ListByJob(ctx, jobID)
	if err != nil {
		return JobView{}, err
	}
	view := JobView{Job: job, ResultCount: len(results), Results: results}
	for i := range results {
		if results[i].Success {
			view.SuccessCount++
		}
	}
	return view, nil
}

// ListJobs returns the requester's own jobs, newest first.
func (s QueryService) ListJobs(ctx domain.Context, requester Identity, limit, offset int) ([]domain.CrawlJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.Jobs.ListByUser(ctx, requester.UserID, offset, limit)
}

// Authorize checks read access to a job: owner, participant or elevated.
func (s QueryService) Authorize(ctx domain.Context, requester Identity, job *domain.CrawlJob) error {
	if requester.Elevated() || requester.UserID == job.UserID {
		return nil
	}
	_, err := s.Participants.Get(ctx, job.ID, requester.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("op=query.get_job user=%s: %w", requester.UserID, domain.ErrForbidden)
		}
		return err
	}
	return nil
}
