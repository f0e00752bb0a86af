package usecase_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
	"github.com/fairyhunter13/crawl-orchestrator/internal/usecase"
)

func TestQuery_GetJob(t *testing.T) {
	t.Parallel()
	repos := newFakeRepos()
	svc := usecase.NewQueryService(repos.jobs, repos.results, repos.participants)
	job := seedJob(t, repos, domain.CrawlJob{UserID: "u-1", URLs: []string{"https://a.test", "https://b.test"}, Status: domain.JobCompleted})
	require.NoError(t, repos.results.InsertBatch(context.Background(), []domain.CrawlResult{
		{ID: "r-1", JobID: job.ID, URL: "https://a.test", Success: true},
		{ID: "r-2", JobID: job.ID, URL: "https://b.test", Success: false, Error: "404"},
	}))

	view, err := svc.GetJob(context.Background(), usecase.Identity{UserID: "u-1"}, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, view.Job.ID)
	assert.Equal(t, 2, view.ResultCount)
	assert.Equal(t, 1, view.SuccessCount)
	assert.Len(t, view.Results, 2)
}

func TestQuery_GetJob_Authorization(t *testing.T) {
	t.Parallel()
	repos := newFakeRepos()
	svc := usecase.NewQueryService(repos.jobs, repos.results, repos.participants)
	job := seedJob(t, repos, domain.CrawlJob{UserID: "u-1", Status: domain.JobRunning})
	require.NoError(t, repos.participants.Add(context.Background(), domain.Participant{JobID: job.ID, UserID: "u-2", Role: domain.RoleViewer}))

	// A participant may read, even as a viewer.
	_, err := svc.GetJob(context.Background(), usecase.Identity{UserID: "u-2"}, job.ID)
	assert.NoError(t, err)

	// A stranger may not.
	_, err = svc.GetJob(context.Background(), usecase.Identity{UserID: "u-9"}, job.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	// Elevated identities bypass participation.
	_, err = svc.GetJob(context.Background(), usecase.Identity{UserID: "u-9", Role: usecase.RoleAdmin}, job.ID)
	assert.NoError(t, err)
}

func TestQuery_GetJob_NotFound(t *testing.T) {
	t.Parallel()
	repos := newFakeRepos()
	svc := usecase.NewQueryService(repos.jobs, repos.results, repos.participants)

	_, err := svc.GetJob(context.Background(), usecase.Identity{UserID: "u-1"}, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestQuery_ListJobs(t *testing.T) {
	t.Parallel()
	repos := newFakeRepos()
	svc := usecase.NewQueryService(repos.jobs, repos.results, repos.participants)
	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		seedJob(t, repos, domain.CrawlJob{UserID: "u-1", Status: domain.JobCompleted, CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	seedJob(t, repos, domain.CrawlJob{UserID: "u-2", Status: domain.JobCompleted, CreatedAt: base})

	jobs, err := svc.ListJobs(context.Background(), usecase.Identity{UserID: "u-1"}, 2, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	// Newest first.
	assert.True(t, jobs[0].CreatedAt.After(jobs[1].CreatedAt))

	// Out-of-range limits fall back to the default page size.
	jobs, err = svc.ListJobs(context.Background(), usecase.Identity{UserID: "u-1"}, -1, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
}
