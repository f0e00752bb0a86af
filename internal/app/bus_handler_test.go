package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
	"github.com/fairyhunter13/crawl-orchestrator/internal/usecase"
)

type stubUsers struct {
	limit    int
	fetchErr error
	fetches  int
}

func (s *stubUsers) FetchQuota(_ domain.Context, _ string) (int, time.Time, error) {
	s.fetches++
	if s.fetchErr != nil {
		return 0, time.Time{}, s.fetchErr
	}
	return s.limit, time.Now().UTC().Add(24 * time.Hour), nil
}

func (s *stubUsers) GroupMembers(_ domain.Context, _ string) ([]string, error) { return nil, nil }

type stubQuotaStore struct {
	snaps map[string]domain.QuotaSnapshot
}

func (s *stubQuotaStore) Get(_ domain.Context, userID string) (domain.QuotaSnapshot, error) {
	snap, ok := s.snaps[userID]
	if !ok {
		return domain.QuotaSnapshot{}, domain.ErrNotFound
	}
	return snap, nil
}
func (s *stubQuotaStore) Reserve(_ domain.Context, userID string, n int, _ string) (domain.QuotaSnapshot, error) {
	return s.snaps[userID], nil
}
func (s *stubQuotaStore) Refund(_ domain.Context, userID string, _ int, _ string) (domain.QuotaSnapshot, error) {
	return s.snaps[userID], nil
}
func (s *stubQuotaStore) Upsert(_ domain.Context, q domain.QuotaSnapshot) error {
	s.snaps[q.UserID] = q
	return nil
}
func (s *stubQuotaStore) ListUserIDs(_ domain.Context) ([]string, error) { return nil, nil }
func (s *stubQuotaStore) PurgeReservationsBefore(_ domain.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func newBusHandlerFixture(users *stubUsers) (*BusHandler, *dispatchFixture, *stubQuotaStore) {
	f := newDispatchFixture()
	store := &stubQuotaStore{snaps: map[string]domain.QuotaSnapshot{}}
	uow := &memUOW{jobs: f.jobs, results: f.results, agents: f.agents, outbox: f.outbox, scaling: f.scaling}
	quota := usecase.NewQuotaService(store, nil, users, time.Minute, 100)
	lifecycle := usecase.NewLifecycleService(uow, f.worker, quota, nil,
		2*time.Minute, 30*time.Minute, 5*time.Minute, time.Second)
	return NewBusHandler(lifecycle, quota), f, store
}

func TestBusHandler_ProgressMovesJobToRunning(t *testing.T) {
	t.Parallel()
	h, f, _ := newBusHandlerFixture(&stubUsers{limit: 100})
	agentID := "agent-1"
	f.seedAgent(t, domain.Agent{ID: agentID, Endpoint: "http://agent-1:8080", CurrentJobCount: 1})
	job := f.seedJob(t, domain.CrawlJob{UserID: "u-1", URLs: []string{"https://a.test"}, Status: domain.JobAssigned, AssignedAgentID: &agentID})

	err := h.HandleProgress(context.Background(), domain.ProgressEvent{JobID: job.ID, Seq: 1, URLsProcessed: 1})
	require.NoError(t, err)

	got, _ := f.jobs.Get(context.Background(), job.ID)
	assert.Equal(t, domain.JobRunning, got.Status)
}

func TestBusHandler_DropsEventsWithoutJobID(t *testing.T) {
	t.Parallel()
	h, _, _ := newBusHandlerFixture(&stubUsers{limit: 100})

	assert.NoError(t, h.HandleProgress(context.Background(), domain.ProgressEvent{Seq: 1}))
	assert.NoError(t, h.HandleResult(context.Background(), domain.ResultEvent{Seq: 1}))
}

func TestBusHandler_ResultFinalizesJob(t *testing.T) {
	t.Parallel()
	h, f, _ := newBusHandlerFixture(&stubUsers{limit: 100})
	job := f.seedJob(t, domain.CrawlJob{UserID: "u-1", URLs: []string{"https://a.test"}, Status: domain.JobRunning})

	err := h.HandleResult(context.Background(), domain.ResultEvent{
		JobID: job.ID, Seq: 1, Success: true,
		Results: []domain.URLOutcome{{URL: "https://a.test", Success: true, StatusCode: 200}},
	})
	require.NoError(t, err)

	got, _ := f.jobs.Get(context.Background(), job.ID)
	assert.Equal(t, domain.JobCompleted, got.Status)
}

func TestBusHandler_UserQuotaEventResyncs(t *testing.T) {
	t.Parallel()
	users := &stubUsers{limit: 75}
	h, _, store := newBusHandlerFixture(users)

	err := h.HandleUserEvent(context.Background(), "user.quota-updated", []byte(`{"user_id":"u-1"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, users.fetches)
	assert.Equal(t, 75, store.snaps["u-1"].Limit)
}

func TestBusHandler_UserEventWithoutIDDropped(t *testing.T) {
	t.Parallel()
	users := &stubUsers{limit: 75}
	h, _, _ := newBusHandlerFixture(users)

	require.NoError(t, h.HandleUserEvent(context.Background(), "user.quota-updated", []byte(`{}`)))
	assert.Zero(t, users.fetches)

	err := h.HandleUserEvent(context.Background(), "user.quota-updated", []byte(`not json`))
	assert.Error(t, err)
}

func TestBusHandler_UserSyncFailurePropagates(t *testing.T) {
	t.Parallel()
	users := &stubUsers{fetchErr: errors.New("user service down")}
	h, _, _ := newBusHandlerFixture(users)

	err := h.HandleUserEvent(context.Background(), "user.quota-reset", []byte(`{"user_id":"u-1"}`))
	assert.Error(t, err)
}

func TestFanoutRelay_ForwardsToSubscribers(t *testing.T) {
	t.Parallel()
	fanout := usecase.NewFanout(8)
	relay := NewFanoutRelay(fanout)
	sub := fanout.Subscribe("job-1")
	defer sub.Cancel()

	require.NoError(t, relay.HandleProgress(context.Background(), domain.ProgressEvent{JobID: "job-1", Seq: 1}))
	require.NoError(t, relay.HandleResult(context.Background(), domain.ResultEvent{JobID: "job-1", Seq: 2, Success: true}))

	assert.Equal(t, usecase.FanoutProgress, (<-sub.C).Kind)
	assert.Equal(t, usecase.FanoutTerminal, (<-sub.C).Kind)

	// User events are not the relay's concern.
	assert.NoError(t, relay.HandleUserEvent(context.Background(), "user.tier-changed", nil))
}
