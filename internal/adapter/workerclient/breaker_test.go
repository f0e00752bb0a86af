package workerclient_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/crawl-orchestrator/internal/adapter/workerclient"
	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
)

type scriptedWorker struct {
	mu        sync.Mutex
	submitErr map[string]error
	submits   map[string]int
	cancels   int
	healthErr error
}

func newScriptedWorker() *scriptedWorker {
	return &scriptedWorker{submitErr: map[string]error{}, submits: map[string]int{}}
}

func (w *scriptedWorker) Submit(_ domain.Context, endpoint string, _ domain.CrawlRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.submits[endpoint]++
	return w.submitErr[endpoint]
}

func (w *scriptedWorker) Cancel(_ domain.Context, _, _ string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancels++
	return nil
}

func (w *scriptedWorker) Health(_ domain.Context, _ string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.healthErr
}

func (w *scriptedWorker) setSubmitErr(endpoint string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err == nil {
		delete(w.submitErr, endpoint)
		return
	}
	w.submitErr[endpoint] = err
}

func (w *scriptedWorker) submitCount(endpoint string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.submits[endpoint]
}

const ep = "http://agent-1:8080"

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	inner := newScriptedWorker()
	inner.setSubmitErr(ep, fmt.Errorf("dial: %w", domain.ErrWorkerUnavailable))
	c := workerclient.NewBreakerClient(inner, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := c.Submit(ctx, ep, domain.CrawlRequest{JobID: "job-1"})
		require.ErrorIs(t, err, domain.ErrWorkerUnavailable)
	}
	require.Equal(t, 3, inner.submitCount(ep))

	// Open circuit short-circuits without touching the agent.
	err := c.Submit(ctx, ep, domain.CrawlRequest{JobID: "job-1"})
	require.ErrorIs(t, err, domain.ErrWorkerUnavailable)
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, 3, inner.submitCount(ep))
}

func TestBreaker_NonTransportErrorsDoNotTrip(t *testing.T) {
	t.Parallel()
	inner := newScriptedWorker()
	inner.setSubmitErr(ep, fmt.Errorf("agent rejected urls: %w", domain.ErrInvalidArgument))
	c := workerclient.NewBreakerClient(inner, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := c.Submit(ctx, ep, domain.CrawlRequest{JobID: "job-1"})
		require.ErrorIs(t, err, domain.ErrInvalidArgument)
	}
	// Every call reached the agent; the circuit never opened.
	assert.Equal(t, 5, inner.submitCount(ep))
}

func TestBreaker_HalfOpenTrialClosesOnSuccess(t *testing.T) {
	t.Parallel()
	inner := newScriptedWorker()
	inner.setSubmitErr(ep, fmt.Errorf("dial: %w", domain.ErrTimeout))
	c := workerclient.NewBreakerClient(inner, 2, 30*time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.Error(t, c.Submit(ctx, ep, domain.CrawlRequest{JobID: "job-1"}))
	}
	require.ErrorIs(t, c.Submit(ctx, ep, domain.CrawlRequest{JobID: "job-1"}), domain.ErrWorkerUnavailable)
	require.Equal(t, 2, inner.submitCount(ep))

	// After the cooldown the agent recovered; the trial request closes the
	// circuit and traffic flows again.
	time.Sleep(50 * time.Millisecond)
	inner.setSubmitErr(ep, nil)
	require.NoError(t, c.Submit(ctx, ep, domain.CrawlRequest{JobID: "job-1"}))
	require.NoError(t, c.Submit(ctx, ep, domain.CrawlRequest{JobID: "job-2"}))
	assert.Equal(t, 4, inner.submitCount(ep))
}

func TestBreaker_HalfOpenTrialReopensOnFailure(t *testing.T) {
	t.Parallel()
	inner := newScriptedWorker()
	inner.setSubmitErr(ep, fmt.Errorf("dial: %w", domain.ErrWorkerUnavailable))
	c := workerclient.NewBreakerClient(inner, 2, 30*time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.Error(t, c.Submit(ctx, ep, domain.CrawlRequest{JobID: "job-1"}))
	}

	time.Sleep(50 * time.Millisecond)
	// Trial fails: straight back to open with no second chance.
	require.Error(t, c.Submit(ctx, ep, domain.CrawlRequest{JobID: "job-1"}))
	require.Equal(t, 3, inner.submitCount(ep))
	err := c.Submit(ctx, ep, domain.CrawlRequest{JobID: "job-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, 3, inner.submitCount(ep))
}

func TestBreaker_EndpointsAreIsolated(t *testing.T) {
	t.Parallel()
	inner := newScriptedWorker()
	inner.setSubmitErr(ep, fmt.Errorf("dial: %w", domain.ErrWorkerUnavailable))
	c := workerclient.NewBreakerClient(inner, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Error(t, c.Submit(ctx, ep, domain.CrawlRequest{JobID: "job-1"}))
	}
	require.NoError(t, c.Submit(ctx, "http://agent-2:8080", domain.CrawlRequest{JobID: "job-2"}))
}

func TestBreaker_HealthFeedsCircuit(t *testing.T) {
	t.Parallel()
	inner := newScriptedWorker()
	inner.setSubmitErr(ep, fmt.Errorf("dial: %w", domain.ErrWorkerUnavailable))
	c := workerclient.NewBreakerClient(inner, 2, time.Hour)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.Error(t, c.Submit(ctx, ep, domain.CrawlRequest{JobID: "job-1"}))
	}
	require.ErrorIs(t, c.Submit(ctx, ep, domain.CrawlRequest{JobID: "job-1"}), domain.ErrWorkerUnavailable)

	// A successful health probe closes the circuit without waiting out the
	// cooldown.
	inner.setSubmitErr(ep, nil)
	require.NoError(t, c.Health(ctx, ep))
	assert.NoError(t, c.Submit(ctx, ep, domain.CrawlRequest{JobID: "job-1"}))
}

func TestBreaker_CancelBypassesCircuit(t *testing.T) {
	t.Parallel()
	inner := newScriptedWorker()
	inner.setSubmitErr(ep, fmt.Errorf("dial: %w", domain.ErrWorkerUnavailable))
	c := workerclient.NewBreakerClient(inner, 1, time.Hour)
	ctx := context.Background()

	require.Error(t, c.Submit(ctx, ep, domain.CrawlRequest{JobID: "job-1"}))
	require.NoError(t, c.Cancel(ctx, ep, "job-1"))
	inner.mu.Lock()
	defer inner.mu.Unlock()
	assert.Equal(t, 1, inner.cancels)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	inner := newScriptedWorker()
	c := workerclient.NewBreakerClient(inner, 2, time.Minute)
	ctx := context.Background()
	transport := fmt.Errorf("dial: %w", domain.ErrWorkerUnavailable)

	inner.setSubmitErr(ep, transport)
	require.Error(t, c.Submit(ctx, ep, domain.CrawlRequest{JobID: "job-1"}))
	inner.setSubmitErr(ep, nil)
	require.NoError(t, c.Submit(ctx, ep, domain.CrawlRequest{JobID: "job-1"}))
	inner.setSubmitErr(ep, transport)
	require.Error(t, c.Submit(ctx, ep, domain.CrawlRequest{JobID: "job-1"}))

	// One failure after a success is below the threshold; calls still reach
	// the agent.
	require.ErrorIs(t, c.Submit(ctx, ep, domain.CrawlRequest{JobID: "job-1"}), domain.ErrWorkerUnavailable)
	assert.Equal(t, 4, inner.submitCount(ep))
}
