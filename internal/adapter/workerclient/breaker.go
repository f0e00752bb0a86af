package workerclient

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// breaker tracks the health of one agent endpoint. Transport failures open
// it; after the cooldown a single trial request decides whether it closes.
type breaker struct {
	mu sync.Mutex

	maxFailures int
	cooldown    time.Duration

	state       breakerState
	failures    int
	lastFailure time.Time
}

func (b *breaker) canExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(b.lastFailure) >= b.cooldown {
			b.state = stateHalfOpen
			b.failures = 0
			return true
		}
		return false
	case stateHalfOpen:
		return true
	default:
		return false
	}
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state != stateClosed {
		b.state = stateClosed
	}
}

func (b *breaker) recordFailure(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = time.Now()

	switch b.state {
	case stateClosed:
		if b.failures >= b.maxFailures {
			b.state = stateOpen
			slog.Warn("worker endpoint circuit opened",
				slog.String("endpoint", endpoint), slog.Int("failures", b.failures))
		}
	case stateHalfOpen:
		b.state = stateOpen
		slog.Warn("worker endpoint circuit reopened after trial failure",
			slog.String("endpoint", endpoint))
	}
}

// BreakerClient wraps a worker client with per-endpoint circuit breaking.
// An open circuit short-circuits Submit so the dispatcher leaves the job
// pending instead of burning its submit timeout on a dead agent. Cancel and
// Health bypass the breaker; both are cheap and must reach the agent when
// it recovers.
type BreakerClient struct {
	inner domain.WorkerClient

	mu       sync.Mutex
	breakers map[string]*breaker

	maxFailures int
	cooldown    time.Duration
}

// NewBreakerClient wraps inner; the circuit for an endpoint opens after
// maxFailures consecutive transport failures and retries after cooldown.
func NewBreakerClient(inner domain.WorkerClient, maxFailures int, cooldown time.Duration) *BreakerClient {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &BreakerClient{
		inner:       inner,
		breakers:    make(map[string]*breaker),
		maxFailures: maxFailures,
		cooldown:    cooldown,
	}
}

func (c *BreakerClient) breakerFor(endpoint string) *breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[endpoint]
	if !ok {
		b = &breaker{maxFailures: c.maxFailures, cooldown: c.cooldown}
		c.breakers[endpoint] = b
	}
	return b
}

// Submit hands a job to the agent unless its circuit is open. Only
// transport-level failures count against the circuit; a 4xx means the agent
// is alive and rejecting this particular job.
func (c *BreakerClient) Submit(ctx domain.Context, endpoint string, req domain.CrawlRequest) error {
	b := c.breakerFor(endpoint)
	if !b.canExecute() {
		return fmt.Errorf("circuit open for %s: %w", endpoint, domain.ErrWorkerUnavailable)
	}

	err := c.inner.Submit(ctx, endpoint, req)
	if err != nil && (errors.Is(err, domain.ErrWorkerUnavailable) || errors.Is(err, domain.ErrTimeout)) {
		b.recordFailure(endpoint)
		return err
	}
	b.recordSuccess()
	return err
}

// Cancel passes through to the wrapped client.
func (c *BreakerClient) Cancel(ctx domain.Context, endpoint, jobID string) error {
	return c.inner.Cancel(ctx, endpoint, jobID)
}

// Health passes through and feeds the breaker so a recovered agent closes
// its circuit without waiting for a trial submit.
func (c *BreakerClient) Health(ctx domain.Context, endpoint string) error {
	err := c.inner.Health(ctx, endpoint)
	b := c.breakerFor(endpoint)
	if err != nil {
		b.recordFailure(endpoint)
	} else {
		b.recordSuccess()
	}
	return err
}
