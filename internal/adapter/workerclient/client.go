// Package workerclient talks to crawl agents over their HTTP control API.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
)

// Client implements domain.WorkerClient against agent control endpoints.
// Each agent exposes POST /crawl/submit, POST /crawl/cancel/{jobId} and
// GET /health on its registered endpoint.
type Client struct {
	httpClient *http.Client
}

// New creates a Client with OpenTelemetry tracing on outbound requests.
func New(submitTimeout time.Duration) *Client {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("Agent %s %s", r.Method, r.URL.Host)
		}),
	)
	return &Client{
		httpClient: &http.Client{
			Timeout:   submitTimeout,
			Transport: transport,
		},
	}
}

// Submit hands a crawl request to the agent. Connection failures and agent
// 5xx responses map to ErrWorkerUnavailable so the dispatcher can retry on
// another agent.
func (c *Client) Submit(ctx domain.Context, endpoint string, req domain.CrawlRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("op=workerclient.submit: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/crawl/submit", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("op=workerclient.submit: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return classifyTransportErr("submit", err)
	}
	defer func() { _ = resp.Body.Close() }()

	return classifyStatus("submit", resp)
}

// Cancel asks the agent to stop a running job. A 404 means the agent no
// longer knows the job, which callers treat as already stopped.
func (c *Client) Cancel(ctx domain.Context, endpoint, jobID string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/crawl/cancel/"+jobID, nil)
	if err != nil {
		return fmt.Errorf("op=workerclient.cancel: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return classifyTransportErr("cancel", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("op=workerclient.cancel: job unknown to agent: %w", domain.ErrNotFound)
	}
	return classifyStatus("cancel", resp)
}

// Health probes the agent's health endpoint.
func (c *Client) Health(ctx domain.Context, endpoint string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("op=workerclient.health: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return classifyTransportErr("health", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("op=workerclient.health: status %d: %w", resp.StatusCode, domain.ErrWorkerUnavailable)
	}
	return nil
}

func classifyTransportErr(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("op=workerclient.%s: %v: %w", op, err, domain.ErrTimeout)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("op=workerclient.%s: %v: %w", op, err, domain.ErrTimeout)
	}
	return fmt.Errorf("op=workerclient.%s: %v: %w", op, err, domain.ErrWorkerUnavailable)
}

func classifyStatus(op string, resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("op=workerclient.%s: agent status %d: %w", op, resp.StatusCode, domain.ErrWorkerUnavailable)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("op=workerclient.%s: agent status %d: %w", op, resp.StatusCode, domain.ErrCapacityExhausted)
	default:
		detail := readErrorDetail(resp.Body)
		return fmt.Errorf("op=workerclient.%s: agent status %d %s: %w", op, resp.StatusCode, detail, domain.ErrInvalidArgument)
	}
}

func readErrorDetail(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil || len(b) == 0 {
		return ""
	}
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(b, &body) == nil && body.Error != "" {
		return body.Error
	}
	return string(b)
}
