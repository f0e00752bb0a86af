// Package userservice is the HTTP client for the upstream user service. The
// quota ledger reconciles limits from it and the admission path resolves
// group membership through it.
package userservice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
)

// Client implements domain.UserDirectory.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client. Requests are traced and retried with exponential
// backoff because the user service sits behind its own load balancer and
// transient 5xx responses are common during deploys.
func New(baseURL string) *Client {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("UserService %s %s", r.Method, r.URL.Path)
		}),
	)
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   15 * time.Second,
			Transport: transport,
		},
	}
}

type quotaResponse struct {
	UserID  string    `json:"user_id"`
	Limit   int       `json:"crawl_quota"`
	ResetAt time.Time `json:"reset_at"`
}

type membersResponse struct {
	GroupID string   `json:"group_id"`
	Members []string `json:"members"`
}

// FetchQuota returns the authoritative quota limit for a user.
func (c *Client) FetchQuota(ctx domain.Context, userID string) (int, time.Time, error) {
	var out quotaResponse
	err := c.getJSON(ctx, "/internal/v1/users/"+userID+"/quota", &out)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("op=userservice.fetch_quota: %w", err)
	}
	return out.Limit, out.ResetAt, nil
}

// GroupMembers returns the user IDs belonging to a group.
func (c *Client) GroupMembers(ctx domain.Context, groupID string) ([]string, error) {
	var out membersResponse
	err := c.getJSON(ctx, "/internal/v1/groups/"+groupID+"/members", &out)
	if err != nil {
		return nil, fmt.Errorf("op=userservice.group_members: %w", err)
	}
	return out.Members, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusOK:
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode response: %w", err))
			}
			return nil
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(domain.ErrNotFound)
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("user service status %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("user service status %d", resp.StatusCode))
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = 10 * time.Second
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}
