package httpserver

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

// UserRateLimiter throttles per-user request budgets. Implementations must
// fail open; hard admission control is the quota ledger's job.
type UserRateLimiter interface {
	Allow(ctx context.Context, userID string) (allowed bool, retryAfter time.Duration, err error)
}

// RateLimitSubmissions rejects requests exceeding the caller's submission
// budget with 429 and a Retry-After hint. A nil limiter disables the check.
func RateLimitSubmissions(l UserRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l == nil {
				next.ServeHTTP(w, r)
				return
			}
			userID := r.Header.Get(HeaderUserID)
			allowed, retryAfter, err := l.Allow(r.Context(), userID)
			if err != nil || allowed {
				next.ServeHTTP(w, r)
				return
			}
			secs := int(retryAfter.Seconds())
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeJSON(w, http.StatusTooManyRequests, errorEnvelope{Error: apiError{
				Code:      "RATE_LIMITED",
				Message:   "submission rate limit exceeded",
				RequestID: r.Header.Get("X-Request-Id"),
			}})
		})
	}
}
