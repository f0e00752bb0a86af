package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain sentinels to HTTP statuses. Internal errors hide
// the cause behind the request id; everything else surfaces its message.
func writeError(w http.ResponseWriter, r *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	msg := err.Error()

	var qe *domain.QuotaError
	if errors.As(err, &qe) && details == nil {
		details = map[string]any{"limit": qe.Limit, "used": qe.Used, "reset_at": qe.ResetAt}
	}

	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code, codeStr = http.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrForbidden):
		code, codeStr = http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, domain.ErrNotFound):
		code, codeStr = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrQuotaExceeded):
		code, codeStr = http.StatusTooManyRequests, "QUOTA_EXCEEDED"
	case errors.Is(err, domain.ErrPolicyViolation):
		code, codeStr = http.StatusUnprocessableEntity, "POLICY_VIOLATION"
	case errors.Is(err, domain.ErrConflict):
		code, codeStr = http.StatusConflict, "CONFLICT"
	case errors.Is(err, domain.ErrCapacityExhausted):
		code, codeStr = http.StatusServiceUnavailable, "CAPACITY_EXHAUSTED"
	case errors.Is(err, domain.ErrWorkerUnavailable):
		code, codeStr = http.StatusServiceUnavailable, "WORKER_UNAVAILABLE"
	case errors.Is(err, domain.ErrTimeout):
		code, codeStr = http.StatusGatewayTimeout, "TIMEOUT"
	default:
		msg = "internal error"
	}

	writeJSON(w, code, errorEnvelope{Error: apiError{
		Code:      codeStr,
		Message:   msg,
		Details:   details,
		RequestID: r.Header.Get("X-Request-Id"),
	}})
}
