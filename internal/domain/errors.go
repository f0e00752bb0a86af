package domain

import "errors"

// Error taxonomy (sentinels). Adapters wrap these with op context via
// fmt.Errorf("op=...: %w", err); the HTTP layer maps them to status codes.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrPolicyViolation   = errors.New("policy violation")
	ErrCapacityExhausted = errors.New("capacity exhausted")
	ErrWorkerUnavailable = errors.New("worker unavailable")
	ErrTimeout           = errors.New("timeout")
	ErrConflict          = errors.New("conflict")
	ErrInternal          = errors.New("internal error")
)

// QuotaError carries the ledger numbers alongside ErrQuotaExceeded so the
// front door can render limit/used/resetAt without a second lookup.
type QuotaError struct {
	Limit   int
	Used    int
	ResetAt string
}

func (e *QuotaError) Error() string { return ErrQuotaExceeded.Error() }

// Unwrap makes errors.Is(err, ErrQuotaExceeded) hold.
func (e *QuotaError) Unwrap() error { return ErrQuotaExceeded }
