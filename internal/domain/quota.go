package domain

import "time"

// QuotaSnapshot is the authoritative local view of a user's crawl budget,
// reconciled asynchronously with the upstream user service.
//
// Invariant: Used <= Limit after every committed debit.
type QuotaSnapshot struct {
	UserID       string
	Limit        int
	Used         int
	ResetAt      time.Time
	LastSyncedAt time.Time
	Source       string
	Override     bool
}

// Remaining is the derived number of crawl units left.
func (q *QuotaSnapshot) Remaining() int {
	r := q.Limit - q.Used
	if r < 0 {
		return 0
	}
	return r
}

// Stale reports whether the snapshot is older than ttl and should be
// re-read from the durable store.
func (q *QuotaSnapshot) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(q.LastSyncedAt) > ttl
}
