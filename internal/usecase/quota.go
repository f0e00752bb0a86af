package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/crawl-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
)

// QuotaService maintains the per-user crawl unit ledger. Durable writes go
// through the repository; the cache is a read accelerator filled only after
// the transaction commits.
type QuotaService struct {
	Quota        domain.QuotaRepository
	Cache        domain.QuotaCache
	Users        domain.UserDirectory
	CacheTTL     time.Duration
	DefaultLimit int
}

// NewQuotaService constructs a QuotaService with its dependencies.
func NewQuotaService(q domain.QuotaRepository, c domain.QuotaCache, u domain.UserDirectory, ttl time.Duration, defaultLimit int) QuotaService {
	return QuotaService{Quota: q, Cache: c, Users: u, CacheTTL: ttl, DefaultLimit: defaultLimit}
}

// HasQuota reports whether the user has at least n units remaining. The
// cache answers only when fresh; any uncertainty falls through to the
// durable store.
func (s QuotaService) HasQuota(ctx domain.Context, userID string, n int) (bool, domain.QuotaSnapshot, error) {
	now := time.Now().UTC()

	if s.Cache != nil {
		if snap, ok, err := s.Cache.Get(ctx, userID); err == nil && ok && !snap.Stale(now, s.CacheTTL) {
			return snap.Remaining() >= n, snap, nil
		}
	}

	snap, err := s.lookup(ctx, userID)
	if err != nil {
		return false, domain.QuotaSnapshot{}, err
	}
	s.fillCache(ctx, snap)
	return snap.Remaining() >= n, snap, nil
}

// Reserve debits n units atomically, keyed by reservationKey for
// idempotence. It operates on the repository bound to the caller's
// transaction so the debit rolls back with the rest of the admission.
func (s QuotaService) Reserve(ctx domain.Context, repo domain.QuotaRepository, userID string, n int, reservationKey string) (domain.QuotaSnapshot, error) {
	snap, err := repo.Reserve(ctx, userID, n, reservationKey)
	if err != nil {
		observability.QuotaRejectionsTotal.Inc()
		return domain.QuotaSnapshot{}, err
	}
	return snap, nil
}

// Refund returns n units to the user without exceeding the limit. Refunds
// outside a transaction also refresh the cache.
func (s QuotaService) Refund(ctx domain.Context, repo domain.QuotaRepository, userID string, n int, reason string) error {
	if n <= 0 {
		return nil
	}
	snap, err := repo.Refund(ctx, userID, n, reason)
	if err != nil {
		return err
	}
	observability.QuotaRefundsTotal.WithLabelValues(reason).Inc()
	s.fillCache(ctx, snap)
	observability.LoggerFromContext(ctx).Info("quota refunded",
		slog.String("user_id", userID),
		slog.Int("units", n),
		slog.String("reason", reason))
	return nil
}

// InvalidateCache drops the cached snapshot after a transactional debit
// commits; the next read repopulates it from the durable store.
func (s QuotaService) InvalidateCache(ctx domain.Context, userID string) {
	if s.Cache == nil {
		return
	}
	if err := s.Cache.Invalidate(ctx, userID); err != nil {
		observability.LoggerFromContext(ctx).Warn("quota cache invalidate failed",
			slog.String("user_id", userID), slog.Any("error", err))
	}
}

// SyncFromUpstream pulls the authoritative limit from the user service and
// reconciles the local snapshot. Rows flagged override keep their local
// limit until the flag is cleared.
func (s QuotaService) SyncFromUpstream(ctx domain.Context, userID string) (domain.QuotaSnapshot, error) {
	limit, resetAt, err := s.Users.FetchQuota(ctx, userID)
	if err != nil {
		return domain.QuotaSnapshot{}, err
	}

	existing, err := s.Quota.Get(ctx, userID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		// A transient store error must not masquerade as a fresh user; an
		// empty snapshot here would report zero usage for a whole TTL.
		return domain.QuotaSnapshot{}, fmt.Errorf("op=quota.sync user=%s: %w", userID, err)
	}
	if existing.Override {
		limit = existing.Limit
	}
	// An upstream downgrade below current usage would break the ledger
	// invariant used <= limit; hold the limit at used until the window
	// resets.
	if limit < existing.Used {
		limit = existing.Used
	}

	snap := domain.QuotaSnapshot{
		UserID:       userID,
		Limit:        limit,
		Used:         existing.Used,
		ResetAt:      resetAt,
		LastSyncedAt: time.Now().UTC(),
		Source:       "upstream",
		Override:     existing.Override,
	}
	if err := s.Quota.Upsert(ctx, snap); err != nil {
		return domain.QuotaSnapshot{}, err
	}
	s.fillCache(ctx, snap)
	return snap, nil
}

// lookup reads the durable snapshot, bootstrapping from upstream on first
// sight of a user.
func (s QuotaService) lookup(ctx domain.Context, userID string) (domain.QuotaSnapshot, error) {
	snap, err := s.Quota.Get(ctx, userID)
	if err == nil {
		return snap, nil
	}
	if s.Users != nil {
		if synced, syncErr := s.SyncFromUpstream(ctx, userID); syncErr == nil {
			return synced, nil
		}
	}
	// Upstream unreachable and no local row: seed with the default limit so
	// admission is not blocked by a user service outage.
	snap = domain.QuotaSnapshot{
		UserID:       userID,
		Limit:        s.DefaultLimit,
		Used:         0,
		LastSyncedAt: time.Now().UTC(),
		Source:       "default",
	}
	if err := s.Quota.Upsert(ctx, snap); err != nil {
		return domain.QuotaSnapshot{}, err
	}
	return snap, nil
}

func (s QuotaService) fillCache(ctx domain.Context, snap domain.QuotaSnapshot) {
	if s.Cache == nil {
		return
	}
	if err := s.Cache.Set(ctx, snap); err != nil {
		observability.LoggerFromContext(ctx).Warn("quota cache write failed",
			slog.String("user_id", snap.UserID), slog.Any("error", err))
	}
}

// RunPeriodicSync refreshes every known user's snapshot on a fixed
// interval. Errors are logged and do not stop the loop.
func (s QuotaService) RunPeriodicSync(ctx domain.Context, interval time.Duration, listUsers func(domain.Context) ([]string, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			users, err := listUsers(ctx)
			if err != nil {
				slog.Error("quota sync: list users failed", slog.Any("error", err))
				continue
			}
			for _, u := range users {
				if _, err := s.SyncFromUpstream(ctx, u); err != nil {
					slog.Warn("quota sync failed", slog.String("user_id", u), slog.Any("error", err))
				}
			}
		}
	}
}
