package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/crawl-orchestrator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
)

// The purge stubs embed the repository interface and override only the
// retention method the cleanup service calls.

type purgeJobs struct {
	domain.JobRepository
	cutoff time.Time
}

func (p *purgeJobs) PurgeDeletedBefore(_ domain.Context, cutoff time.Time) (int64, error) {
	p.cutoff = cutoff
	return 2, nil
}

type purgeOutbox struct {
	domain.OutboxRepository
	called bool
}

func (p *purgeOutbox) PurgeProcessedBefore(_ domain.Context, _ time.Time) (int64, error) {
	p.called = true
	return 3, nil
}

type purgeQuota struct {
	domain.QuotaRepository
	called bool
	err    error
}

func (p *purgeQuota) PurgeReservationsBefore(_ domain.Context, _ time.Time) (int64, error) {
	p.called = true
	return 5, p.err
}

func TestCleanupService_PurgesAllTables(t *testing.T) {
	t.Parallel()
	jobs, outbox, quota := &purgeJobs{}, &purgeOutbox{}, &purgeQuota{}
	svc := postgres.NewCleanupService(jobs, outbox, quota, 30)

	require.NoError(t, svc.CleanupOldData(context.Background()))

	assert.True(t, outbox.called)
	// Reservation keys age out with the same horizon as everything else.
	assert.True(t, quota.called)
	assert.WithinDuration(t, time.Now().UTC().AddDate(0, 0, -30), jobs.cutoff, time.Minute)
}

func TestCleanupService_ReservationPurgeError(t *testing.T) {
	t.Parallel()
	quota := &purgeQuota{err: errors.New("relation locked")}
	svc := postgres.NewCleanupService(&purgeJobs{}, &purgeOutbox{}, quota, 30)

	assert.Error(t, svc.CleanupOldData(context.Background()))
}

func TestNewCleanupService_DefaultRetention(t *testing.T) {
	t.Parallel()
	svc := postgres.NewCleanupService(&purgeJobs{}, &purgeOutbox{}, &purgeQuota{}, 0)
	assert.Equal(t, 90, svc.RetentionDays)
}
