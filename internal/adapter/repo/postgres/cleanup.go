package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
)

// CleanupService enforces data retention: purges processed outbox rows,
// soft-deleted jobs (results cascade at the schema level) and spent quota
// reservation keys.
type CleanupService struct {
	Jobs          domain.JobRepository
	Outbox        domain.OutboxRepository
	Quota         domain.QuotaRepository
	RetentionDays int
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(jobs domain.JobRepository, outbox domain.OutboxRepository, quota domain.QuotaRepository, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{Jobs: jobs, Outbox: outbox, Quota: quota, RetentionDays: retentionDays}
}

// CleanupOldData removes data older than the retention period.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.RetentionDays)

	deletedJobs, err := s.Jobs.PurgeDeletedBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	deletedOutbox, err := s.Outbox.PurgeProcessedBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	deletedReservations, err := s.Quota.PurgeReservationsBefore(ctx, cutoff)
	if err != nil {
		return err
	}

	slog.Info("data cleanup completed",
		slog.Int64("deleted_jobs", deletedJobs),
		slog.Int64("deleted_outbox", deletedOutbox),
		slog.Int64("deleted_reservations", deletedReservations),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

// RunPeriodic starts a periodic cleanup job.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
