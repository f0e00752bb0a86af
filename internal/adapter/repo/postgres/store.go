package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
)

// Store binds the repositories to a pool and implements domain.UnitOfWork.
type Store struct{ Pool *pgxpool.Pool }

// NewStore constructs a Store over the given pool.
func NewStore(pool *pgxpool.Pool) *Store { return &Store{Pool: pool} }

// Repos returns the repository set bound to db (pool or transaction).
func Repos(db PgxPool) domain.RepoSet {
	return domain.RepoSet{
		Jobs:         NewJobRepo(db),
		Results:      NewResultRepo(db),
		Agents:       NewAgentRepo(db),
		Quota:        NewQuotaRepo(db),
		Outbox:       NewOutboxRepo(db),
		Participants: NewParticipantRepo(db),
		Templates:    NewTemplateRepo(db),
		Scaling:      NewScalingRepo(db),
	}
}

// Repos returns pool-bound repositories for non-transactional reads.
func (s *Store) Repos() domain.RepoSet { return Repos(s.Pool) }

// Atomic runs fn in one transaction; any error rolls the whole unit back,
// including its outbox rows.
func (s *Store) Atomic(ctx domain.Context, fn func(domain.RepoSet) error) error {
	tracer := otel.Tracer("repo.store")
	ctx, span := tracer.Start(ctx, "store.Atomic")
	defer span.End()

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=store.atomic.begin: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			span.RecordError(rbErr)
		}
	}()

	if err := fn(Repos(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=store.atomic.commit: %w", err)
	}
	return nil
}
