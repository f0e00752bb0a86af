package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
)

// TemplateRepo serves read-mostly extraction specs and navigation strategies.
type TemplateRepo struct{ Pool PgxPool }

// NewTemplateRepo constructs a TemplateRepo with the given pool.
func NewTemplateRepo(p PgxPool) *TemplateRepo { return &TemplateRepo{Pool: p} }

// Get loads a template by id.
func (r *TemplateRepo) Get(ctx domain.Context, id string) (domain.Template, error) {
	tracer := otel.Tracer("repo.templates")
	ctx, span := tracer.Start(ctx, "templates.Get")
	defer span.End()
	q := `SELECT id, name, domain_pattern, extraction, version, active, created_at FROM templates WHERE id=$1`
	var t domain.Template
	err := r.Pool.QueryRow(ctx, q, id).Scan(&t.ID, &t.Name, &t.DomainPattern, &t.Extraction, &t.Version, &t.Active, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Template{}, fmt.Errorf("op=template.get: %w", domain.ErrNotFound)
		}
		return domain.Template{}, fmt.Errorf("op=template.get: %w", err)
	}
	return t, nil
}

// FindActiveByDomain returns the newest active template whose pattern matches
// host. Wildcard patterns are stored as "*.suffix"; the suffix check happens
// in SQL so an index on domain_pattern stays useful for exact hosts.
func (r *TemplateRepo) FindActiveByDomain(ctx domain.Context, host string) (domain.Template, error) {
	tracer := otel.Tracer("repo.templates")
	ctx, span := tracer.Start(ctx, "templates.FindActiveByDomain")
	defer span.End()
	q := `SELECT id, name, domain_pattern, extraction, version, active, created_at FROM templates
		WHERE active=TRUE AND (domain_pattern=$1
			OR (domain_pattern LIKE '*.%' AND $1 LIKE '%' || SUBSTRING(domain_pattern FROM 2)))
		ORDER BY version DESC LIMIT 1`
	var t domain.Template
	err := r.Pool.QueryRow(ctx, q, host).Scan(&t.ID, &t.Name, &t.DomainPattern, &t.Extraction, &t.Version, &t.Active, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Template{}, fmt.Errorf("op=template.find_by_domain: %w", domain.ErrNotFound)
		}
		return domain.Template{}, fmt.Errorf("op=template.find_by_domain: %w", err)
	}
	return t, nil
}

// GetStrategy loads a navigation strategy by id.
func (r *TemplateRepo) GetStrategy(ctx domain.Context, id string) (domain.NavigationStrategy, error) {
	tracer := otel.Tracer("repo.templates")
	ctx, span := tracer.Start(ctx, "templates.GetStrategy")
	defer span.End()
	q := `SELECT id, name, plan, version, active, created_at FROM navigation_strategies WHERE id=$1`
	var s domain.NavigationStrategy
	err := r.Pool.QueryRow(ctx, q, id).Scan(&s.ID, &s.Name, &s.Plan, &s.Version, &s.Active, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.NavigationStrategy{}, fmt.Errorf("op=template.get_strategy: %w", domain.ErrNotFound)
		}
		return domain.NavigationStrategy{}, fmt.Errorf("op=template.get_strategy: %w", err)
	}
	return s, nil
}
