package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/hostdomains/internal/domains/model"
)

// DependentRepository reads the hosted resources that resolve under a domain.
type DependentRepository struct {
	db *pgxpool.Pool
}

// NewDependentRepository creates a new DependentRepository.
func NewDependentRepository(db *pgxpool.Pool) *DependentRepository {
	return &DependentRepository{db: db}
}

// Dependents returns the short links and landing pages using domainID.
func (r *DependentRepository) Dependents(ctx context.Context, domainID uuid.UUID) ([]model.Dependent, error) {
	rows, err := r.db.Query(ctx,
		`SELECT 'short_link', id, slug, 'url_shortener' FROM short_links WHERE domain_id = $1
		 UNION ALL
		 SELECT 'landing_page', id, title, 'landing' FROM landing_pages WHERE custom_domain_id = $1
		 ORDER BY 1, 3`, domainID)
	if err != nil {
		return nil, fmt.Errorf("list dependents: %w", err)
	}
	defer rows.Close()

	var out []model.Dependent
	for rows.Next() {
		var d model.Dependent
		if err := rows.Scan(&d.Kind, &d.ID, &d.Label, &d.Purpose); err != nil {
			return nil, fmt.Errorf("scan dependent: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
