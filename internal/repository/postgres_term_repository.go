package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prohmpiriya/school-tenancy/internal/domain"
)

// PostgresTermRepository implements TermRepository using PostgreSQL
type PostgresTermRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresTermRepository creates a new PostgresTermRepository
func NewPostgresTermRepository(pool *pgxpool.Pool) *PostgresTermRepository {
	return &PostgresTermRepository{pool: pool}
}

func (r *PostgresTermRepository) Create(ctx context.Context, term *domain.AcademicTerm) error {
	query := `
		INSERT INTO academic_terms (id, tenant_id, name, start_date, end_date, is_current, academic_year, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.pool.Exec(ctx, query,
		term.ID,
		term.TenantID,
		term.Name,
		term.StartDate,
		term.EndDate,
		term.IsCurrent,
		term.AcademicYear,
		term.CreatedAt,
	)
	return err
}

func (r *PostgresTermRepository) ListByTenant(ctx context.Context, tenantID string) ([]*domain.AcademicTerm, error) {
	query := `
		SELECT id, tenant_id, name, start_date, end_date, is_current, academic_year, created_at
		FROM academic_terms
		WHERE tenant_id = $1
		ORDER BY start_date DESC
	`
	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var terms []*domain.AcademicTerm
	for rows.Next() {
		t := &domain.AcademicTerm{}
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Name, &t.StartDate, &t.EndDate, &t.IsCurrent, &t.AcademicYear, &t.CreatedAt); err != nil {
			return nil, err
		}
		terms = append(terms, t)
	}
	return terms, rows.Err()
}

func (r *PostgresTermRepository) DeleteByTenant(ctx context.Context, tenantID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM academic_terms WHERE tenant_id = $1`, tenantID)
	return err
}
