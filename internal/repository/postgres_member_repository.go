package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prohmpiriya/school-tenancy/internal/domain"
)

// PostgresMemberRepository implements MemberRepository on the teachers and
// parents tables
type PostgresMemberRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresMemberRepository creates a new PostgresMemberRepository
func NewPostgresMemberRepository(pool *pgxpool.Pool) *PostgresMemberRepository {
	return &PostgresMemberRepository{pool: pool}
}

func (r *PostgresMemberRepository) CreateTeacher(ctx context.Context, teacher *domain.Teacher) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO teachers (profile_id, tenant_id, employee_number, subjects, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`,
		teacher.ProfileID,
		teacher.TenantID,
		nullStringOrValue(teacher.EmployeeNumber),
		teacher.Subjects,
		teacher.CreatedAt,
	)
	return err
}

func (r *PostgresMemberRepository) GetTeacher(ctx context.Context, tenantID, profileID string) (*domain.Teacher, error) {
	t := &domain.Teacher{}
	err := r.pool.QueryRow(ctx, `
		SELECT profile_id, tenant_id, COALESCE(employee_number, ''), COALESCE(subjects, '{}'), created_at
		FROM teachers
		WHERE tenant_id = $1 AND profile_id = $2
	`, tenantID, profileID).Scan(&t.ProfileID, &t.TenantID, &t.EmployeeNumber, &t.Subjects, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

func (r *PostgresMemberRepository) CreateParent(ctx context.Context, parent *domain.Parent) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO parents (profile_id, tenant_id, occupation, created_at)
		VALUES ($1, $2, $3, $4)
	`,
		parent.ProfileID,
		parent.TenantID,
		nullStringOrValue(parent.Occupation),
		parent.CreatedAt,
	)
	return err
}

func (r *PostgresMemberRepository) GetParent(ctx context.Context, tenantID, profileID string) (*domain.Parent, error) {
	p := &domain.Parent{}
	err := r.pool.QueryRow(ctx, `
		SELECT profile_id, tenant_id, COALESCE(occupation, ''), created_at
		FROM parents
		WHERE tenant_id = $1 AND profile_id = $2
	`, tenantID, profileID).Scan(&p.ProfileID, &p.TenantID, &p.Occupation, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}
