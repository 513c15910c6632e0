package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prohmpiriya/school-tenancy/internal/domain"
	"github.com/prohmpiriya/school-tenancy/pkg/database"
)

// PostgresTenantRepository implements TenantRepository using PostgreSQL.
// tenants.name_key carries a unique index.
type PostgresTenantRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresTenantRepository creates a new PostgresTenantRepository
func NewPostgresTenantRepository(pool *pgxpool.Pool) *PostgresTenantRepository {
	return &PostgresTenantRepository{pool: pool}
}

const tenantColumns = `id, name, name_key, COALESCE(address, ''), COALESCE(phone, ''), COALESCE(email, ''),
		       subscription_tier, subscription_status, max_students, max_teachers, created_at, updated_at`

// Create creates a new tenant
func (r *PostgresTenantRepository) Create(ctx context.Context, tenant *domain.Tenant) error {
	query := `
		INSERT INTO tenants (id, name, name_key, address, phone, email, subscription_tier,
		                     subscription_status, max_students, max_teachers, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.pool.Exec(ctx, query,
		tenant.ID,
		tenant.Name,
		domain.NameKey(tenant.Name),
		nullStringOrValue(tenant.Address),
		nullStringOrValue(tenant.Phone),
		nullStringOrValue(tenant.Email),
		tenant.SubscriptionTier,
		tenant.SubscriptionStatus,
		tenant.MaxStudents,
		tenant.MaxTeachers,
		tenant.CreatedAt,
		tenant.UpdatedAt,
	)
	if database.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicate, database.ConstraintName(err))
	}
	return err
}

// GetByID retrieves a tenant by ID
func (r *PostgresTenantRepository) GetByID(ctx context.Context, tenantID string) (*domain.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = $1`
	return scanTenant(r.pool.QueryRow(ctx, query, tenantID))
}

// GetActive retrieves a tenant whose subscription is active
func (r *PostgresTenantRepository) GetActive(ctx context.Context, tenantID string) (*domain.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = $1 AND subscription_status = $2`
	return scanTenant(r.pool.QueryRow(ctx, query, tenantID, domain.StatusActive))
}

// ExistsByName checks for a tenant with the same name, ignoring case
func (r *PostgresTenantRepository) ExistsByName(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM tenants WHERE name_key = $1)`,
		domain.NameKey(name),
	).Scan(&exists)
	return exists, err
}

// Delete removes a tenant
func (r *PostgresTenantRepository) Delete(ctx context.Context, tenantID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, tenantID)
	return err
}

// ListWithoutProfiles lists tenants older than createdBefore with no members
func (r *PostgresTenantRepository) ListWithoutProfiles(ctx context.Context, createdBefore time.Time, limit int) ([]*domain.Tenant, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + tenantColumns + `
		FROM tenants t
		WHERE t.created_at < $1
		  AND NOT EXISTS (SELECT 1 FROM profiles p WHERE p.tenant_id = t.id)
		ORDER BY t.created_at ASC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphan tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*domain.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func scanTenant(row pgx.Row) (*domain.Tenant, error) {
	tenant := &domain.Tenant{}
	err := row.Scan(
		&tenant.ID,
		&tenant.Name,
		&tenant.NameKey,
		&tenant.Address,
		&tenant.Phone,
		&tenant.Email,
		&tenant.SubscriptionTier,
		&tenant.SubscriptionStatus,
		&tenant.MaxStudents,
		&tenant.MaxTeachers,
		&tenant.CreatedAt,
		&tenant.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return tenant, nil
}

// nullStringOrValue returns nil for empty strings, otherwise returns the value
func nullStringOrValue(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
