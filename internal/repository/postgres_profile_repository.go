package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prohmpiriya/school-tenancy/internal/domain"
	"github.com/prohmpiriya/school-tenancy/pkg/database"
)

// PostgresProfileRepository implements ProfileRepository and ProfileLookup.
// The primary key is (id, tenant_id).
type PostgresProfileRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresProfileRepository creates a new PostgresProfileRepository
func NewPostgresProfileRepository(pool *pgxpool.Pool) *PostgresProfileRepository {
	return &PostgresProfileRepository{pool: pool}
}

const profileColumns = `id, tenant_id, email, role, COALESCE(first_name, ''), COALESCE(last_name, ''),
		       COALESCE(phone, ''), COALESCE(avatar_url, ''), is_active, last_login, created_at, updated_at`

// Create creates a new profile
func (r *PostgresProfileRepository) Create(ctx context.Context, profile *domain.Profile) error {
	query := `
		INSERT INTO profiles (id, tenant_id, email, role, first_name, last_name, phone, avatar_url,
		                      is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.pool.Exec(ctx, query,
		profile.ID,
		profile.TenantID,
		profile.Email,
		profile.Role,
		nullStringOrValue(profile.FirstName),
		nullStringOrValue(profile.LastName),
		nullStringOrValue(profile.Phone),
		nullStringOrValue(profile.AvatarURL),
		profile.IsActive,
		profile.CreatedAt,
		profile.UpdatedAt,
	)
	if database.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicate, database.ConstraintName(err))
	}
	return err
}

// Get retrieves a profile within a tenant
func (r *PostgresProfileRepository) Get(ctx context.Context, tenantID, id string) (*domain.Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM profiles WHERE tenant_id = $1 AND id = $2`
	return scanProfile(r.pool.QueryRow(ctx, query, tenantID, id))
}

// GetActive retrieves an active profile within a tenant
func (r *PostgresProfileRepository) GetActive(ctx context.Context, tenantID, id string) (*domain.Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM profiles WHERE tenant_id = $1 AND id = $2 AND is_active = true`
	return scanProfile(r.pool.QueryRow(ctx, query, tenantID, id))
}

// Update writes the set fields of update
func (r *PostgresProfileRepository) Update(ctx context.Context, tenantID, id string, update domain.ProfileUpdate) error {
	sets := []string{}
	args := []interface{}{tenantID, id}
	add := func(column string, value *string) {
		if value == nil {
			return
		}
		args = append(args, *value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("first_name", update.FirstName)
	add("last_name", update.LastName)
	add("phone", update.Phone)
	add("avatar_url", update.AvatarURL)
	if len(sets) == 0 {
		return nil
	}
	args = append(args, time.Now())
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(args)))

	query := `UPDATE profiles SET ` + strings.Join(sets, ", ") + ` WHERE tenant_id = $1 AND id = $2`
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastLogin records a sign-in
func (r *PostgresProfileRepository) TouchLastLogin(ctx context.Context, tenantID, id string, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE profiles SET last_login = $3 WHERE tenant_id = $1 AND id = $2`,
		tenantID, id, at,
	)
	return err
}

// Delete removes a profile
func (r *PostgresProfileRepository) Delete(ctx context.Context, tenantID, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM profiles WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	return err
}

// ListByIdentity lists every profile of an identity, oldest first
func (r *PostgresProfileRepository) ListByIdentity(ctx context.Context, identityID string) ([]*domain.Profile, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE id = $1 ORDER BY created_at ASC`,
		identityID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []*domain.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

func scanProfile(row pgx.Row) (*domain.Profile, error) {
	p := &domain.Profile{}
	err := row.Scan(
		&p.ID,
		&p.TenantID,
		&p.Email,
		&p.Role,
		&p.FirstName,
		&p.LastName,
		&p.Phone,
		&p.AvatarURL,
		&p.IsActive,
		&p.LastLogin,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}
