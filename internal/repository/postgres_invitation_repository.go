package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prohmpiriya/school-tenancy/internal/domain"
	"github.com/prohmpiriya/school-tenancy/pkg/database"
)

// PostgresInvitationRepository implements InvitationRepository using PostgreSQL
type PostgresInvitationRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresInvitationRepository creates a new PostgresInvitationRepository
func NewPostgresInvitationRepository(pool *pgxpool.Pool) *PostgresInvitationRepository {
	return &PostgresInvitationRepository{pool: pool}
}

func (r *PostgresInvitationRepository) Create(ctx context.Context, inv *domain.Invitation) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO invitations (code, tenant_id, role, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, inv.Code, inv.TenantID, inv.Role, inv.ExpiresAt, inv.CreatedAt)
	if database.IsUniqueViolation(err) {
		return fmt.Errorf("%w: invitation code", ErrDuplicate)
	}
	return err
}

func (r *PostgresInvitationRepository) GetByCode(ctx context.Context, code string) (*domain.Invitation, error) {
	inv := &domain.Invitation{}
	err := r.pool.QueryRow(ctx, `
		SELECT code, tenant_id, role, expires_at, created_at
		FROM invitations
		WHERE code = $1
	`, code).Scan(&inv.Code, &inv.TenantID, &inv.Role, &inv.ExpiresAt, &inv.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return inv, nil
}
