package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresUserStore implements UserStore on the identities table.
// Email uniqueness is a unique index on lower(email).
type PostgresUserStore struct {
	pool *pgxpool.Pool
}

// NewPostgresUserStore creates a new PostgresUserStore
func NewPostgresUserStore(pool *pgxpool.Pool) *PostgresUserStore {
	return &PostgresUserStore{pool: pool}
}

const userColumns = `id, email, password_hash, claims, email_confirmed, created_at, updated_at`

func (s *PostgresUserStore) Create(ctx context.Context, user *User) error {
	claims, err := json.Marshal(user.Claims)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO identities (` + userColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = s.pool.Exec(ctx, query,
		user.ID,
		user.Email,
		user.PasswordHash,
		claims,
		user.EmailConfirmed,
		user.CreatedAt,
		user.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrEmailTaken
	}
	return err
}

func (s *PostgresUserStore) GetByID(ctx context.Context, id string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM identities WHERE id = $1`
	return scanUser(s.pool.QueryRow(ctx, query, id))
}

func (s *PostgresUserStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM identities WHERE lower(email) = $1`
	return scanUser(s.pool.QueryRow(ctx, query, NormalizeEmail(email)))
}

func (s *PostgresUserStore) UpdateClaims(ctx context.Context, id string, claims Claims) error {
	raw, err := json.Marshal(claims)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE identities SET claims = $2, updated_at = $3 WHERE id = $1`,
		id, raw, time.Now(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *PostgresUserStore) ConfirmEmail(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE identities SET email_confirmed = TRUE, updated_at = $2 WHERE id = $1`,
		id, time.Now(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *PostgresUserStore) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM identities WHERE id = $1`, id)
	return err
}

func (s *PostgresUserStore) ListCreatedBefore(ctx context.Context, t time.Time, after PageCursor, limit int) ([]*User, error) {
	if limit <= 0 {
		limit = 100
	}
	afterID := after.ID
	if afterID == "" {
		afterID = uuid.Nil.String()
	}
	query := `
		SELECT ` + userColumns + `
		FROM identities
		WHERE created_at < $1 AND (created_at, id) > ($2, $3::uuid)
		ORDER BY created_at ASC, id ASC
		LIMIT $4
	`
	rows, err := s.pool.Query(ctx, query, t, after.CreatedAt, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func scanUser(row pgx.Row) (*User, error) {
	u := &User{}
	var claims []byte
	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.PasswordHash,
		&claims,
		&u.EmailConfirmed,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if len(claims) > 0 {
		if err := json.Unmarshal(claims, &u.Claims); err != nil {
			return nil, fmt.Errorf("corrupt claims for identity %s: %w", u.ID, err)
		}
	}
	return u, nil
}
