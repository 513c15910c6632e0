package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const refreshKeyPrefix = "refresh:"

// CreateUserParams is the admin-side user creation input
type CreateUserParams struct {
	Email          string
	Password       string
	EmailConfirmed bool
	Claims         Claims
}

// Service is the identity backend: user administration, password sign-in
// and session issuance. Refresh tokens live in the SessionStore so revoking
// a session is a delete.
type Service struct {
	users        UserStore
	sessions     SessionStore
	tokens       *TokenIssuer
	refreshTTL   time.Duration
	passwordCost int
	now          func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithRefreshTTL sets the refresh token lifetime
func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Service) { s.refreshTTL = ttl }
}

// WithPasswordCost sets the bcrypt cost
func WithPasswordCost(cost int) Option {
	return func(s *Service) { s.passwordCost = cost }
}

// WithNowTime overrides the clock
func WithNowTime(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates an identity service
func NewService(users UserStore, sessions SessionStore, tokens *TokenIssuer, opts ...Option) (*Service, error) {
	if users == nil {
		return nil, errors.New("[NewService] user store is required")
	}
	if sessions == nil {
		return nil, errors.New("[NewService] session store is required")
	}
	if tokens == nil {
		return nil, errors.New("[NewService] token issuer is required")
	}
	s := &Service{
		users:      users,
		sessions:   sessions,
		tokens:     tokens,
		refreshTTL: 7 * 24 * time.Hour,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CreateUser registers a user
func (s *Service) CreateUser(ctx context.Context, p CreateUserParams) (*User, error) {
	hash, err := HashPassword(p.Password, s.passwordCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	now := s.now()
	user := &User{
		ID:             uuid.New().String(),
		Email:          NormalizeEmail(p.Email),
		PasswordHash:   hash,
		Claims:         p.Claims,
		EmailConfirmed: p.EmailConfirmed,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}
	return copyUser(user), nil
}

// DeleteUser removes a user. Deleting an unknown id is not an error.
func (s *Service) DeleteUser(ctx context.Context, id string) error {
	return s.users.Delete(ctx, id)
}

// GetUserByID returns the user or ErrUserNotFound
func (s *Service) GetUserByID(ctx context.Context, id string) (*User, error) {
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrUserNotFound
	}
	return u, nil
}

// GetUserByEmail returns the user or (nil, nil)
func (s *Service) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.users.GetByEmail(ctx, email)
}

// ListUsersCreatedBefore returns users created before t, oldest first,
// starting past after. Pass CursorAfter(last) to page.
func (s *Service) ListUsersCreatedBefore(ctx context.Context, t time.Time, after PageCursor, limit int) ([]*User, error) {
	return s.users.ListCreatedBefore(ctx, t, after, limit)
}

// UpdateClaims replaces the user's custom claims
func (s *Service) UpdateClaims(ctx context.Context, id string, claims Claims) (*User, error) {
	if err := s.users.UpdateClaims(ctx, id, claims); err != nil {
		return nil, err
	}
	return s.GetUserByID(ctx, id)
}

// ConfirmEmail marks the user's email confirmed so password sign-in is
// allowed. Confirming twice is not an error.
func (s *Service) ConfirmEmail(ctx context.Context, id string) (*User, error) {
	if err := s.users.ConfirmEmail(ctx, id); err != nil {
		return nil, err
	}
	return s.GetUserByID(ctx, id)
}

// SignIn checks credentials and issues a session
func (s *Service) SignIn(ctx context.Context, email, password string) (*Session, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil || !CheckPassword(password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	if !user.EmailConfirmed {
		return nil, ErrEmailNotConfirmed
	}
	return s.IssueSession(ctx, user)
}

// IssueSession signs an access token and registers a refresh token
func (s *Service) IssueSession(ctx context.Context, user *User) (*Session, error) {
	access, expiresAt, err := s.tokens.Issue(user)
	if err != nil {
		return nil, err
	}
	session := &Session{
		AccessToken:  access,
		RefreshToken: uuid.New().String(),
		ExpiresAt:    expiresAt,
		User:         copyUser(user),
	}
	if err := s.sessions.Save(ctx, refreshKeyPrefix+session.RefreshToken, session, s.refreshTTL); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}
	return session, nil
}

// Refresh rotates the refresh token and re-reads the user so claim changes
// are picked up
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	old, err := s.sessions.Load(ctx, refreshKeyPrefix+refreshToken)
	if err != nil {
		return nil, err
	}
	if old == nil || old.User == nil {
		return nil, ErrSessionNotFound
	}
	if err := s.sessions.Delete(ctx, refreshKeyPrefix+refreshToken); err != nil {
		return nil, err
	}

	user, err := s.users.GetByID(ctx, old.User.ID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrSessionNotFound
	}
	return s.IssueSession(ctx, user)
}

// Revoke invalidates a refresh token
func (s *Service) Revoke(ctx context.Context, refreshToken string) error {
	return s.sessions.Delete(ctx, refreshKeyPrefix+refreshToken)
}

// Verify parses an access token
func (s *Service) Verify(accessToken string) (*AccessClaims, error) {
	return s.tokens.Parse(accessToken)
}
