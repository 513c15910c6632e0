package identity

import (
	"context"
	"sort"
	"sync"
	"time"
)

// UserStore persists users. Lookups return (nil, nil) when nothing matches.
type UserStore interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	UpdateClaims(ctx context.Context, id string, claims Claims) error
	ConfirmEmail(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	// ListCreatedBefore returns users created before t that sort after the
	// cursor, ordered by (CreatedAt, ID).
	ListCreatedBefore(ctx context.Context, t time.Time, after PageCursor, limit int) ([]*User, error)
}

// PageCursor is a keyset position in (CreatedAt, ID) order. The zero value
// starts at the oldest user.
type PageCursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorAfter returns the cursor that continues past u
func CursorAfter(u *User) PageCursor {
	return PageCursor{CreatedAt: u.CreatedAt, ID: u.ID}
}

// precedes reports whether c sorts strictly before u
func (c PageCursor) precedes(u *User) bool {
	if !u.CreatedAt.Equal(c.CreatedAt) {
		return u.CreatedAt.After(c.CreatedAt)
	}
	return u.ID > c.ID
}

// MemoryUserStore is an in-memory UserStore with case-insensitive unique emails
type MemoryUserStore struct {
	mu       sync.RWMutex
	users    map[string]*User
	emailIDs map[string]string
}

// NewMemoryUserStore creates an empty store
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		users:    make(map[string]*User),
		emailIDs: make(map[string]string),
	}
}

func (s *MemoryUserStore) Create(ctx context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := NormalizeEmail(user.Email)
	if _, exists := s.emailIDs[key]; exists {
		return ErrEmailTaken
	}
	s.users[user.ID] = copyUser(user)
	s.emailIDs[key] = user.ID
	return nil
}

func (s *MemoryUserStore) GetByID(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyUser(s.users[id]), nil
}

func (s *MemoryUserStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.emailIDs[NormalizeEmail(email)]
	if !ok {
		return nil, nil
	}
	return copyUser(s.users[id]), nil
}

func (s *MemoryUserStore) UpdateClaims(ctx context.Context, id string, claims Claims) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.Claims = claims
	u.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryUserStore) ConfirmEmail(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.EmailConfirmed = true
	u.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryUserStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil
	}
	delete(s.emailIDs, NormalizeEmail(u.Email))
	delete(s.users, id)
	return nil
}

func (s *MemoryUserStore) ListCreatedBefore(ctx context.Context, t time.Time, after PageCursor, limit int) ([]*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*User
	for _, u := range s.users {
		if u.CreatedAt.Before(t) && after.precedes(u) {
			out = append(out, copyUser(u))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count returns the number of users
func (s *MemoryUserStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}
