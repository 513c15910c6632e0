package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	pkgredis "github.com/prohmpiriya/school-tenancy/pkg/redis"
)

// SessionStore persists sessions by key. Load returns (nil, nil) for a
// missing or expired key.
type SessionStore interface {
	Load(ctx context.Context, key string) (*Session, error)
	Save(ctx context.Context, key string, session *Session, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// MemorySessionStore is an in-memory SessionStore
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]memorySession
	now      func() time.Time
	// ShouldFail makes Load return FailureError, for tests
	ShouldFail   bool
	FailureError error
}

type memorySession struct {
	session   Session
	expiresAt time.Time
}

// NewMemorySessionStore creates an empty store
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]memorySession),
		now:      time.Now,
	}
}

func (s *MemorySessionStore) Load(ctx context.Context, key string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ShouldFail {
		if s.FailureError != nil {
			return nil, s.FailureError
		}
		return nil, errors.New("session store unavailable")
	}
	m, ok := s.sessions[key]
	if !ok || (!m.expiresAt.IsZero() && !s.now().Before(m.expiresAt)) {
		return nil, nil
	}
	cp := m.session
	cp.User = copyUser(m.session.User)
	return &cp, nil
}

func (s *MemorySessionStore) Save(ctx context.Context, key string, session *Session, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := memorySession{session: *session}
	m.session.User = copyUser(session.User)
	if ttl > 0 {
		m.expiresAt = s.now().Add(ttl)
	}
	s.sessions[key] = m
	return nil
}

func (s *MemorySessionStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
	return nil
}

// SetFailure toggles failure injection on Load
func (s *MemorySessionStore) SetFailure(fail bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ShouldFail = fail
	s.FailureError = err
}

// RedisSessionStore stores sessions as JSON with a TTL
type RedisSessionStore struct {
	client *pkgredis.Client
	prefix string
}

// NewRedisSessionStore creates a Redis-backed SessionStore
func NewRedisSessionStore(client *pkgredis.Client, prefix string) *RedisSessionStore {
	if prefix == "" {
		prefix = "session:"
	}
	return &RedisSessionStore{client: client, prefix: prefix}
}

func (s *RedisSessionStore) Load(ctx context.Context, key string) (*Session, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, pkgredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	session := &Session{}
	if err := json.Unmarshal(raw, session); err != nil {
		return nil, fmt.Errorf("corrupt session: %w", err)
	}
	return session, nil
}

func (s *RedisSessionStore) Save(ctx context.Context, key string, session *Session, ttl time.Duration) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.prefix+key, raw, ttl).Err()
}

func (s *RedisSessionStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}
