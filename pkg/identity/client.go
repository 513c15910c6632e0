package identity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

const defaultStorageKey = "current"

// Client is the per-process view of the identity provider: it holds the
// current session, persists it between restarts and notifies listeners of
// every session change.
type Client struct {
	svc         *Service
	store       SessionStore
	storageKey  string
	autoConfirm bool
	now         func() time.Time

	mu      sync.Mutex
	current *Session
	loaded  bool

	listenersMu sync.RWMutex
	listeners   map[int]Listener
	nextID      int
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithStorage sets where the current session is persisted
func WithStorage(store SessionStore, key string) ClientOption {
	return func(c *Client) {
		c.store = store
		if key != "" {
			c.storageKey = key
		}
	}
}

// WithAutoConfirm makes SignUp confirm the email immediately and return a session
func WithAutoConfirm(autoConfirm bool) ClientOption {
	return func(c *Client) { c.autoConfirm = autoConfirm }
}

// NewClient creates a client bound to an identity service
func NewClient(svc *Service, opts ...ClientOption) *Client {
	c := &Client{
		svc:        svc,
		store:      NewMemorySessionStore(),
		storageKey: defaultStorageKey,
		now:        svc.now,
		listeners:  make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SignUp registers a user with claims. The session is nil when the email
// still needs confirmation.
func (c *Client) SignUp(ctx context.Context, email, password string, claims Claims) (*User, *Session, error) {
	user, err := c.svc.CreateUser(ctx, CreateUserParams{
		Email:          email,
		Password:       password,
		EmailConfirmed: c.autoConfirm,
		Claims:         claims,
	})
	if err != nil {
		return nil, nil, err
	}
	if !user.EmailConfirmed {
		return user, nil, nil
	}

	session, err := c.svc.IssueSession(ctx, user)
	if err != nil {
		return user, nil, err
	}
	if err := c.setSession(ctx, session); err != nil {
		return user, nil, err
	}
	c.emit(EventSignedIn, session)
	return user, copySession(session), nil
}

// SignInWithPassword authenticates and makes the new session current
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	session, err := c.svc.SignIn(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if err := c.setSession(ctx, session); err != nil {
		return nil, err
	}
	c.emit(EventSignedIn, session)
	return copySession(session), nil
}

// SignOut revokes the current session. The local session is cleared even
// when revocation fails.
func (c *Client) SignOut(ctx context.Context) error {
	session, err := c.load(ctx)
	if err != nil {
		session = nil
	}

	var revokeErr error
	if session != nil {
		revokeErr = c.svc.Revoke(ctx, session.RefreshToken)
	}
	clearErr := c.clear(ctx)

	if session != nil {
		c.emit(EventSignedOut, nil)
	}
	return errors.Join(revokeErr, clearErr)
}

// GetSession returns the current session, restoring it from storage on first
// use and refreshing it when the access token has expired. It returns
// (nil, nil) when there is no usable session.
func (c *Client) GetSession(ctx context.Context) (*Session, error) {
	session, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, nil
	}
	if session.Expired(c.now()) {
		return c.RefreshSession(ctx)
	}
	return copySession(session), nil
}

// RefreshSession rotates the current session. A revoked session signs the
// client out.
func (c *Client) RefreshSession(ctx context.Context) (*Session, error) {
	session, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrNoSession
	}

	fresh, err := c.svc.Refresh(ctx, session.RefreshToken)
	if errors.Is(err, ErrSessionNotFound) {
		_ = c.clear(ctx)
		c.emit(EventSignedOut, nil)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := c.setSession(ctx, fresh); err != nil {
		return nil, err
	}
	c.emit(EventTokenRefreshed, fresh)
	return copySession(fresh), nil
}

// UpdateUser replaces the current user's claims and reissues the session so
// the access token carries them
func (c *Client) UpdateUser(ctx context.Context, claims Claims) (*User, error) {
	session, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil || session.User == nil {
		return nil, ErrNoSession
	}

	user, err := c.svc.UpdateClaims(ctx, session.User.ID, claims)
	if err != nil {
		return nil, fmt.Errorf("failed to update claims: %w", err)
	}
	fresh, err := c.svc.Refresh(ctx, session.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to reissue session: %w", err)
	}
	if err := c.setSession(ctx, fresh); err != nil {
		return nil, err
	}
	c.emit(EventUserUpdated, fresh)
	return user, nil
}

// OnAuthStateChange registers a listener and returns its unsubscribe func
func (c *Client) OnAuthStateChange(listener Listener) (unsubscribe func()) {
	c.listenersMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = listener
	c.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.listenersMu.Lock()
			delete(c.listeners, id)
			c.listenersMu.Unlock()
		})
	}
}

func (c *Client) load(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return c.current, nil
	}
	session, err := c.store.Load(ctx, c.storageKey)
	if err != nil {
		return nil, fmt.Errorf("failed to restore session: %w", err)
	}
	c.current = session
	c.loaded = true
	return c.current, nil
}

func (c *Client) setSession(ctx context.Context, session *Session) error {
	c.mu.Lock()
	c.current = session
	c.loaded = true
	c.mu.Unlock()
	return c.store.Save(ctx, c.storageKey, session, 0)
}

func (c *Client) clear(ctx context.Context) error {
	c.mu.Lock()
	c.current = nil
	c.loaded = true
	c.mu.Unlock()
	return c.store.Delete(ctx, c.storageKey)
}

// emit calls listeners in registration order outside of any lock
func (c *Client) emit(event AuthEvent, session *Session) {
	c.listenersMu.RLock()
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, c.listeners[id])
	}
	c.listenersMu.RUnlock()

	for _, l := range listeners {
		l(event, copySession(session))
	}
}

func copySession(s *Session) *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.User = copyUser(s.User)
	return &cp
}
