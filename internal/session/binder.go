// Package session binds an authenticated identity to exactly one active
// tenant and role, and keeps that binding in sync with the identity
// provider's session.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prohmpiriya/school-tenancy/internal/domain"
	"github.com/prohmpiriya/school-tenancy/internal/dto"
	"github.com/prohmpiriya/school-tenancy/internal/repository"
	"github.com/prohmpiriya/school-tenancy/pkg/identity"
	"github.com/prohmpiriya/school-tenancy/pkg/logger"
)

// State is where the binder is in its lifecycle
type State string

const (
	StateUninitialized   State = "uninitialized"
	StateLoading         State = "loading"
	StateUnauthenticated State = "unauthenticated"
	StateBound           State = "bound"
	StateError           State = "error"
)

const (
	DefaultBindTimeout      = 10 * time.Second
	DefaultLastLoginTimeout = 5 * time.Second
)

var (
	// ErrInvalidCredentials is shown when sign-in is rejected
	ErrInvalidCredentials = errors.New("Invalid email or password")
	// ErrSuperseded is returned when a newer transition replaced this one's result
	ErrSuperseded = errors.New("session transition superseded")
	// ErrClosed is returned by operations after Close
	ErrClosed = errors.New("session binder closed")
	// ErrSignupUnavailable is returned by SignUp without a Provisioner
	ErrSignupUnavailable = errors.New("signup is not configured")
)

// LoadError reports a failed Bind after the credentials were accepted.
// Its message is safe to show; the cause is kept for errors.Is.
type LoadError struct {
	Err error
}

func (e *LoadError) Error() string { return "Failed to load user data" }
func (e *LoadError) Unwrap() error { return e.Err }

// Binding is the bound (identity, tenant, role) view. Tenant-scoped data
// access reads TenantID from here and never writes it.
type Binding struct {
	State    State
	User     *identity.User
	Profile  *domain.Profile
	Tenant   *domain.Tenant
	TenantID string
	Role     domain.Role
}

func (b Binding) clone() Binding {
	if b.User != nil {
		u := *b.User
		b.User = &u
	}
	if b.Profile != nil {
		p := *b.Profile
		b.Profile = &p
	}
	if b.Tenant != nil {
		t := *b.Tenant
		b.Tenant = &t
	}
	return b
}

// IdentityProvider is the client side of the identity provider.
// Implemented by *identity.Client.
type IdentityProvider interface {
	SignInWithPassword(ctx context.Context, email, password string) (*identity.Session, error)
	SignOut(ctx context.Context) error
	GetSession(ctx context.Context) (*identity.Session, error)
	RefreshSession(ctx context.Context) (*identity.Session, error)
	UpdateUser(ctx context.Context, claims identity.Claims) (*identity.User, error)
	OnAuthStateChange(listener identity.Listener) (unsubscribe func())
}

// Provisioner creates accounts. Admin signups with school data run the
// tenant provisioning saga; teachers and parents join a resolved tenant.
type Provisioner interface {
	Signup(ctx context.Context, req *dto.SignupRequest) (*dto.SignupResponse, error)
}

// TenantReader loads tenants open to their members
type TenantReader interface {
	GetActive(ctx context.Context, tenantID string) (*domain.Tenant, error)
}

// ProfileStore is the tenant-scoped profile surface the binder writes through
type ProfileStore interface {
	GetActive(ctx context.Context, tenantID, id string) (*domain.Profile, error)
	Update(ctx context.Context, tenantID, id string, update domain.ProfileUpdate) error
	TouchLastLogin(ctx context.Context, tenantID, id string, at time.Time) error
}

// Deps are the binder's collaborators
type Deps struct {
	Identity IdentityProvider
	Tenants  TenantReader
	Profiles ProfileStore
	// Lookup picks a profile when the claims name no tenant. Optional.
	Lookup repository.ProfileLookup
	// Provisioner serves SignUp. Optional.
	Provisioner Provisioner
}

// Option configures a Binder
type Option func(*Binder)

// WithBindTimeout bounds each backend call made by a transition
func WithBindTimeout(d time.Duration) Option {
	return func(b *Binder) { b.bindTimeout = d }
}

// WithLastLoginTimeout bounds the background lastLogin write
func WithLastLoginTimeout(d time.Duration) Option {
	return func(b *Binder) { b.lastLoginTimeout = d }
}

// WithLogger sets the logger
func WithLogger(l *logger.Logger) Option {
	return func(b *Binder) { b.log = l }
}

// WithNow overrides the clock used for lastLogin
func WithNow(now func() time.Time) Option {
	return func(b *Binder) { b.now = now }
}

// Binder owns one client's session binding. Create it with NewBinder, call
// Start once, and Close on shutdown.
type Binder struct {
	identity    IdentityProvider
	tenants     TenantReader
	profiles    ProfileStore
	lookup      repository.ProfileLookup
	provisioner Provisioner

	bindTimeout      time.Duration
	lastLoginTimeout time.Duration
	log              *logger.Logger
	now              func() time.Time

	mu      sync.Mutex
	binding Binding
	// op is bumped by every transition; results carrying an older token are dropped
	op      uint64
	started bool
	closed  bool

	// muted > 0 while the binder itself calls the identity provider, so the
	// events those calls emit do not start a second Bind
	muted atomic.Int32

	observersMu sync.RWMutex
	observers   map[int]func(Binding)
	nextID      int

	unsubscribe func()
	baseCtx     context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// NewBinder creates an uninitialized Binder
func NewBinder(deps Deps, opts ...Option) (*Binder, error) {
	if deps.Identity == nil {
		return nil, errors.New("identity provider is required")
	}
	if deps.Tenants == nil || deps.Profiles == nil {
		return nil, errors.New("tenant and profile stores are required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Binder{
		identity:         deps.Identity,
		tenants:          deps.Tenants,
		profiles:         deps.Profiles,
		lookup:           deps.Lookup,
		provisioner:      deps.Provisioner,
		bindTimeout:      DefaultBindTimeout,
		lastLoginTimeout: DefaultLastLoginTimeout,
		now:              time.Now,
		binding:          Binding{State: StateUninitialized},
		observers:        make(map[int]func(Binding)),
		baseCtx:          ctx,
		cancel:           cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.log == nil {
		b.log = logger.Get()
	}
	if b.bindTimeout <= 0 {
		b.bindTimeout = DefaultBindTimeout
	}
	if b.lastLoginTimeout <= 0 {
		b.lastLoginTimeout = DefaultLastLoginTimeout
	}
	return b, nil
}

// State returns the current state
func (b *Binder) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.binding.State
}

// Binding returns a copy of the current binding
func (b *Binder) Binding() Binding {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.binding.clone()
}

// Subscribe registers fn to receive every applied binding change
func (b *Binder) Subscribe(fn func(Binding)) (unsubscribe func()) {
	b.observersMu.Lock()
	id := b.nextID
	b.nextID++
	b.observers[id] = fn
	b.observersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.observersMu.Lock()
			delete(b.observers, id)
			b.observersMu.Unlock()
		})
	}
}

// Close detaches from the identity provider and waits for background writes
func (b *Binder) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		unsubscribe := b.unsubscribe
		b.mu.Unlock()

		if unsubscribe != nil {
			unsubscribe()
		}
		b.cancel()
		b.wg.Wait()
	})
	return nil
}

func (b *Binder) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// begin starts a transition and returns its token
func (b *Binder) begin() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.op++
	return b.op
}

// current reports whether token is still the latest operation
func (b *Binder) current(token uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return token == b.op
}

// apply installs next if token is still the latest, then notifies observers
func (b *Binder) apply(token uint64, next Binding) bool {
	b.mu.Lock()
	if token != b.op {
		b.mu.Unlock()
		return false
	}
	b.binding = next
	snapshot := next.clone()
	b.mu.Unlock()

	b.notify(snapshot)
	return true
}

// reset clears the binding regardless of in-flight transitions
func (b *Binder) reset() {
	b.mu.Lock()
	b.op++
	if b.binding.State == StateUnauthenticated {
		b.mu.Unlock()
		return
	}
	b.binding = Binding{State: StateUnauthenticated}
	b.mu.Unlock()

	b.notify(Binding{State: StateUnauthenticated})
}

func (b *Binder) notify(binding Binding) {
	b.observersMu.RLock()
	ids := make([]int, 0, len(b.observers))
	for id := range b.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Binding), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, b.observers[id])
	}
	b.observersMu.RUnlock()

	for _, fn := range fns {
		fn(binding.clone())
	}
}

// spawn runs fn in a goroutine that Close waits for. Nothing starts after Close.
func (b *Binder) spawn(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

// quietly runs an identity call whose own auth events must not trigger a Bind
func (b *Binder) quietly(fn func()) {
	b.muted.Add(1)
	defer b.muted.Add(-1)
	fn()
}
