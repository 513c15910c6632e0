package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/prohmpiriya/school-tenancy/internal/apperr"
	"github.com/prohmpiriya/school-tenancy/internal/domain"
	"github.com/prohmpiriya/school-tenancy/internal/dto"
	"github.com/prohmpiriya/school-tenancy/pkg/identity"
	"github.com/prohmpiriya/school-tenancy/pkg/telemetry"
)

// Start restores a persisted session and binds it. It enters Error only
// when the session store cannot be read.
func (b *Binder) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.mu.Unlock()

	unsubscribe := b.identity.OnAuthStateChange(b.onAuthEvent)
	b.mu.Lock()
	b.unsubscribe = unsubscribe
	b.mu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, "session.start")
	defer span.End()

	token := b.begin()
	b.apply(token, Binding{State: StateLoading})

	var session *identity.Session
	var err error
	b.quietly(func() {
		rctx, cancel := context.WithTimeout(ctx, b.bindTimeout)
		defer cancel()
		session, err = b.identity.GetSession(rctx)
	})
	if err != nil {
		telemetry.SetSpanError(ctx, err)
		b.apply(token, Binding{State: StateError})
		return &apperr.TransientError{Op: "restore session", Err: err}
	}
	if session == nil || session.User == nil {
		b.apply(token, Binding{State: StateUnauthenticated})
		return nil
	}

	if err := b.bind(ctx, token, session.User); err != nil {
		return b.bindFailed(ctx, err)
	}
	return nil
}

// SignUp creates the account through the Provisioner, then signs in and
// binds. A signup whose email still needs confirmation ends Unauthenticated.
func (b *Binder) SignUp(ctx context.Context, req *dto.SignupRequest) (*dto.SignupResponse, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	if b.provisioner == nil {
		return nil, ErrSignupUnavailable
	}

	resp, err := b.provisioner.Signup(ctx, req)
	if err != nil {
		return nil, err
	}

	err = b.signIn(ctx, req.Email, req.Password)
	if errors.Is(err, identity.ErrEmailNotConfirmed) {
		return resp, nil
	}
	return resp, err
}

// SignIn authenticates and binds. A Bind failure signs the identity out
// again and returns a LoadError.
func (b *Binder) SignIn(ctx context.Context, email, password string) error {
	if b.isClosed() {
		return ErrClosed
	}
	return b.signIn(ctx, email, password)
}

func (b *Binder) signIn(ctx context.Context, email, password string) error {
	ctx, span := telemetry.StartSpan(ctx, "session.sign_in")
	defer span.End()

	token := b.begin()
	b.apply(token, Binding{State: StateLoading})

	var session *identity.Session
	var err error
	b.quietly(func() {
		rctx, cancel := context.WithTimeout(ctx, b.bindTimeout)
		defer cancel()
		session, err = b.identity.SignInWithPassword(rctx, email, password)
	})
	if err != nil {
		telemetry.SetSpanError(ctx, err)
		b.apply(token, Binding{State: StateUnauthenticated})
		switch {
		case errors.Is(err, identity.ErrInvalidCredentials):
			return ErrInvalidCredentials
		case errors.Is(err, identity.ErrEmailNotConfirmed):
			return err
		}
		return backendError("sign in", err)
	}

	if err := b.bind(ctx, token, session.User); err != nil {
		return b.bindFailed(ctx, err)
	}
	return nil
}

// SignOut revokes the session and clears the binding. It never fails;
// revocation errors are logged.
func (b *Binder) SignOut(ctx context.Context) error {
	b.reset()
	b.quietly(func() {
		if err := b.identity.SignOut(ctx); err != nil {
			b.log.WarnContext(ctx, "sign out failed", zap.Error(err))
		}
	})
	return nil
}

// UpdateProfile writes the caller's own profile in the bound tenant and
// re-binds. Identity, membership and creation fields are dropped.
func (b *Binder) UpdateProfile(ctx context.Context, update domain.ProfileUpdate) error {
	cur := b.Binding()
	if cur.State != StateBound {
		return apperr.NewAccessDenied("not signed in")
	}

	update = update.Sanitized()
	if update.IsEmpty() {
		return nil
	}

	ctx, span := telemetry.StartSpan(ctx, "session.update_profile")
	defer span.End()
	telemetry.SetSpanAttributes(ctx, telemetry.TenantIDAttr(cur.TenantID))

	token := b.begin()
	wctx, cancel := context.WithTimeout(ctx, b.bindTimeout)
	err := b.profiles.Update(wctx, cur.TenantID, cur.User.ID, update)
	cancel()
	if err != nil {
		telemetry.SetSpanError(ctx, err)
		return backendError("update profile", err)
	}

	if err := b.bind(ctx, token, cur.User); err != nil {
		return b.bindFailed(ctx, err)
	}
	return nil
}

// SwitchTenant moves the binding to another tenant the identity belongs to.
// Without an active profile there the call is denied and nothing changes.
func (b *Binder) SwitchTenant(ctx context.Context, tenantID string) error {
	cur := b.Binding()
	if cur.State != StateBound {
		return apperr.NewAccessDenied("not signed in")
	}
	if tenantID == cur.TenantID {
		return nil
	}

	ctx, span := telemetry.StartSpan(ctx, "session.switch_tenant")
	defer span.End()
	telemetry.SetSpanAttributes(ctx, telemetry.TenantIDAttr(tenantID))

	// a sign-out while the switch is in flight wins
	token := b.begin()
	profile, tenant, err := b.loadPair(ctx, tenantID, cur.User.ID)
	if err != nil {
		telemetry.SetSpanError(ctx, err)
		return err
	}
	if profile == nil || tenant == nil {
		return apperr.NewAccessDenied("no access to tenant %s", tenantID)
	}
	if !b.current(token) {
		return ErrSuperseded
	}

	claims := cur.User.Claims
	claims.TenantID = tenantID
	claims.Role = string(profile.Role)

	var user *identity.User
	b.quietly(func() {
		uctx, cancel := context.WithTimeout(ctx, b.bindTimeout)
		defer cancel()
		user, err = b.identity.UpdateUser(uctx, claims)
	})
	if err != nil {
		telemetry.SetSpanError(ctx, err)
		return backendError("update claims", err)
	}

	if err := b.bind(ctx, token, user); err != nil {
		return b.bindFailed(ctx, err)
	}
	return nil
}

// Refresh rotates the session and re-binds. A revoked session ends
// Unauthenticated.
func (b *Binder) Refresh(ctx context.Context) error {
	if b.isClosed() {
		return ErrClosed
	}

	var session *identity.Session
	var err error
	b.quietly(func() {
		rctx, cancel := context.WithTimeout(ctx, b.bindTimeout)
		defer cancel()
		session, err = b.identity.RefreshSession(rctx)
	})
	if errors.Is(err, identity.ErrNoSession) {
		b.reset()
		return nil
	}
	if err != nil {
		return backendError("refresh session", err)
	}
	if session == nil || session.User == nil {
		b.reset()
		return nil
	}

	if err := b.bind(ctx, b.begin(), session.User); err != nil {
		return b.bindFailed(ctx, err)
	}
	return nil
}

// TenantID returns the bound tenant, or AccessDenied when not bound
func (b *Binder) TenantID() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.binding.State != StateBound {
		return "", apperr.NewAccessDenied("no tenant bound")
	}
	return b.binding.TenantID, nil
}

// onAuthEvent handles sessions pushed by the identity provider. A missing
// session clears the binding at once; a live one with a tenant claim binds.
func (b *Binder) onAuthEvent(event identity.AuthEvent, session *identity.Session) {
	if session == nil || session.User == nil {
		b.reset()
		return
	}
	if b.muted.Load() > 0 || b.isClosed() {
		return
	}
	if session.User.Claims.TenantID == "" {
		return
	}

	token := b.begin()
	user := session.User
	b.spawn(func() {
		ctx := b.baseCtx
		if err := b.bind(ctx, token, user); err != nil && !errors.Is(err, ErrSuperseded) {
			b.log.WarnContext(ctx, "bind after auth event failed",
				zap.String("event", string(event)),
				zap.String("user_id", user.ID),
				zap.Error(err),
			)
			b.forceSignOut(ctx)
		}
	})
}

// bind resolves user to an active profile and tenant and applies the
// result under token. Any failure leaves the binder Unauthenticated.
func (b *Binder) bind(ctx context.Context, token uint64, user *identity.User) error {
	ctx, span := telemetry.StartSpan(ctx, "session.bind")
	defer span.End()

	binding, err := b.resolve(ctx, user)
	if err != nil {
		telemetry.SetSpanError(ctx, err)
		if !b.apply(token, Binding{State: StateUnauthenticated}) {
			return ErrSuperseded
		}
		return err
	}
	if !b.apply(token, *binding) {
		return ErrSuperseded
	}
	telemetry.SetSpanAttributes(ctx, telemetry.TenantIDAttr(binding.TenantID))
	b.touchLastLogin(binding.TenantID, user.ID)
	return nil
}

func (b *Binder) resolve(ctx context.Context, user *identity.User) (*Binding, error) {
	var profile *domain.Profile
	var tenant *domain.Tenant
	var err error

	if tenantID := user.Claims.TenantID; tenantID != "" {
		profile, tenant, err = b.loadPair(ctx, tenantID, user.ID)
	} else {
		profile, tenant, err = b.firstActivePair(ctx, user.ID)
	}
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, apperr.NewAccessDenied("no active profile for identity %s", user.ID)
	}
	if tenant == nil {
		return nil, apperr.NewAccessDenied("tenant %s is not active", profile.TenantID)
	}
	if role := user.Claims.Role; role != "" && domain.Role(role) != profile.Role {
		return nil, apperr.NewAccessDenied("claimed role %s does not match profile role %s", role, profile.Role)
	}

	return &Binding{
		State:    StateBound,
		User:     user,
		Profile:  profile,
		Tenant:   tenant,
		TenantID: profile.TenantID,
		Role:     profile.Role,
	}, nil
}

// loadPair returns the active profile and active tenant for (tenantID, id).
// Either may be nil when absent.
func (b *Binder) loadPair(ctx context.Context, tenantID, id string) (*domain.Profile, *domain.Tenant, error) {
	ctx, cancel := context.WithTimeout(ctx, b.bindTimeout)
	defer cancel()

	profile, err := b.profiles.GetActive(ctx, tenantID, id)
	if err != nil {
		return nil, nil, backendError("load profile", err)
	}
	if profile == nil {
		return nil, nil, nil
	}
	tenant, err := b.tenants.GetActive(ctx, tenantID)
	if err != nil {
		return nil, nil, backendError("load tenant", err)
	}
	return profile, tenant, nil
}

func (b *Binder) firstActivePair(ctx context.Context, id string) (*domain.Profile, *domain.Tenant, error) {
	if b.lookup == nil {
		return nil, nil, nil
	}
	lctx, cancel := context.WithTimeout(ctx, b.bindTimeout)
	profiles, err := b.lookup.ListByIdentity(lctx, id)
	cancel()
	if err != nil {
		return nil, nil, backendError("list profiles", err)
	}
	for _, p := range profiles {
		if !p.IsActive {
			continue
		}
		profile, tenant, err := b.loadPair(ctx, p.TenantID, id)
		if err != nil {
			return nil, nil, err
		}
		if profile != nil && tenant != nil {
			return profile, tenant, nil
		}
	}
	return nil, nil, nil
}

// bindFailed signs out after a Bind that found no valid pairing. Transient
// failures keep the session so a later Refresh can retry.
func (b *Binder) bindFailed(ctx context.Context, err error) error {
	if errors.Is(err, ErrSuperseded) {
		return err
	}
	if !errors.Is(err, apperr.ErrTransient) {
		b.forceSignOut(ctx)
	}
	return &LoadError{Err: err}
}

func (b *Binder) forceSignOut(ctx context.Context) {
	b.reset()
	b.quietly(func() {
		if err := b.identity.SignOut(ctx); err != nil {
			b.log.WarnContext(ctx, "forced sign out failed", zap.Error(err))
		}
	})
}

// touchLastLogin records the login in the background. Failures are logged only.
func (b *Binder) touchLastLogin(tenantID, id string) {
	b.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), b.lastLoginTimeout)
		defer cancel()
		if err := b.profiles.TouchLastLogin(ctx, tenantID, id, b.now()); err != nil {
			b.log.Warn("failed to record last login",
				zap.String("tenant_id", tenantID),
				zap.String("user_id", id),
				zap.Error(err),
			)
		}
	})
}

func backendError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &apperr.TransientError{Op: op, Err: err}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
