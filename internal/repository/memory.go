package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prohmpiriya/school-tenancy/internal/domain"
)

// Operation names accepted by SetFailure on the in-memory repositories
const (
	OpCreate         = "create"
	OpGet            = "get"
	OpUpdate         = "update"
	OpDelete         = "delete"
	OpTouchLastLogin = "touch_last_login"
	OpList           = "list"
)

// faults injects errors and latency into in-memory repositories
type faults struct {
	mu       sync.RWMutex
	failures map[string]error
	delay    time.Duration
}

// SetFailure makes op return err. A nil err clears it.
func (f *faults) SetFailure(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures == nil {
		f.failures = make(map[string]error)
	}
	if err == nil {
		delete(f.failures, op)
		return
	}
	f.failures[op] = err
}

// SetDelay makes every call wait d or until its context is done
func (f *faults) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

func (f *faults) check(ctx context.Context, op string) error {
	f.mu.RLock()
	d, err := f.delay, f.failures[op]
	f.mu.RUnlock()
	if d > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
	return err
}

// --- Tenants ---

// MemoryTenantRepository is an in-memory TenantRepository. Name uniqueness
// is checked and claimed under one lock.
type MemoryTenantRepository struct {
	faults
	mu       sync.RWMutex
	tenants  map[string]*domain.Tenant
	nameKeys map[string]string
	// profiles is consulted by ListWithoutProfiles
	profiles ProfileLookupAll
}

// ProfileLookupAll reports whether any profile belongs to a tenant
type ProfileLookupAll interface {
	CountByTenant(tenantID string) int
}

// NewMemoryTenantRepository creates an empty repository. profiles may be nil.
func NewMemoryTenantRepository(profiles ProfileLookupAll) *MemoryTenantRepository {
	return &MemoryTenantRepository{
		tenants:  make(map[string]*domain.Tenant),
		nameKeys: make(map[string]string),
		profiles: profiles,
	}
}

func (r *MemoryTenantRepository) Create(ctx context.Context, tenant *domain.Tenant) error {
	if err := r.check(ctx, OpCreate); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	key := domain.NameKey(tenant.Name)
	if _, exists := r.nameKeys[key]; exists {
		return ErrDuplicate
	}
	cp := *tenant
	cp.NameKey = key
	r.tenants[tenant.ID] = &cp
	r.nameKeys[key] = tenant.ID
	return nil
}

func (r *MemoryTenantRepository) GetByID(ctx context.Context, tenantID string) (*domain.Tenant, error) {
	if err := r.check(ctx, OpGet); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[tenantID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (r *MemoryTenantRepository) GetActive(ctx context.Context, tenantID string) (*domain.Tenant, error) {
	t, err := r.GetByID(ctx, tenantID)
	if err != nil || t == nil || !t.IsActive() {
		return nil, err
	}
	return t, nil
}

func (r *MemoryTenantRepository) ExistsByName(ctx context.Context, name string) (bool, error) {
	if err := r.check(ctx, OpGet); err != nil {
		return false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.nameKeys[domain.NameKey(name)]
	return exists, nil
}

func (r *MemoryTenantRepository) Delete(ctx context.Context, tenantID string) error {
	if err := r.check(ctx, OpDelete); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tenants[tenantID]; ok {
		delete(r.nameKeys, t.NameKey)
		delete(r.tenants, tenantID)
	}
	return nil
}

func (r *MemoryTenantRepository) ListWithoutProfiles(ctx context.Context, createdBefore time.Time, limit int) ([]*domain.Tenant, error) {
	if err := r.check(ctx, OpList); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Tenant
	for _, t := range r.tenants {
		if !t.CreatedAt.Before(createdBefore) {
			continue
		}
		if r.profiles != nil && r.profiles.CountByTenant(t.ID) > 0 {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetStatus changes a tenant's subscription status
func (r *MemoryTenantRepository) SetStatus(tenantID string, status domain.SubscriptionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tenants[tenantID]; ok {
		t.SubscriptionStatus = status
	}
}

// Count returns the number of tenants
func (r *MemoryTenantRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tenants)
}

// --- Profiles ---

type profileKey struct {
	tenantID string
	id       string
}

// MemoryProfileRepository is an in-memory ProfileRepository and ProfileLookup
type MemoryProfileRepository struct {
	faults
	mu       sync.RWMutex
	profiles map[profileKey]*domain.Profile
	now      func() time.Time
}

// NewMemoryProfileRepository creates an empty repository
func NewMemoryProfileRepository() *MemoryProfileRepository {
	return &MemoryProfileRepository{
		profiles: make(map[profileKey]*domain.Profile),
		now:      time.Now,
	}
}

func (r *MemoryProfileRepository) Create(ctx context.Context, profile *domain.Profile) error {
	if err := r.check(ctx, OpCreate); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := profileKey{profile.TenantID, profile.ID}
	if _, exists := r.profiles[key]; exists {
		return ErrDuplicate
	}
	cp := *profile
	r.profiles[key] = &cp
	return nil
}

func (r *MemoryProfileRepository) Get(ctx context.Context, tenantID, id string) (*domain.Profile, error) {
	if err := r.check(ctx, OpGet); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[profileKey{tenantID, id}]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (r *MemoryProfileRepository) GetActive(ctx context.Context, tenantID, id string) (*domain.Profile, error) {
	p, err := r.Get(ctx, tenantID, id)
	if err != nil || p == nil || !p.IsActive {
		return nil, err
	}
	return p, nil
}

func (r *MemoryProfileRepository) Update(ctx context.Context, tenantID, id string, update domain.ProfileUpdate) error {
	if err := r.check(ctx, OpUpdate); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[profileKey{tenantID, id}]
	if !ok {
		return ErrNotFound
	}
	update.Apply(p)
	p.UpdatedAt = r.now()
	return nil
}

func (r *MemoryProfileRepository) TouchLastLogin(ctx context.Context, tenantID, id string, at time.Time) error {
	if err := r.check(ctx, OpTouchLastLogin); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[profileKey{tenantID, id}]
	if !ok {
		return ErrNotFound
	}
	p.LastLogin = &at
	return nil
}

func (r *MemoryProfileRepository) Delete(ctx context.Context, tenantID, id string) error {
	if err := r.check(ctx, OpDelete); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.profiles, profileKey{tenantID, id})
	return nil
}

func (r *MemoryProfileRepository) ListByIdentity(ctx context.Context, identityID string) ([]*domain.Profile, error) {
	if err := r.check(ctx, OpList); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Profile
	for k, p := range r.profiles {
		if k.id == identityID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CountByTenant returns the number of profiles in a tenant
func (r *MemoryProfileRepository) CountByTenant(tenantID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for k := range r.profiles {
		if k.tenantID == tenantID {
			n++
		}
	}
	return n
}

// SetActive toggles a profile's isActive flag
func (r *MemoryProfileRepository) SetActive(tenantID, id string, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.profiles[profileKey{tenantID, id}]; ok {
		p.IsActive = active
	}
}

// Count returns the number of profiles
func (r *MemoryProfileRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.profiles)
}

// --- Terms ---

// MemoryTermRepository is an in-memory TermRepository
type MemoryTermRepository struct {
	faults
	mu    sync.RWMutex
	terms map[string][]*domain.AcademicTerm
}

// NewMemoryTermRepository creates an empty repository
func NewMemoryTermRepository() *MemoryTermRepository {
	return &MemoryTermRepository{terms: make(map[string][]*domain.AcademicTerm)}
}

func (r *MemoryTermRepository) Create(ctx context.Context, term *domain.AcademicTerm) error {
	if err := r.check(ctx, OpCreate); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *term
	r.terms[term.TenantID] = append(r.terms[term.TenantID], &cp)
	return nil
}

func (r *MemoryTermRepository) ListByTenant(ctx context.Context, tenantID string) ([]*domain.AcademicTerm, error) {
	if err := r.check(ctx, OpList); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.AcademicTerm, 0, len(r.terms[tenantID]))
	for _, t := range r.terms[tenantID] {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (r *MemoryTermRepository) DeleteByTenant(ctx context.Context, tenantID string) error {
	if err := r.check(ctx, OpDelete); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.terms, tenantID)
	return nil
}

// --- Members ---

// MemoryMemberRepository is an in-memory MemberRepository
type MemoryMemberRepository struct {
	faults
	mu       sync.RWMutex
	teachers map[profileKey]*domain.Teacher
	parents  map[profileKey]*domain.Parent
}

// NewMemoryMemberRepository creates an empty repository
func NewMemoryMemberRepository() *MemoryMemberRepository {
	return &MemoryMemberRepository{
		teachers: make(map[profileKey]*domain.Teacher),
		parents:  make(map[profileKey]*domain.Parent),
	}
}

func (r *MemoryMemberRepository) CreateTeacher(ctx context.Context, teacher *domain.Teacher) error {
	if err := r.check(ctx, OpCreate); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *teacher
	r.teachers[profileKey{teacher.TenantID, teacher.ProfileID}] = &cp
	return nil
}

func (r *MemoryMemberRepository) GetTeacher(ctx context.Context, tenantID, profileID string) (*domain.Teacher, error) {
	if err := r.check(ctx, OpGet); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.teachers[profileKey{tenantID, profileID}]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (r *MemoryMemberRepository) CreateParent(ctx context.Context, parent *domain.Parent) error {
	if err := r.check(ctx, OpCreate); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *parent
	r.parents[profileKey{parent.TenantID, parent.ProfileID}] = &cp
	return nil
}

func (r *MemoryMemberRepository) GetParent(ctx context.Context, tenantID, profileID string) (*domain.Parent, error) {
	if err := r.check(ctx, OpGet); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parents[profileKey{tenantID, profileID}]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

// --- Invitations ---

// MemoryInvitationRepository is an in-memory InvitationRepository
type MemoryInvitationRepository struct {
	faults
	mu          sync.RWMutex
	invitations map[string]*domain.Invitation
}

// NewMemoryInvitationRepository creates an empty repository
func NewMemoryInvitationRepository() *MemoryInvitationRepository {
	return &MemoryInvitationRepository{invitations: make(map[string]*domain.Invitation)}
}

func (r *MemoryInvitationRepository) Create(ctx context.Context, invitation *domain.Invitation) error {
	if err := r.check(ctx, OpCreate); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.invitations[invitation.Code]; exists {
		return ErrDuplicate
	}
	cp := *invitation
	r.invitations[invitation.Code] = &cp
	return nil
}

func (r *MemoryInvitationRepository) GetByCode(ctx context.Context, code string) (*domain.Invitation, error) {
	if err := r.check(ctx, OpGet); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.invitations[code]
	if !ok {
		return nil, nil
	}
	cp := *inv
	return &cp, nil
}
