package repository

import (
	"context"
	"errors"
	"time"

	"github.com/prohmpiriya/school-tenancy/internal/domain"
)

var (
	// ErrDuplicate is returned when a unique constraint rejects a write
	ErrDuplicate = errors.New("duplicate record")
	// ErrNotFound is returned by writes that matched no row
	ErrNotFound = errors.New("record not found")
)

// Lookups return (nil, nil) when nothing matches.

// TenantRepository defines the interface for tenant data access
type TenantRepository interface {
	// Create inserts a tenant. A name clash (case-insensitive) returns ErrDuplicate.
	Create(ctx context.Context, tenant *domain.Tenant) error
	GetByID(ctx context.Context, tenantID string) (*domain.Tenant, error)
	// GetActive returns the tenant only when its subscription is active
	GetActive(ctx context.Context, tenantID string) (*domain.Tenant, error)
	ExistsByName(ctx context.Context, name string) (bool, error)
	Delete(ctx context.Context, tenantID string) error
	// ListWithoutProfiles returns tenants created before t that nobody belongs to
	ListWithoutProfiles(ctx context.Context, createdBefore time.Time, limit int) ([]*domain.Tenant, error)
}

// ProfileRepository is tenant-scoped: every method names the tenant
type ProfileRepository interface {
	// Create inserts a profile. An existing (id, tenantId) returns ErrDuplicate.
	Create(ctx context.Context, profile *domain.Profile) error
	Get(ctx context.Context, tenantID, id string) (*domain.Profile, error)
	// GetActive returns the profile only when isActive is set
	GetActive(ctx context.Context, tenantID, id string) (*domain.Profile, error)
	Update(ctx context.Context, tenantID, id string, update domain.ProfileUpdate) error
	TouchLastLogin(ctx context.Context, tenantID, id string, at time.Time) error
	Delete(ctx context.Context, tenantID, id string) error
}

// ProfileLookup finds an identity's profiles across tenants. It is used to
// pick a binding and by the orphan sweep, never for tenant data access.
type ProfileLookup interface {
	ListByIdentity(ctx context.Context, identityID string) ([]*domain.Profile, error)
}

// TermRepository stores academic terms
type TermRepository interface {
	Create(ctx context.Context, term *domain.AcademicTerm) error
	ListByTenant(ctx context.Context, tenantID string) ([]*domain.AcademicTerm, error)
	DeleteByTenant(ctx context.Context, tenantID string) error
}

// MemberRepository stores teacher and parent extension rows
type MemberRepository interface {
	CreateTeacher(ctx context.Context, teacher *domain.Teacher) error
	GetTeacher(ctx context.Context, tenantID, profileID string) (*domain.Teacher, error)
	CreateParent(ctx context.Context, parent *domain.Parent) error
	GetParent(ctx context.Context, tenantID, profileID string) (*domain.Parent, error)
}

// InvitationRepository resolves invitation codes
type InvitationRepository interface {
	Create(ctx context.Context, invitation *domain.Invitation) error
	GetByCode(ctx context.Context, code string) (*domain.Invitation, error)
}
