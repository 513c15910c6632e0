package service

import (
	"context"
	"time"

	"github.com/prohmpiriya/school-tenancy/internal/dto"
	"github.com/prohmpiriya/school-tenancy/internal/provisioning"
	"github.com/prohmpiriya/school-tenancy/pkg/identity"
	pkgredis "github.com/prohmpiriya/school-tenancy/pkg/redis"
)

// ProvisioningService creates schools and their members
type ProvisioningService interface {
	// ProvisionTenant creates a tenant with its admin. idempotencyKey may be empty.
	ProvisionTenant(ctx context.Context, req *dto.ProvisionTenantRequest, idempotencyKey string) (*dto.ProvisionTenantResponse, error)
	// Signup runs the admin saga when school data is given, else joins a
	// teacher or parent to a resolved tenant
	Signup(ctx context.Context, req *dto.SignupRequest) (*dto.SignupResponse, error)
}

// IdentityDirectory is the identity provider's admin surface
type IdentityDirectory interface {
	provisioning.IdentityAdmin
	GetUserByEmail(ctx context.Context, email string) (*identity.User, error)
}

// Locker takes short-lived exclusive locks. Implemented by pkg/redis.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

// IdempotencyStore remembers results by Idempotency-Key. Implemented by pkg/redis.
type IdempotencyStore interface {
	Begin(ctx context.Context, key string, ttl time.Duration) (*pkgredis.IdempotencyRecord, bool, error)
	Complete(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	Abandon(ctx context.Context, key string) error
}
