package provisioning

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/prohmpiriya/school-tenancy/internal/repository"
	"github.com/prohmpiriya/school-tenancy/pkg/identity"
	"github.com/prohmpiriya/school-tenancy/pkg/kafka"
	pkgsaga "github.com/prohmpiriya/school-tenancy/pkg/saga"
)

// MockIdentityAdmin wraps a real in-memory identity service with failure injection
type MockIdentityAdmin struct {
	mu           sync.RWMutex
	svc          *identity.Service
	users        *identity.MemoryUserStore
	ShouldFail   bool
	FailureError error
	Deleted      []string
}

func NewMockIdentityAdmin(t *testing.T) *MockIdentityAdmin {
	t.Helper()
	users := identity.NewMemoryUserStore()
	svc, err := identity.NewService(users, identity.NewMemorySessionStore(),
		identity.NewTokenIssuer("test-secret", "test", time.Minute),
		identity.WithPasswordCost(bcrypt.MinCost),
	)
	if err != nil {
		t.Fatalf("failed to create identity service: %v", err)
	}
	return &MockIdentityAdmin{svc: svc, users: users}
}

func (m *MockIdentityAdmin) CreateUser(ctx context.Context, p identity.CreateUserParams) (*identity.User, error) {
	m.mu.RLock()
	fail, failErr := m.ShouldFail, m.FailureError
	m.mu.RUnlock()
	if fail {
		if failErr != nil {
			return nil, failErr
		}
		return nil, errors.New("identity provider unavailable")
	}
	return m.svc.CreateUser(ctx, p)
}

func (m *MockIdentityAdmin) DeleteUser(ctx context.Context, id string) error {
	m.mu.Lock()
	m.Deleted = append(m.Deleted, id)
	m.mu.Unlock()
	return m.svc.DeleteUser(ctx, id)
}

func (m *MockIdentityAdmin) SetFailure(fail bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ShouldFail = fail
	m.FailureError = err
}

type fixture struct {
	tenants   *repository.MemoryTenantRepository
	profiles  *repository.MemoryProfileRepository
	terms     *repository.MemoryTermRepository
	members   *repository.MemoryMemberRepository
	identity  *MockIdentityAdmin
	publisher *kafka.MemoryPublisher
	orch      *pkgsaga.Orchestrator
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		profiles:  repository.NewMemoryProfileRepository(),
		terms:     repository.NewMemoryTermRepository(),
		members:   repository.NewMemoryMemberRepository(),
		identity:  NewMockIdentityAdmin(t),
		publisher: kafka.NewMemoryPublisher(),
	}
	f.tenants = repository.NewMemoryTenantRepository(f.profiles)
	f.orch = pkgsaga.NewOrchestrator(&pkgsaga.OrchestratorConfig{
		IsRetryable:  IsRetryable,
		RedactKeys:   SensitiveKeys,
		RetryBackoff: time.Millisecond,
	})

	tenantDef := NewTenantSagaBuilder(&TenantSagaConfig{
		Tenants:   f.tenants,
		Profiles:  f.profiles,
		Terms:     f.terms,
		Identity:  f.identity,
		Publisher: f.publisher,
		Now:       func() time.Time { return time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC) },
	}).Build()
	if err := f.orch.RegisterDefinition(tenantDef); err != nil {
		t.Fatalf("failed to register tenant saga: %v", err)
	}

	memberDef := NewMemberSagaBuilder(&MemberSagaConfig{
		Profiles:     f.profiles,
		Members:      f.members,
		Identity:     f.identity,
		ConfirmEmail: true,
	}).Build()
	if err := f.orch.RegisterDefinition(memberDef); err != nil {
		t.Fatalf("failed to register member saga: %v", err)
	}
	return f
}
