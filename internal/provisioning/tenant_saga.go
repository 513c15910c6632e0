package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/prohmpiriya/school-tenancy/internal/apperr"
	"github.com/prohmpiriya/school-tenancy/internal/domain"
	"github.com/prohmpiriya/school-tenancy/internal/repository"
	"github.com/prohmpiriya/school-tenancy/pkg/identity"
	"github.com/prohmpiriya/school-tenancy/pkg/kafka"
	pkgsaga "github.com/prohmpiriya/school-tenancy/pkg/saga"
)

const (
	// TenantSagaName is the name of the tenant provisioning saga
	TenantSagaName = "tenant-provisioning"

	StepCreateTenant   = "create-tenant"
	StepCreateIdentity = "create-identity"
	StepCreateProfile  = "create-profile"
	StepCreateTerm     = "create-default-term"
	StepPublishEvent   = "publish-tenant-provisioned"

	// EventTenantProvisioned is the event type published after provisioning
	EventTenantProvisioned = "tenant.provisioned"
)

// TenantSagaData is the data passed through the provisioning saga
type TenantSagaData struct {
	// Input data
	Email            string `json:"email"`
	Password         string `json:"password"`
	SchoolName       string `json:"school_name"`
	SchoolAddress    string `json:"school_address,omitempty"`
	SchoolPhone      string `json:"school_phone,omitempty"`
	SchoolEmail      string `json:"school_email,omitempty"`
	FirstName        string `json:"first_name,omitempty"`
	LastName         string `json:"last_name,omitempty"`
	SubscriptionTier string `json:"subscription_tier"`
	MaxStudents      int    `json:"max_students"`
	MaxTeachers      int    `json:"max_teachers"`
	IdempotencyKey   string `json:"idempotency_key,omitempty"`

	// Step outputs
	TenantID string `json:"tenant_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// ToMap converts TenantSagaData to saga data
func (d *TenantSagaData) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"email":             d.Email,
		"password":          d.Password,
		"school_name":       d.SchoolName,
		"school_address":    d.SchoolAddress,
		"school_phone":      d.SchoolPhone,
		"school_email":      d.SchoolEmail,
		"first_name":        d.FirstName,
		"last_name":         d.LastName,
		"subscription_tier": d.SubscriptionTier,
		"max_students":      d.MaxStudents,
		"max_teachers":      d.MaxTeachers,
		"idempotency_key":   d.IdempotencyKey,
		"tenant_id":         d.TenantID,
		"user_id":           d.UserID,
	}
}

// FromMap populates TenantSagaData from saga data
func (d *TenantSagaData) FromMap(m map[string]interface{}) {
	d.Email = getString(m, "email")
	d.Password = getString(m, "password")
	d.SchoolName = getString(m, "school_name")
	d.SchoolAddress = getString(m, "school_address")
	d.SchoolPhone = getString(m, "school_phone")
	d.SchoolEmail = getString(m, "school_email")
	d.FirstName = getString(m, "first_name")
	d.LastName = getString(m, "last_name")
	d.SubscriptionTier = getString(m, "subscription_tier")
	d.MaxStudents = getInt(m, "max_students")
	d.MaxTeachers = getInt(m, "max_teachers")
	d.IdempotencyKey = getString(m, "idempotency_key")
	d.TenantID = getString(m, "tenant_id")
	d.UserID = getString(m, "user_id")
}

// TenantProvisionedEvent is published once a tenant and its admin exist
type TenantProvisionedEvent struct {
	Type          string    `json:"type"`
	TenantID      string    `json:"tenant_id"`
	AdminUserID   string    `json:"admin_user_id"`
	SchoolName    string    `json:"school_name"`
	Tier          string    `json:"subscription_tier"`
	ProvisionedAt time.Time `json:"provisioned_at"`
}

// TenantSagaConfig holds configuration for the provisioning saga
type TenantSagaConfig struct {
	Tenants   repository.TenantRepository
	Profiles  repository.ProfileRepository
	Terms     repository.TermRepository
	Identity  IdentityAdmin
	Publisher kafka.Publisher
	Topic     string

	StepTimeout time.Duration
	// Now is the clock used for timestamps and the default term year
	Now func() time.Time
}

// TenantSagaBuilder creates the provisioning saga definition
type TenantSagaBuilder struct {
	config *TenantSagaConfig
}

// NewTenantSagaBuilder creates a new provisioning saga builder
func NewTenantSagaBuilder(config *TenantSagaConfig) *TenantSagaBuilder {
	if config.StepTimeout == 0 {
		config.StepTimeout = 10 * time.Second
	}
	if config.Topic == "" {
		config.Topic = EventTenantProvisioned
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &TenantSagaBuilder{config: config}
}

// Build creates the provisioning saga definition. Steps 1-3 are compensated
// in reverse on failure; the term and the event are best-effort.
func (b *TenantSagaBuilder) Build() *pkgsaga.Definition {
	def := pkgsaga.NewDefinition(TenantSagaName, "Create a school, its admin identity and admin profile")

	def.AddStep(&pkgsaga.Step{
		Name:        StepCreateTenant,
		Description: "Insert the tenant row",
		Execute:     b.createTenantExecute,
		Compensate:  b.createTenantCompensate,
		Timeout:     b.config.StepTimeout,
	})

	def.AddStep(&pkgsaga.Step{
		Name:        StepCreateIdentity,
		Description: "Create the pre-confirmed admin identity with tenant claims",
		Execute:     b.createIdentityExecute,
		Compensate:  b.createIdentityCompensate,
		Timeout:     b.config.StepTimeout,
	})

	def.AddStep(&pkgsaga.Step{
		Name:        StepCreateProfile,
		Description: "Insert the admin profile",
		Execute:     b.createProfileExecute,
		Compensate:  b.createProfileCompensate,
		Timeout:     b.config.StepTimeout,
	})

	def.AddStep(&pkgsaga.Step{
		Name:        StepCreateTerm,
		Description: "Insert the default academic term",
		Execute:     b.createTermExecute,
		Timeout:     b.config.StepTimeout,
		Retries:     1,
		BestEffort:  true,
	})

	def.AddStep(&pkgsaga.Step{
		Name:        StepPublishEvent,
		Description: "Publish tenant.provisioned",
		Execute:     b.publishEventExecute,
		Timeout:     b.config.StepTimeout,
		Retries:     1,
		BestEffort:  true,
	})

	return def
}

// Step 1: Create Tenant - Execute
func (b *TenantSagaBuilder) createTenantExecute(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
	sagaData := &TenantSagaData{}
	sagaData.FromMap(data)

	now := b.config.Now()
	tenant := &domain.Tenant{
		ID:                 uuid.New().String(),
		Name:               sagaData.SchoolName,
		Address:            sagaData.SchoolAddress,
		Phone:              sagaData.SchoolPhone,
		Email:              sagaData.SchoolEmail,
		SubscriptionTier:   domain.SubscriptionTier(sagaData.SubscriptionTier),
		SubscriptionStatus: domain.StatusActive,
		MaxStudents:        sagaData.MaxStudents,
		MaxTeachers:        sagaData.MaxTeachers,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if tenant.SubscriptionTier == "" {
		tenant.SubscriptionTier = domain.TierFree
	}

	if err := b.config.Tenants.Create(ctx, tenant); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, apperr.NewConflictError("schoolName", "school name taken")
		}
		return nil, fmt.Errorf("failed to create tenant: %w", err)
	}

	return map[string]interface{}{
		"tenant_id":         tenant.ID,
		"subscription_tier": string(tenant.SubscriptionTier),
	}, nil
}

// Step 1: Create Tenant - Compensate (Delete)
func (b *TenantSagaBuilder) createTenantCompensate(ctx context.Context, data map[string]interface{}) error {
	tenantID := getString(data, "tenant_id")
	if tenantID == "" {
		return nil
	}
	if err := b.config.Tenants.Delete(ctx, tenantID); err != nil {
		return fmt.Errorf("failed to delete tenant %s: %w", tenantID, err)
	}
	return nil
}

// Step 2: Create Identity - Execute
func (b *TenantSagaBuilder) createIdentityExecute(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
	sagaData := &TenantSagaData{}
	sagaData.FromMap(data)

	user, err := b.config.Identity.CreateUser(ctx, identity.CreateUserParams{
		Email:          sagaData.Email,
		Password:       sagaData.Password,
		EmailConfirmed: true,
		Claims: identity.Claims{
			TenantID:  sagaData.TenantID,
			Role:      identity.RoleAdmin,
			FirstName: sagaData.FirstName,
			LastName:  sagaData.LastName,
		},
	})
	if err != nil {
		if errors.Is(err, identity.ErrEmailTaken) {
			return nil, apperr.NewConflictError("email", "email taken")
		}
		return nil, fmt.Errorf("failed to create identity: %w", err)
	}

	return map[string]interface{}{
		"user_id": user.ID,
	}, nil
}

// Step 2: Create Identity - Compensate (Delete)
func (b *TenantSagaBuilder) createIdentityCompensate(ctx context.Context, data map[string]interface{}) error {
	userID := getString(data, "user_id")
	if userID == "" {
		return nil
	}
	if err := b.config.Identity.DeleteUser(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete identity %s: %w", userID, err)
	}
	return nil
}

// Step 3: Create Profile - Execute
func (b *TenantSagaBuilder) createProfileExecute(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
	sagaData := &TenantSagaData{}
	sagaData.FromMap(data)

	now := b.config.Now()
	profile := &domain.Profile{
		ID:        sagaData.UserID,
		TenantID:  sagaData.TenantID,
		Email:     sagaData.Email,
		Role:      domain.RoleAdmin,
		FirstName: sagaData.FirstName,
		LastName:  sagaData.LastName,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := b.config.Profiles.Create(ctx, profile); err != nil {
		return nil, fmt.Errorf("failed to create admin profile: %w", err)
	}
	return nil, nil
}

// Step 3: Create Profile - Compensate (Delete)
func (b *TenantSagaBuilder) createProfileCompensate(ctx context.Context, data map[string]interface{}) error {
	return b.config.Profiles.Delete(ctx, getString(data, "tenant_id"), getString(data, "user_id"))
}

// Step 4: Create Default Term - Execute
func (b *TenantSagaBuilder) createTermExecute(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
	if b.config.Terms == nil {
		return nil, nil
	}
	tenantID := getString(data, "tenant_id")

	now := b.config.Now()
	term := domain.DefaultTerm(tenantID, now.Year())
	term.ID = uuid.New().String()
	term.CreatedAt = now

	if err := b.config.Terms.Create(ctx, term); err != nil {
		return nil, fmt.Errorf("failed to create default term: %w", err)
	}
	return map[string]interface{}{
		"term_id": term.ID,
	}, nil
}

// Step 5: Publish Event - Execute
func (b *TenantSagaBuilder) publishEventExecute(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
	if b.config.Publisher == nil {
		// Events are optional, succeed if not configured
		return nil, nil
	}
	sagaData := &TenantSagaData{}
	sagaData.FromMap(data)

	event := &TenantProvisionedEvent{
		Type:          EventTenantProvisioned,
		TenantID:      sagaData.TenantID,
		AdminUserID:   sagaData.UserID,
		SchoolName:    sagaData.SchoolName,
		Tier:          sagaData.SubscriptionTier,
		ProvisionedAt: b.config.Now(),
	}
	err := b.config.Publisher.Publish(ctx, &kafka.Message{
		Topic:   b.config.Topic,
		Key:     sagaData.TenantID,
		Value:   event,
		Headers: map[string]string{"event_type": EventTenantProvisioned},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to publish %s: %w", EventTenantProvisioned, err)
	}
	return nil, nil
}
