package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prohmpiriya/school-tenancy/internal/apperr"
	"github.com/prohmpiriya/school-tenancy/internal/domain"
	"github.com/prohmpiriya/school-tenancy/internal/repository"
	"github.com/prohmpiriya/school-tenancy/pkg/identity"
	pkgsaga "github.com/prohmpiriya/school-tenancy/pkg/saga"
)

const (
	// MemberSagaName is the name of the teacher/parent signup saga
	MemberSagaName = "member-signup"

	StepCreateMemberIdentity = "create-member-identity"
	StepCreateMemberProfile  = "create-member-profile"
	StepCreateRoleExtension  = "create-role-extension"
)

// MemberSagaData is the data passed through the member signup saga
type MemberSagaData struct {
	Email          string   `json:"email"`
	Password       string   `json:"password"`
	Role           string   `json:"role"`
	TenantID       string   `json:"tenant_id"`
	FirstName      string   `json:"first_name,omitempty"`
	LastName       string   `json:"last_name,omitempty"`
	EmployeeNumber string   `json:"employee_number,omitempty"`
	Subjects       []string `json:"subjects,omitempty"`
	Occupation     string   `json:"occupation,omitempty"`

	// Step outputs
	UserID string `json:"user_id,omitempty"`
}

// ToMap converts MemberSagaData to saga data
func (d *MemberSagaData) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"email":           d.Email,
		"password":        d.Password,
		"role":            d.Role,
		"tenant_id":       d.TenantID,
		"first_name":      d.FirstName,
		"last_name":       d.LastName,
		"employee_number": d.EmployeeNumber,
		"subjects":        d.Subjects,
		"occupation":      d.Occupation,
		"user_id":         d.UserID,
	}
}

// FromMap populates MemberSagaData from saga data
func (d *MemberSagaData) FromMap(m map[string]interface{}) {
	d.Email = getString(m, "email")
	d.Password = getString(m, "password")
	d.Role = getString(m, "role")
	d.TenantID = getString(m, "tenant_id")
	d.FirstName = getString(m, "first_name")
	d.LastName = getString(m, "last_name")
	d.EmployeeNumber = getString(m, "employee_number")
	d.Subjects = getStrings(m, "subjects")
	d.Occupation = getString(m, "occupation")
	d.UserID = getString(m, "user_id")
}

// MemberSagaConfig holds configuration for the member signup saga
type MemberSagaConfig struct {
	Profiles repository.ProfileRepository
	Members  repository.MemberRepository
	Identity IdentityAdmin
	// ConfirmEmail creates the identity already confirmed
	ConfirmEmail bool
	StepTimeout  time.Duration
	Now          func() time.Time
}

// MemberSagaBuilder creates the member signup saga definition
type MemberSagaBuilder struct {
	config *MemberSagaConfig
}

// NewMemberSagaBuilder creates a new member signup saga builder
func NewMemberSagaBuilder(config *MemberSagaConfig) *MemberSagaBuilder {
	if config.StepTimeout == 0 {
		config.StepTimeout = 10 * time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &MemberSagaBuilder{config: config}
}

// Build creates the member signup saga definition
func (b *MemberSagaBuilder) Build() *pkgsaga.Definition {
	def := pkgsaga.NewDefinition(MemberSagaName, "Join a teacher or parent to an existing school")

	def.AddStep(&pkgsaga.Step{
		Name:        StepCreateMemberIdentity,
		Description: "Create the identity with tenant claims",
		Execute:     b.createIdentityExecute,
		Compensate:  b.createIdentityCompensate,
		Timeout:     b.config.StepTimeout,
	})

	def.AddStep(&pkgsaga.Step{
		Name:        StepCreateMemberProfile,
		Description: "Insert the member profile",
		Execute:     b.createProfileExecute,
		Timeout:     b.config.StepTimeout,
	})

	def.AddStep(&pkgsaga.Step{
		Name:        StepCreateRoleExtension,
		Description: "Insert the teacher or parent row",
		Execute:     b.createExtensionExecute,
		Timeout:     b.config.StepTimeout,
		Retries:     1,
		BestEffort:  true,
	})

	return def
}

func (b *MemberSagaBuilder) createIdentityExecute(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
	sagaData := &MemberSagaData{}
	sagaData.FromMap(data)

	user, err := b.config.Identity.CreateUser(ctx, identity.CreateUserParams{
		Email:          sagaData.Email,
		Password:       sagaData.Password,
		EmailConfirmed: b.config.ConfirmEmail,
		Claims: identity.Claims{
			TenantID:  sagaData.TenantID,
			Role:      sagaData.Role,
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

func (b *MemberSagaBuilder) createIdentityCompensate(ctx context.Context, data map[string]interface{}) error {
	userID := getString(data, "user_id")
	if userID == "" {
		return nil
	}
	return b.config.Identity.DeleteUser(ctx, userID)
}

func (b *MemberSagaBuilder) createProfileExecute(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
	sagaData := &MemberSagaData{}
	sagaData.FromMap(data)

	now := b.config.Now()
	profile := &domain.Profile{
		ID:        sagaData.UserID,
		TenantID:  sagaData.TenantID,
		Email:     sagaData.Email,
		Role:      domain.Role(sagaData.Role),
		FirstName: sagaData.FirstName,
		LastName:  sagaData.LastName,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := b.config.Profiles.Create(ctx, profile); err != nil {
		return nil, fmt.Errorf("failed to create member profile: %w", err)
	}
	return nil, nil
}

func (b *MemberSagaBuilder) createExtensionExecute(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
	if b.config.Members == nil {
		return nil, nil
	}
	sagaData := &MemberSagaData{}
	sagaData.FromMap(data)
	now := b.config.Now()

	var err error
	switch domain.Role(sagaData.Role) {
	case domain.RoleTeacher:
		err = b.config.Members.CreateTeacher(ctx, &domain.Teacher{
			ProfileID:      sagaData.UserID,
			TenantID:       sagaData.TenantID,
			EmployeeNumber: sagaData.EmployeeNumber,
			Subjects:       sagaData.Subjects,
			CreatedAt:      now,
		})
	case domain.RoleParent:
		err = b.config.Members.CreateParent(ctx, &domain.Parent{
			ProfileID:  sagaData.UserID,
			TenantID:   sagaData.TenantID,
			Occupation: sagaData.Occupation,
			CreatedAt:  now,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s row: %w", sagaData.Role, err)
	}
	return nil, nil
}
