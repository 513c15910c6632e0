package service

import (
	"context"
	"fmt"
	"time"

	"github.com/prohmpiriya/school-tenancy/internal/apperr"
	"github.com/prohmpiriya/school-tenancy/internal/domain"
	"github.com/prohmpiriya/school-tenancy/internal/dto"
)

// TenantResolver picks the tenant a teacher or parent signup joins
type TenantResolver interface {
	ResolveTenant(ctx context.Context, req *dto.SignupRequest) (string, error)
}

// DefaultTenantResolver attaches every member to one configured tenant
type DefaultTenantResolver struct {
	TenantID string
}

// ResolveTenant returns the configured tenant
func (r *DefaultTenantResolver) ResolveTenant(ctx context.Context, req *dto.SignupRequest) (string, error) {
	if r.TenantID == "" {
		return "", apperr.Field("invitationCode", "is required")
	}
	return r.TenantID, nil
}

// InvitationLookup finds invitations by code
type InvitationLookup interface {
	GetByCode(ctx context.Context, code string) (*domain.Invitation, error)
}

// InvitationResolver redeems an invitation code. When the request carries
// no code and Fallback is set, Fallback decides.
type InvitationResolver struct {
	Invitations InvitationLookup
	Fallback    TenantResolver
	Now         func() time.Time
}

// ResolveTenant maps the invitation code to its tenant
func (r *InvitationResolver) ResolveTenant(ctx context.Context, req *dto.SignupRequest) (string, error) {
	if req.InvitationCode == "" {
		if r.Fallback != nil {
			return r.Fallback.ResolveTenant(ctx, req)
		}
		return "", apperr.Field("invitationCode", "is required")
	}

	inv, err := r.Invitations.GetByCode(ctx, req.InvitationCode)
	if err != nil {
		return "", fmt.Errorf("failed to look up invitation: %w", err)
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	if inv == nil || inv.Expired(now()) {
		return "", apperr.Field("invitationCode", "is invalid or expired")
	}
	if string(inv.Role) != req.Role {
		return "", apperr.Field("role", "does not match the invitation")
	}
	return inv.TenantID, nil
}
