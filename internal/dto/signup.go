package dto

import (
	"strings"

	"github.com/prohmpiriya/school-tenancy/internal/apperr"
)

// SchoolData is the tenant part of an admin signup
type SchoolData struct {
	Name             string `json:"name"`
	Address          string `json:"address,omitempty"`
	Phone            string `json:"phone,omitempty"`
	Email            string `json:"email,omitempty"`
	SubscriptionTier string `json:"subscriptionTier,omitempty"`
}

// SignupRequest is the body of POST /auth/signup
type SignupRequest struct {
	Email          string      `json:"email"`
	Password       string      `json:"password"`
	Role           string      `json:"role"`
	FirstName      string      `json:"firstName,omitempty"`
	LastName       string      `json:"lastName,omitempty"`
	InvitationCode string      `json:"invitationCode,omitempty"`
	School         *SchoolData `json:"school,omitempty"`
	// role extension fields
	EmployeeNumber string   `json:"employeeNumber,omitempty"`
	Subjects       []string `json:"subjects,omitempty"`
	Occupation     string   `json:"occupation,omitempty"`
}

type signupPresence struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
	Role     string `json:"role" validate:"required,oneof=admin teacher parent"`
}

// Normalize trims whitespace and lower-cases email and role
func (r *SignupRequest) Normalize() {
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
	r.Role = strings.ToLower(strings.TrimSpace(r.Role))
	r.FirstName = strings.TrimSpace(r.FirstName)
	r.LastName = strings.TrimSpace(r.LastName)
	r.InvitationCode = strings.TrimSpace(r.InvitationCode)
}

// Validate checks the signup in the same order as provisioning. An admin
// signup must carry school data.
func (r *SignupRequest) Validate() error {
	if err := checkStruct(signupPresence{Email: r.Email, Password: r.Password, Role: r.Role}); err != nil {
		return err
	}
	if err := checkCredentials(r.Email, r.Password); err != nil {
		return err
	}
	if r.Role == "admin" && (r.School == nil || strings.TrimSpace(r.School.Name) == "") {
		return apperr.Field("school.name", "is required for admin signup")
	}
	return nil
}

// ToProvisionRequest converts an admin signup into a provisioning request
func (r *SignupRequest) ToProvisionRequest() *ProvisionTenantRequest {
	req := &ProvisionTenantRequest{
		Email:          r.Email,
		Password:       r.Password,
		AdminFirstName: r.FirstName,
		AdminLastName:  r.LastName,
	}
	if r.School != nil {
		req.SchoolName = r.School.Name
		req.SchoolAddress = r.School.Address
		req.SchoolPhone = r.School.Phone
		req.SchoolEmail = r.School.Email
		req.SubscriptionTier = r.School.SubscriptionTier
	}
	return req
}

// SignupResponse is the 201 body of POST /auth/signup
type SignupResponse struct {
	Success  bool   `json:"success"`
	UserID   string `json:"userId"`
	TenantID string `json:"tenantId"`
	Role     string `json:"role"`
}
