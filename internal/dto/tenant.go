package dto

import "strings"

// ProvisionTenantRequest is the body of POST /tenants
type ProvisionTenantRequest struct {
	Email            string `json:"email"`
	Password         string `json:"password"`
	SchoolName       string `json:"schoolName"`
	SchoolAddress    string `json:"schoolAddress,omitempty"`
	SchoolPhone      string `json:"schoolPhone,omitempty"`
	SchoolEmail      string `json:"schoolEmail,omitempty"`
	AdminFirstName   string `json:"adminFirstName,omitempty"`
	AdminLastName    string `json:"adminLastName,omitempty"`
	SubscriptionTier string `json:"subscriptionTier,omitempty"`
	MaxStudents      *int   `json:"maxStudents,omitempty"`
	MaxTeachers      *int   `json:"maxTeachers,omitempty"`
}

// presence is checked first and on its own
type provisionPresence struct {
	Email      string `json:"email" validate:"required"`
	Password   string `json:"password" validate:"required"`
	SchoolName string `json:"schoolName" validate:"required"`
}

type provisionOptions struct {
	SubscriptionTier string `json:"subscriptionTier" validate:"omitempty,oneof=free basic premium"`
	SchoolEmail      string `json:"schoolEmail" validate:"omitempty,email"`
	MaxStudents      *int   `json:"maxStudents" validate:"omitempty,min=1"`
	MaxTeachers      *int   `json:"maxTeachers" validate:"omitempty,min=1"`
}

// Normalize trims whitespace and lower-cases the admin email
func (r *ProvisionTenantRequest) Normalize() {
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
	r.SchoolName = strings.TrimSpace(r.SchoolName)
	r.SchoolEmail = strings.TrimSpace(r.SchoolEmail)
	r.AdminFirstName = strings.TrimSpace(r.AdminFirstName)
	r.AdminLastName = strings.TrimSpace(r.AdminLastName)
	r.SubscriptionTier = strings.ToLower(strings.TrimSpace(r.SubscriptionTier))
}

// Validate checks presence, then email format, then password length, then
// the optional fields. The first failing group is returned.
func (r *ProvisionTenantRequest) Validate() error {
	if err := checkStruct(provisionPresence{Email: r.Email, Password: r.Password, SchoolName: r.SchoolName}); err != nil {
		return err
	}
	if err := checkCredentials(r.Email, r.Password); err != nil {
		return err
	}
	if err := checkStruct(provisionOptions{
		SubscriptionTier: r.SubscriptionTier,
		SchoolEmail:      r.SchoolEmail,
		MaxStudents:      r.MaxStudents,
		MaxTeachers:      r.MaxTeachers,
	}); err != nil {
		return err
	}
	return nil
}

// ProvisionTenantResponse is the 201 body of POST /tenants
type ProvisionTenantResponse struct {
	Success  bool   `json:"success"`
	TenantID string `json:"tenantId"`
	UserID   string `json:"userId"`
}
