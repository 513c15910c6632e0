package domain

import "time"

// Role is a member's role inside a tenant
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleTeacher Role = "teacher"
	RoleParent  Role = "parent"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleTeacher, RoleParent:
		return true
	}
	return false
}

// Profile binds an identity to one tenant and role. Keyed by (ID, TenantID).
type Profile struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	Email     string     `json:"email"`
	Role      Role       `json:"role"`
	FirstName string     `json:"first_name,omitempty"`
	LastName  string     `json:"last_name,omitempty"`
	Phone     string     `json:"phone,omitempty"`
	AvatarURL string     `json:"avatar_url,omitempty"`
	IsActive  bool       `json:"is_active"`
	LastLogin *time.Time `json:"last_login,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ProfileUpdate is a partial profile write. Nil fields are left alone.
type ProfileUpdate struct {
	ID        *string    `json:"id,omitempty"`
	TenantID  *string    `json:"tenant_id,omitempty"`
	Email     *string    `json:"email,omitempty"`
	Role      *Role      `json:"role,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	FirstName *string    `json:"first_name,omitempty"`
	LastName  *string    `json:"last_name,omitempty"`
	Phone     *string    `json:"phone,omitempty"`
	AvatarURL *string    `json:"avatar_url,omitempty"`
}

// Sanitized drops identity, membership and creation fields, which members
// may never change themselves
func (u ProfileUpdate) Sanitized() ProfileUpdate {
	u.ID = nil
	u.TenantID = nil
	u.Email = nil
	u.Role = nil
	u.CreatedAt = nil
	return u
}

// IsEmpty reports whether no writable field is set
func (u ProfileUpdate) IsEmpty() bool {
	return u.FirstName == nil && u.LastName == nil && u.Phone == nil && u.AvatarURL == nil
}

// Apply copies the set writable fields onto p
func (u ProfileUpdate) Apply(p *Profile) {
	if u.FirstName != nil {
		p.FirstName = *u.FirstName
	}
	if u.LastName != nil {
		p.LastName = *u.LastName
	}
	if u.Phone != nil {
		p.Phone = *u.Phone
	}
	if u.AvatarURL != nil {
		p.AvatarURL = *u.AvatarURL
	}
}

// Teacher is the role extension row for teachers
type Teacher struct {
	ProfileID      string    `json:"profile_id"`
	TenantID       string    `json:"tenant_id"`
	EmployeeNumber string    `json:"employee_number,omitempty"`
	Subjects       []string  `json:"subjects,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Parent is the role extension row for parents
type Parent struct {
	ProfileID  string    `json:"profile_id"`
	TenantID   string    `json:"tenant_id"`
	Occupation string    `json:"occupation,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
