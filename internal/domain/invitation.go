package domain

import "time"

// Invitation lets a teacher or parent join an existing tenant
type Invitation struct {
	Code      string     `json:"code"`
	TenantID  string     `json:"tenant_id"`
	Role      Role       `json:"role"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Expired reports whether the invitation can no longer be redeemed
func (i *Invitation) Expired(now time.Time) bool {
	return i.ExpiresAt != nil && !now.Before(*i.ExpiresAt)
}
