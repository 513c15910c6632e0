package domain

import (
	"strings"
	"time"
)

// SubscriptionTier is a tenant's plan
type SubscriptionTier string

const (
	TierFree    SubscriptionTier = "free"
	TierBasic   SubscriptionTier = "basic"
	TierPremium SubscriptionTier = "premium"
)

// Valid reports whether t is a known tier
func (t SubscriptionTier) Valid() bool {
	switch t {
	case TierFree, TierBasic, TierPremium:
		return true
	}
	return false
}

// SubscriptionStatus is a tenant's billing state
type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "active"
	StatusInactive  SubscriptionStatus = "inactive"
	StatusSuspended SubscriptionStatus = "suspended"
)

// Tenant represents a school in the multi-tenant system
type Tenant struct {
	ID                 string             `json:"id"`
	Name               string             `json:"name"`
	NameKey            string             `json:"-"` // lower-cased name, unique
	Address            string             `json:"address,omitempty"`
	Phone              string             `json:"phone,omitempty"`
	Email              string             `json:"email,omitempty"`
	SubscriptionTier   SubscriptionTier   `json:"subscription_tier"`
	SubscriptionStatus SubscriptionStatus `json:"subscription_status"`
	MaxStudents        int                `json:"max_students"`
	MaxTeachers        int                `json:"max_teachers"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// IsActive reports whether members of the tenant may bind to it
func (t *Tenant) IsActive() bool {
	return t.SubscriptionStatus == StatusActive
}

// NameKey normalizes a school name for case-insensitive uniqueness
func NameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
