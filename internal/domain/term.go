package domain

import (
	"fmt"
	"time"
)

// AcademicTerm is a dated term of a tenant's school year
type AcademicTerm struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Name         string    `json:"name"`
	StartDate    time.Time `json:"start_date"`
	EndDate      time.Time `json:"end_date"`
	IsCurrent    bool      `json:"is_current"`
	AcademicYear string    `json:"academic_year"`
	CreatedAt    time.Time `json:"created_at"`
}

// DefaultTerm returns the term created with a new tenant: Fall of year,
// September 1 through June 30 of the next year
func DefaultTerm(tenantID string, year int) *AcademicTerm {
	return &AcademicTerm{
		TenantID:     tenantID,
		Name:         fmt.Sprintf("Fall %d", year),
		StartDate:    time.Date(year, time.September, 1, 0, 0, 0, 0, time.UTC),
		EndDate:      time.Date(year+1, time.June, 30, 0, 0, 0, 0, time.UTC),
		IsCurrent:    true,
		AcademicYear: fmt.Sprintf("%d-%d", year, year+1),
	}
}
