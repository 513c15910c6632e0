package dto

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prohmpiriya/school-tenancy/internal/apperr"
)

func intPtr(i int) *int { return &i }

func TestProvisionTenantRequest_Validate(t *testing.T) {
	tests := []struct {
		name      string
		req       ProvisionTenantRequest
		wantField string
	}{
		{"valid", ProvisionTenantRequest{Email: "admin@x.edu", Password: "Passw0rd!", SchoolName: "Lincoln"}, ""},
		{"missing email", ProvisionTenantRequest{Password: "Passw0rd!", SchoolName: "Lincoln"}, "email"},
		{"missing school", ProvisionTenantRequest{Email: "admin@x.edu", Password: "Passw0rd!"}, "schoolName"},
		{"bad email", ProvisionTenantRequest{Email: "not-an-email", Password: "Passw0rd!", SchoolName: "Lincoln"}, "email"},
		{"short password", ProvisionTenantRequest{Email: "a@school.edu", Password: "short", SchoolName: "X"}, "password"},
		{"seven multibyte characters", ProvisionTenantRequest{Email: "a@school.edu", Password: "пароль1", SchoolName: "X"}, "password"},
		{"eight multibyte characters", ProvisionTenantRequest{Email: "a@school.edu", Password: "пароль12", SchoolName: "X"}, ""},
		{"bad tier", ProvisionTenantRequest{Email: "a@x.edu", Password: "Passw0rd!", SchoolName: "X", SubscriptionTier: "gold"}, "subscriptionTier"},
		{"bad limit", ProvisionTenantRequest{Email: "a@x.edu", Password: "Passw0rd!", SchoolName: "X", MaxStudents: intPtr(0)}, "maxStudents"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var verr *apperr.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Contains(t, verr.Details(), tt.wantField)
		})
	}
}

func TestProvisionTenantRequest_PresenceFirst(t *testing.T) {
	// a short password is not reported while required fields are missing
	req := ProvisionTenantRequest{Email: "bad", Password: "short"}
	err := req.Validate()
	var verr *apperr.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, map[string]string{"schoolName": "is required"}, verr.Details())
}

func TestProvisionTenantRequest_Normalize(t *testing.T) {
	req := ProvisionTenantRequest{Email: "  Admin@X.EDU ", SchoolName: " Lincoln ", SubscriptionTier: "Premium"}
	req.Normalize()
	assert.Equal(t, "admin@x.edu", req.Email)
	assert.Equal(t, "Lincoln", req.SchoolName)
	assert.Equal(t, "premium", req.SubscriptionTier)
}

func TestSignupRequest_Validate(t *testing.T) {
	valid := SignupRequest{Email: "t@x.edu", Password: "Passw0rd!", Role: "teacher"}
	assert.NoError(t, valid.Validate())

	badRole := SignupRequest{Email: "t@x.edu", Password: "Passw0rd!", Role: "student"}
	assert.ErrorIs(t, badRole.Validate(), apperr.ErrValidation)

	adminNoSchool := SignupRequest{Email: "a@x.edu", Password: "Passw0rd!", Role: "admin"}
	err := adminNoSchool.Validate()
	var verr *apperr.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Details(), "school.name")

	admin := SignupRequest{Email: "a@x.edu", Password: "Passw0rd!", Role: "admin", FirstName: "Ada", School: &SchoolData{Name: "Lincoln", SubscriptionTier: "basic"}}
	require.NoError(t, admin.Validate())
	p := admin.ToProvisionRequest()
	assert.Equal(t, "Lincoln", p.SchoolName)
	assert.Equal(t, "Ada", p.AdminFirstName)
	assert.Equal(t, "basic", p.SubscriptionTier)
}
