// Package provisioning holds the saga definitions that create tenants and
// their members.
package provisioning

import (
	"context"
	"errors"

	"github.com/prohmpiriya/school-tenancy/internal/apperr"
	"github.com/prohmpiriya/school-tenancy/pkg/identity"
)

// IdentityAdmin is the part of the identity provider the sagas need
type IdentityAdmin interface {
	CreateUser(ctx context.Context, params identity.CreateUserParams) (*identity.User, error)
	DeleteUser(ctx context.Context, id string) error
}

// SensitiveKeys are saga data keys never written to the saga store
var SensitiveKeys = []string{"password"}

// IsRetryable reports whether a failed step attempt may run again.
// Uniqueness conflicts and cancellations are final.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, apperr.ErrConflict) {
		return false
	}
	return true
}

func getString(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}

func getInt(m map[string]interface{}, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func getStrings(m map[string]interface{}, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
