package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/prohmpiriya/school-tenancy/pkg/identity"
	"github.com/prohmpiriya/school-tenancy/pkg/middleware"
	"github.com/prohmpiriya/school-tenancy/pkg/response"
)

// EmailConfirmer confirms identity emails
type EmailConfirmer interface {
	ConfirmEmail(ctx context.Context, id string) (*identity.User, error)
}

// IdentityHandler exposes identity administration to service callers
type IdentityHandler struct {
	confirmer EmailConfirmer
}

// NewIdentityHandler creates a new IdentityHandler
func NewIdentityHandler(confirmer EmailConfirmer) *IdentityHandler {
	return &IdentityHandler{confirmer: confirmer}
}

// ConfirmEmail lets a member who signed up unconfirmed sign in
// POST /auth/users/:id/confirm
func (h *IdentityHandler) ConfirmEmail(c *gin.Context) {
	id := c.Param("id")
	user, err := h.confirmer.ConfirmEmail(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			response.Write(c, response.NotFound("User not found"))
			return
		}
		writeError(c, err, "Failed to confirm email")
		return
	}

	middleware.SetAuditResource(c, "identity", user.ID)
	middleware.SetAuditTenant(c, user.Claims.TenantID)
	c.JSON(http.StatusOK, gin.H{
		"userId":         user.ID,
		"email":          user.Email,
		"emailConfirmed": user.EmailConfirmed,
	})
}
