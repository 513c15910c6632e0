package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/prohmpiriya/school-tenancy/internal/dto"
	"github.com/prohmpiriya/school-tenancy/internal/service"
	"github.com/prohmpiriya/school-tenancy/pkg/middleware"
	"github.com/prohmpiriya/school-tenancy/pkg/response"
)

// AuthHandler handles public signup
type AuthHandler struct {
	provisioningService service.ProvisioningService
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(provisioningService service.ProvisioningService) *AuthHandler {
	return &AuthHandler{provisioningService: provisioningService}
}

// Signup registers an admin with a new school, or a teacher or parent
// with an existing one
// POST /auth/signup
func (h *AuthHandler) Signup(c *gin.Context) {
	var req dto.SignupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Write(c, response.BadRequest("Invalid request body"))
		return
	}

	result, err := h.provisioningService.Signup(c.Request.Context(), &req)
	if err != nil {
		msg := "Failed to create account"
		if req.Role == "admin" {
			msg = provisionFailedMessage
		}
		writeError(c, err, msg)
		return
	}

	middleware.SetAuditResource(c, "profile", result.UserID)
	middleware.SetAuditTenant(c, result.TenantID)
	c.JSON(http.StatusCreated, result)
}
