package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/prohmpiriya/school-tenancy/internal/dto"
	"github.com/prohmpiriya/school-tenancy/internal/service"
	"github.com/prohmpiriya/school-tenancy/pkg/middleware"
	"github.com/prohmpiriya/school-tenancy/pkg/response"
)

// IdempotencyKeyHeader lets a caller retry POST /tenants safely
const IdempotencyKeyHeader = "Idempotency-Key"

const provisionFailedMessage = "Failed to create school"

// TenantHandler handles tenant provisioning HTTP requests
type TenantHandler struct {
	provisioningService service.ProvisioningService
}

// NewTenantHandler creates a new TenantHandler
func NewTenantHandler(provisioningService service.ProvisioningService) *TenantHandler {
	return &TenantHandler{provisioningService: provisioningService}
}

// Provision creates a school with its admin
// POST /tenants
func (h *TenantHandler) Provision(c *gin.Context) {
	var req dto.ProvisionTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Write(c, response.BadRequest("Invalid request body"))
		return
	}

	result, err := h.provisioningService.ProvisionTenant(c.Request.Context(), &req, c.GetHeader(IdempotencyKeyHeader))
	if err != nil {
		writeError(c, err, provisionFailedMessage)
		return
	}

	middleware.SetAuditResource(c, "tenant", result.TenantID)
	middleware.SetAuditTenant(c, result.TenantID)
	c.JSON(http.StatusCreated, result)
}
