package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/prohmpiriya/school-tenancy/pkg/middleware"
)

// RouterConfig holds what the routes need beyond the handlers
type RouterConfig struct {
	Tenant *TenantHandler
	Auth   *AuthHandler
	Health *HealthHandler
	// Identity serves email confirmation. Optional.
	Identity *IdentityHandler
	// ServiceSecret verifies the privileged tokens on POST /tenants and
	// POST /auth/users/:id/confirm
	ServiceSecret string
	// SignupLimiter guards the public signup endpoint. Optional.
	SignupLimiter gin.HandlerFunc
	// Audit wraps state-changing requests. Optional.
	Audit *middleware.AuditLogger
	CORS  *middleware.CORSConfig
}

// RegisterRoutes mounts every endpoint on r
func RegisterRoutes(r *gin.Engine, cfg *RouterConfig) {
	r.Use(middleware.RequestID())
	if cfg.CORS != nil {
		r.Use(middleware.CORS(*cfg.CORS))
	}
	if cfg.Audit != nil {
		r.Use(middleware.AuditMiddleware(cfg.Audit))
	}

	if cfg.Health != nil {
		r.GET("/health", cfg.Health.Health)
		r.GET("/ready", cfg.Health.Ready)
	}

	r.POST("/tenants", middleware.ServiceAuth(cfg.ServiceSecret), cfg.Tenant.Provision)

	signup := []gin.HandlerFunc{}
	if cfg.SignupLimiter != nil {
		signup = append(signup, cfg.SignupLimiter)
	}
	signup = append(signup, cfg.Auth.Signup)
	r.POST("/auth/signup", signup...)

	if cfg.Identity != nil {
		r.POST("/auth/users/:id/confirm", middleware.ServiceAuth(cfg.ServiceSecret), cfg.Identity.ConfirmEmail)
	}
}
