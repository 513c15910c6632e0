package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowOrigins     []string
	AllowMethods     []string
	AllowHeaders     []string
	ExposeHeaders    []string
	AllowCredentials bool
	MaxAge           int // seconds
}

// DefaultCORSConfig returns the configuration used by the signup endpoint
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{
			"Origin",
			"Content-Type",
			"Accept",
			"Authorization",
			"Idempotency-Key",
			"X-Request-ID",
		},
		ExposeHeaders:    []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           86400,
	}
}

// CORS answers preflights and decorates responses for allowed origins.
// Requests from other origins pass through without CORS headers.
func CORS(config CORSConfig) gin.HandlerFunc {
	origins := make(map[string]bool, len(config.AllowOrigins))
	for _, o := range config.AllowOrigins {
		origins[o] = true
	}
	anyOrigin := len(origins) == 0 || origins["*"]

	static := map[string]string{
		"Vary":                          "Origin",
		"Access-Control-Allow-Methods":  strings.Join(config.AllowMethods, ", "),
		"Access-Control-Allow-Headers":  strings.Join(config.AllowHeaders, ", "),
		"Access-Control-Expose-Headers": strings.Join(config.ExposeHeaders, ", "),
	}
	if config.AllowCredentials {
		static["Access-Control-Allow-Credentials"] = "true"
	}
	if config.MaxAge > 0 {
		static["Access-Control-Max-Age"] = strconv.Itoa(config.MaxAge)
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" || !(anyOrigin || origins[origin]) {
			return
		}

		// credentials require the concrete origin, never "*"
		c.Header("Access-Control-Allow-Origin", origin)
		for k, v := range static {
			c.Header(k, v)
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
		}
	}
}
