package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/prohmpiriya/school-tenancy/pkg/identity"
	"github.com/prohmpiriya/school-tenancy/pkg/logger"
	"github.com/prohmpiriya/school-tenancy/pkg/response"
)

var (
	ErrMissingAuthHeader = errors.New("missing authorization header")
	ErrInvalidAuthFormat = errors.New("invalid authorization header format")
)

const contextKeyCaller = "caller"

// Caller is the verified principal of a request
type Caller struct {
	UserID   string
	Email    string
	Role     string
	TenantID string
}

// JWTConfig holds configuration for JWT middleware
type JWTConfig struct {
	// Secret validates HS256 signatures. Service and user tokens use different secrets.
	Secret string
	// Issuer, when set, must match the iss claim
	Issuer    string
	SkipPaths []string
}

// JWTMiddleware verifies the bearer token and stores its Caller on the
// context. It does not call c.Next.
func JWTMiddleware(config *JWTConfig) gin.HandlerFunc {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}
	parser := jwt.NewParser(opts...)
	key := []byte(config.Secret)
	skip := make(map[string]bool, len(config.SkipPaths))
	for _, p := range config.SkipPaths {
		skip[p] = true
	}

	return func(c *gin.Context) {
		if skip[c.Request.URL.Path] {
			return
		}

		raw, err := bearerToken(c.GetHeader("Authorization"))
		if err != nil {
			response.Abort(c, response.Unauthorized(""))
			return
		}

		claims := &identity.AccessClaims{}
		if _, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
			return key, nil
		}); err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				response.Abort(c, response.Error(response.ErrCodeTokenExpired, "Access token has expired"))
				return
			}
			response.Abort(c, response.Error(response.ErrCodeInvalidToken, "Invalid access token"))
			return
		}
		if claims.Subject == "" {
			response.Abort(c, response.Error(response.ErrCodeInvalidToken, "Missing subject in token"))
			return
		}

		c.Set(contextKeyCaller, &Caller{
			UserID:   claims.Subject,
			Email:    claims.Email,
			Role:     claims.Role,
			TenantID: claims.TenantID,
		})
		if claims.TenantID != "" {
			c.Request = c.Request.WithContext(logger.ContextWithTenant(c.Request.Context(), claims.TenantID))
		}
	}
}

// ServiceAuth accepts only service_role tokens signed with the service secret
func ServiceAuth(secret string) gin.HandlerFunc {
	return chain(JWTMiddleware(&JWTConfig{Secret: secret}), RequireRole(identity.RoleServiceRole))
}

func chain(handlers ...gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, h := range handlers {
			if h(c); c.IsAborted() {
				return
			}
		}
	}
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingAuthHeader
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", ErrInvalidAuthFormat
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", ErrInvalidAuthFormat
	}
	return token, nil
}

// RequireRole lets the request through only for one of roles
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := GetCaller(c)
		if !ok {
			response.Abort(c, response.Unauthorized("User not authenticated"))
			return
		}
		for _, r := range roles {
			if caller.Role == r {
				return
			}
		}
		response.Abort(c, response.Forbidden("Insufficient permissions"))
	}
}

// GetCaller returns the principal set by JWTMiddleware
func GetCaller(c *gin.Context) (*Caller, bool) {
	v, ok := c.Get(contextKeyCaller)
	if !ok {
		return nil, false
	}
	caller, ok := v.(*Caller)
	return caller, ok && caller != nil
}

func GetUserID(c *gin.Context) (string, bool) {
	caller, ok := GetCaller(c)
	if !ok {
		return "", false
	}
	return caller.UserID, true
}

func GetRole(c *gin.Context) (string, bool) {
	caller, ok := GetCaller(c)
	if !ok {
		return "", false
	}
	return caller.Role, true
}

func GetTenantID(c *gin.Context) (string, bool) {
	caller, ok := GetCaller(c)
	if !ok {
		return "", false
	}
	return caller.TenantID, true
}

func getString(c *gin.Context, key string) (string, bool) {
	v, exists := c.Get(key)
	if !exists {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
