package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupAuditRouter(t *testing.T) (*gin.Engine, *AuditLogger, *MemoryAuditSink) {
	t.Helper()
	sink := &MemoryAuditSink{}
	cfg := DefaultAuditConfig(sink)
	cfg.FlushInterval = 10 * time.Millisecond
	al := NewAuditLogger(cfg)

	router := gin.New()
	router.Use(AuditMiddleware(al))
	router.POST("/tenants", func(c *gin.Context) {
		body, _ := io.ReadAll(c.Request.Body)
		if !strings.Contains(string(body), "Passw0rd!") {
			c.Status(http.StatusBadRequest)
			return
		}
		SetAuditResource(c, "tenant", "tenant-1")
		SetAuditTenant(c, "tenant-1")
		c.Status(http.StatusCreated)
	})
	router.POST("/auth/signup", func(c *gin.Context) {
		c.Status(http.StatusConflict)
	})
	router.GET("/tenants", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	router.GET("/health", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router, al, sink
}

func TestAuditMiddleware_RecordsProvisioning(t *testing.T) {
	router, al, sink := setupAuditRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/tenants",
		strings.NewReader(`{"email":"admin@x.edu","password":"Passw0rd!","schoolName":"Lincoln"}`))
	req.Header.Set("X-Request-ID", "req-1")
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	// the handler must still see the unmasked body
	require.Equal(t, http.StatusCreated, w.Code)
	require.NoError(t, al.Close())

	entries := sink.Entries()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, AuditActionProvision, e.Action)
	assert.Equal(t, "tenant", e.ResourceType)
	require.NotNil(t, e.ResourceID)
	assert.Equal(t, "tenant-1", *e.ResourceID)
	require.NotNil(t, e.TenantID)
	assert.Equal(t, "tenant-1", *e.TenantID)
	assert.Equal(t, http.StatusCreated, e.Status)
	assert.Equal(t, "10.0.0.1", e.IPAddress)
	assert.Equal(t, "req-1", e.RequestID)
	assert.Equal(t, "[REDACTED]", e.Request["password"])
	assert.Equal(t, "Lincoln", e.Request["schoolName"])
}

func TestAuditMiddleware_SkipsReadsAndHealth(t *testing.T) {
	router, al, sink := setupAuditRouter(t)

	for _, path := range []string{"/tenants", "/health"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	}
	require.NoError(t, al.Close())

	assert.Empty(t, sink.Entries())
}

func TestAuditMiddleware_SignupAction(t *testing.T) {
	router, al, sink := setupAuditRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/auth/signup", strings.NewReader(`{}`)))
	require.NoError(t, al.Close())

	entries := sink.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, AuditActionSignup, entries[0].Action)
	assert.Equal(t, http.StatusConflict, entries[0].Status)
}

func TestAuditLogger_DropsWhenFull(t *testing.T) {
	al := &AuditLogger{
		config: &AuditConfig{},
		buffer: make(chan *AuditEntry, 1),
	}
	al.Log(&AuditEntry{ID: "1"})
	al.Log(&AuditEntry{ID: "2"})

	assert.Equal(t, int64(1), al.Dropped())
}

func TestMaskSensitiveFields(t *testing.T) {
	masked := maskSensitiveFields(map[string]interface{}{
		"email":        "a@x.edu",
		"password":     "secret-pass",
		"refreshToken": "abc",
		"school": map[string]interface{}{
			"name":         "Lincoln",
			"clientSecret": "s",
		},
	}, []string{"password", "token", "secret"})

	assert.Equal(t, "a@x.edu", masked["email"])
	assert.Equal(t, "[REDACTED]", masked["password"])
	assert.Equal(t, "[REDACTED]", masked["refreshToken"])
	school := masked["school"].(map[string]interface{})
	assert.Equal(t, "Lincoln", school["name"])
	assert.Equal(t, "[REDACTED]", school["clientSecret"])
	assert.Nil(t, maskSensitiveFields(nil, nil))
}

func TestActionAndResource(t *testing.T) {
	assert.Equal(t, AuditActionProvision, actionFor("POST", "/tenants"))
	assert.Equal(t, AuditActionSignup, actionFor("POST", "/auth/signup"))
	assert.Equal(t, AuditActionDelete, actionFor("DELETE", "/tenants/:id"))
	assert.Equal(t, AuditActionUpdate, actionFor("PATCH", "/profiles/:id"))
	assert.Equal(t, "tenant", resourceFor("/tenants"))
	assert.Equal(t, "auth", resourceFor("/auth/signup"))
	assert.Equal(t, "unknown", resourceFor(""))
}
