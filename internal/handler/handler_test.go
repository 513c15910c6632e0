package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/prohmpiriya/school-tenancy/internal/provisioning"
	"github.com/prohmpiriya/school-tenancy/internal/repository"
	"github.com/prohmpiriya/school-tenancy/internal/service"
	"github.com/prohmpiriya/school-tenancy/pkg/identity"
	"github.com/prohmpiriya/school-tenancy/pkg/logger"
	pkgredis "github.com/prohmpiriya/school-tenancy/pkg/redis"
	pkgsaga "github.com/prohmpiriya/school-tenancy/pkg/saga"
)

const serviceSecret = "test-service-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router       *gin.Engine
	tenants      *repository.MemoryTenantRepository
	profiles     *repository.MemoryProfileRepository
	users        *identity.MemoryUserStore
	idp          *identity.Service
	serviceToken string
	resolver     *service.DefaultTenantResolver
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	s := &testServer{
		profiles: repository.NewMemoryProfileRepository(),
		users:    identity.NewMemoryUserStore(),
		resolver: &service.DefaultTenantResolver{},
	}
	s.tenants = repository.NewMemoryTenantRepository(s.profiles)

	idp, err := identity.NewService(s.users, identity.NewMemorySessionStore(),
		identity.NewTokenIssuer("user-secret", "", time.Minute),
		identity.WithPasswordCost(bcrypt.MinCost),
	)
	require.NoError(t, err)
	s.idp = idp

	orch := pkgsaga.NewOrchestrator(&pkgsaga.OrchestratorConfig{
		Logger:      logger.NewNop(),
		IsRetryable: provisioning.IsRetryable,
		RedactKeys:  provisioning.SensitiveKeys,
	})
	require.NoError(t, orch.RegisterDefinition(provisioning.NewTenantSagaBuilder(&provisioning.TenantSagaConfig{
		Tenants:  s.tenants,
		Profiles: s.profiles,
		Terms:    repository.NewMemoryTermRepository(),
		Identity: idp,
	}).Build()))
	require.NoError(t, orch.RegisterDefinition(provisioning.NewMemberSagaBuilder(&provisioning.MemberSagaConfig{
		Profiles: s.profiles,
		Members:  repository.NewMemoryMemberRepository(),
		Identity: idp,
	}).Build()))

	svc, err := service.NewProvisioningService(&service.ProvisioningServiceConfig{
		Orchestrator: orch,
		Tenants:      s.tenants,
		Identity:     idp,
		Locker:       pkgredis.NewMemoryLocker(),
		Idempotency:  pkgredis.NewMemoryIdempotencyStore(),
		Resolver:     s.resolver,
		Logger:       logger.NewNop(),
	})
	require.NoError(t, err)

	s.serviceToken, err = identity.NewTokenIssuer(serviceSecret, "", time.Minute).IssueService("provisioner", time.Minute)
	require.NoError(t, err)

	s.router = gin.New()
	RegisterRoutes(s.router, &RouterConfig{
		Tenant:        NewTenantHandler(svc),
		Auth:          NewAuthHandler(svc),
		Health:        NewHealthHandler(nil),
		Identity:      NewIdentityHandler(idp),
		ServiceSecret: serviceSecret,
	})
	return s
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, headers map[string]string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	case nil:
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var out map[string]interface{}
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func (s *testServer) provision(t *testing.T, body interface{}, headers map[string]string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	h := map[string]string{"Authorization": "Bearer " + s.serviceToken}
	for k, v := range headers {
		h[k] = v
	}
	return s.do(t, http.MethodPost, "/tenants", body, h)
}

func lincolnBody() map[string]interface{} {
	return map[string]interface{}{
		"email":      "admin@x.edu",
		"password":   "Passw0rd!",
		"schoolName": "Lincoln",
	}
}

func errorCode(body map[string]interface{}) string {
	e, _ := body["error"].(map[string]interface{})
	code, _ := e["code"].(string)
	return code
}

func TestProvision_LincolnTwice(t *testing.T) {
	s := newTestServer(t)

	w, body := s.provision(t, lincolnBody(), nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["tenantId"])
	assert.NotEmpty(t, body["userId"])

	w, body = s.provision(t, lincolnBody(), nil)
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Equal(t, false, body["success"])
	assert.Contains(t, []string{"SCHOOL_NAME_TAKEN", "EMAIL_TAKEN"}, errorCode(body))

	assert.Equal(t, 1, s.tenants.Count())
	assert.Equal(t, 1, s.profiles.Count())
	assert.Equal(t, 1, s.users.Count())
}

func TestProvision_SchoolNameTaken(t *testing.T) {
	s := newTestServer(t)
	w, _ := s.provision(t, lincolnBody(), nil)
	require.Equal(t, http.StatusCreated, w.Code)

	other := lincolnBody()
	other["email"] = "other@x.edu"
	other["schoolName"] = "lincoln"
	w, body := s.provision(t, other, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "SCHOOL_NAME_TAKEN", errorCode(body))
}

func TestProvision_ShortPassword(t *testing.T) {
	s := newTestServer(t)
	req := lincolnBody()
	req["password"] = "short"

	w, body := s.provision(t, req, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(body))
	details := body["error"].(map[string]interface{})["details"].(map[string]interface{})
	assert.Equal(t, "must be at least 8 characters", details["password"])
	assert.Equal(t, 0, s.tenants.Count())
	assert.Equal(t, 0, s.users.Count())
}

func TestProvision_MalformedBody(t *testing.T) {
	s := newTestServer(t)
	w, body := s.provision(t, "{not json", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "BAD_REQUEST", errorCode(body))
}

func TestProvision_RequiresServiceToken(t *testing.T) {
	s := newTestServer(t)

	w, _ := s.do(t, http.MethodPost, "/tenants", lincolnBody(), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	userToken, _, err := identity.NewTokenIssuer("user-secret", "", time.Minute).Issue(&identity.User{
		ID:     "u1",
		Email:  "admin@x.edu",
		Claims: identity.Claims{Role: "admin", TenantID: "t1"},
	})
	require.NoError(t, err)
	w, _ = s.do(t, http.MethodPost, "/tenants", lincolnBody(), map[string]string{"Authorization": "Bearer " + userToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 0, s.tenants.Count())
}

func TestProvision_FailureIsGeneric(t *testing.T) {
	s := newTestServer(t)
	s.profiles.SetFailure(repository.OpCreate, errors.New("pq: relation profiles does not exist"))

	w, body := s.provision(t, lincolnBody(), nil)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, false, body["success"])
	msg := body["error"].(map[string]interface{})["message"]
	assert.Equal(t, "Failed to create school", msg)
	assert.NotContains(t, w.Body.String(), "relation profiles")
	assert.Equal(t, 0, s.tenants.Count())
	assert.Equal(t, 0, s.users.Count())
}

func TestProvision_IdempotencyKey(t *testing.T) {
	s := newTestServer(t)
	headers := map[string]string{IdempotencyKeyHeader: "retry-1"}

	w1, first := s.provision(t, lincolnBody(), headers)
	require.Equal(t, http.StatusCreated, w1.Code)
	w2, second := s.provision(t, lincolnBody(), headers)
	require.Equal(t, http.StatusCreated, w2.Code)

	assert.Equal(t, first["tenantId"], second["tenantId"])
	assert.Equal(t, first["userId"], second["userId"])
	assert.Equal(t, 1, s.tenants.Count())
}

func TestSignup_Teacher(t *testing.T) {
	s := newTestServer(t)
	_, school := s.provision(t, lincolnBody(), nil)
	s.resolver.TenantID = school["tenantId"].(string)

	w, body := s.do(t, http.MethodPost, "/auth/signup", map[string]interface{}{
		"email":    "teacher@x.edu",
		"password": "Passw0rd!",
		"role":     "teacher",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, school["tenantId"], body["tenantId"])
	assert.Equal(t, "teacher", body["role"])
}

func TestConfirmEmail_UnconfirmedMemberCanSignIn(t *testing.T) {
	s := newTestServer(t)
	_, school := s.provision(t, lincolnBody(), nil)
	s.resolver.TenantID = school["tenantId"].(string)

	w, body := s.do(t, http.MethodPost, "/auth/signup", map[string]interface{}{
		"email":    "parent@x.edu",
		"password": "Passw0rd!",
		"role":     "parent",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	userID := body["userId"].(string)

	_, err := s.idp.SignIn(context.Background(), "parent@x.edu", "Passw0rd!")
	require.ErrorIs(t, err, identity.ErrEmailNotConfirmed)

	path := "/auth/users/" + userID + "/confirm"
	w, _ = s.do(t, http.MethodPost, path, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, body = s.do(t, http.MethodPost, path, nil, map[string]string{"Authorization": "Bearer " + s.serviceToken})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, body["emailConfirmed"])

	session, err := s.idp.SignIn(context.Background(), "parent@x.edu", "Passw0rd!")
	require.NoError(t, err)
	assert.Equal(t, userID, session.User.ID)
}

func TestConfirmEmail_UnknownUser(t *testing.T) {
	s := newTestServer(t)
	w, body := s.do(t, http.MethodPost, "/auth/users/missing/confirm", nil,
		map[string]string{"Authorization": "Bearer " + s.serviceToken})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(body))
}

func TestSignup_UnknownRole(t *testing.T) {
	s := newTestServer(t)
	w, body := s.do(t, http.MethodPost, "/auth/signup", map[string]interface{}{
		"email":    "x@x.edu",
		"password": "Passw0rd!",
		"role":     "principal",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(body))
}

type stubChecker struct{ err error }

func (c stubChecker) HealthCheck(ctx context.Context) error { return c.err }

func TestHealthHandler(t *testing.T) {
	r := gin.New()
	h := NewHealthHandler(map[string]HealthChecker{
		"postgres": stubChecker{},
		"redis":    stubChecker{err: errors.New("connection refused")},
		"kafka":    nil,
	})
	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
	assert.NotContains(t, w.Body.String(), "kafka")
}
