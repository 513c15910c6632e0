package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/prohmpiriya/school-tenancy/internal/apperr"
	"github.com/prohmpiriya/school-tenancy/internal/domain"
	"github.com/prohmpiriya/school-tenancy/internal/dto"
	"github.com/prohmpiriya/school-tenancy/internal/provisioning"
	"github.com/prohmpiriya/school-tenancy/internal/repository"
	"github.com/prohmpiriya/school-tenancy/pkg/logger"
	pkgredis "github.com/prohmpiriya/school-tenancy/pkg/redis"
	pkgsaga "github.com/prohmpiriya/school-tenancy/pkg/saga"
	"github.com/prohmpiriya/school-tenancy/pkg/telemetry"
)

// ErrProvisioningFailed is the only failure callers see once the saga has
// started. The cause stays in the logs.
var ErrProvisioningFailed = errors.New("Failed to create school")

// ErrRequestInFlight is returned for a replayed Idempotency-Key whose first
// request has not finished
var ErrRequestInFlight = apperr.NewConflictError("idempotencyKey", "a request with this idempotency key is in progress")

// Outcomes recorded on provisioning_attempts_total
const (
	OutcomeSuccess    = "success"
	OutcomeReplayed   = "replayed"
	OutcomeValidation = "validation_error"
	OutcomeConflict   = "conflict"
	OutcomeFailed     = "failed"
)

// ProvisioningServiceConfig holds dependencies and limits
type ProvisioningServiceConfig struct {
	Orchestrator *pkgsaga.Orchestrator
	Tenants      repository.TenantRepository
	Identity     IdentityDirectory
	Locker       Locker
	// Idempotency may be nil, in which case keys are ignored
	Idempotency IdempotencyStore
	Resolver    TenantResolver

	DefaultMaxStudents int
	DefaultMaxTeachers int
	LockTTL            time.Duration
	IdempotencyTTL     time.Duration
	Logger             *logger.Logger
}

type provisioningService struct {
	orch        *pkgsaga.Orchestrator
	tenants     repository.TenantRepository
	identity    IdentityDirectory
	locker      Locker
	idempotency IdempotencyStore
	resolver    TenantResolver

	maxStudents    int
	maxTeachers    int
	lockTTL        time.Duration
	idempotencyTTL time.Duration
	log            *logger.Logger

	attempts      *telemetry.Counter
	compensations *telemetry.Counter
}

// NewProvisioningService creates a ProvisioningService. The orchestrator must
// have the tenant and member sagas registered.
func NewProvisioningService(cfg *ProvisioningServiceConfig) (ProvisioningService, error) {
	if cfg == nil || cfg.Orchestrator == nil {
		return nil, errors.New("[NewProvisioningService] orchestrator is required")
	}
	if cfg.Tenants == nil || cfg.Identity == nil || cfg.Locker == nil {
		return nil, errors.New("[NewProvisioningService] tenants, identity and locker are required")
	}
	for _, name := range []string{provisioning.TenantSagaName, provisioning.MemberSagaName} {
		if _, ok := cfg.Orchestrator.Definition(name); !ok {
			return nil, fmt.Errorf("[NewProvisioningService] saga %s is not registered", name)
		}
	}

	s := &provisioningService{
		orch:           cfg.Orchestrator,
		tenants:        cfg.Tenants,
		identity:       cfg.Identity,
		locker:         cfg.Locker,
		idempotency:    cfg.Idempotency,
		resolver:       cfg.Resolver,
		maxStudents:    cfg.DefaultMaxStudents,
		maxTeachers:    cfg.DefaultMaxTeachers,
		lockTTL:        cfg.LockTTL,
		idempotencyTTL: cfg.IdempotencyTTL,
		log:            cfg.Logger,
	}
	if s.maxStudents <= 0 {
		s.maxStudents = 500
	}
	if s.maxTeachers <= 0 {
		s.maxTeachers = 50
	}
	if s.lockTTL <= 0 {
		s.lockTTL = 30 * time.Second
	}
	if s.idempotencyTTL <= 0 {
		s.idempotencyTTL = 24 * time.Hour
	}
	if s.log == nil {
		s.log = logger.Get()
	}
	if s.resolver == nil {
		s.resolver = &DefaultTenantResolver{}
	}

	var err error
	s.attempts, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "provisioning_attempts_total",
		Description: "Tenant provisioning attempts by outcome",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create attempts counter: %w", err)
	}
	s.compensations, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "provisioning_compensations_total",
		Description: "Provisioning steps undone after a later step failed",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create compensations counter: %w", err)
	}
	return s, nil
}

// ProvisionTenant validates the request, guards it with locks and an
// optional idempotency key, then runs the tenant-provisioning saga
func (s *provisioningService) ProvisionTenant(ctx context.Context, req *dto.ProvisionTenantRequest, idempotencyKey string) (*dto.ProvisionTenantResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.provisioning.ProvisionTenant")
	defer span.End()

	req.Normalize()
	if err := req.Validate(); err != nil {
		s.record(ctx, OutcomeValidation)
		return nil, err
	}

	if idempotencyKey != "" && s.idempotency != nil {
		replay, err := s.beginIdempotent(ctx, idempotencyKey)
		if err != nil || replay != nil {
			return replay, err
		}
	}

	resp, err := s.provisionLocked(ctx, req, idempotencyKey)
	if idempotencyKey != "" && s.idempotency != nil {
		s.finishIdempotent(ctx, idempotencyKey, resp, err)
	}
	if err != nil {
		telemetry.SetSpanError(ctx, err)
		return nil, err
	}
	s.record(ctx, OutcomeSuccess)
	return resp, nil
}

// beginIdempotent claims the key. A non-nil response means a completed
// earlier request is being replayed.
func (s *provisioningService) beginIdempotent(ctx context.Context, key string) (*dto.ProvisionTenantResponse, error) {
	existing, claimed, err := s.idempotency.Begin(ctx, key, s.idempotencyTTL)
	if err != nil {
		s.log.WithContext(ctx).Error("idempotency store unavailable", zap.String("idempotency_key", key), zap.Error(err))
		s.record(ctx, OutcomeFailed)
		return nil, &apperr.DependencyError{Step: "idempotency", Err: err}
	}
	if claimed {
		return nil, nil
	}
	if existing == nil || existing.Status != pkgredis.IdempotencyCompleted {
		s.record(ctx, OutcomeConflict)
		return nil, ErrRequestInFlight
	}

	var resp dto.ProvisionTenantResponse
	if err := json.Unmarshal(existing.Payload, &resp); err != nil {
		s.record(ctx, OutcomeFailed)
		return nil, &apperr.DependencyError{Step: "idempotency", Err: err}
	}
	s.record(ctx, OutcomeReplayed)
	return &resp, nil
}

func (s *provisioningService) finishIdempotent(ctx context.Context, key string, resp *dto.ProvisionTenantResponse, runErr error) {
	ctx = context.WithoutCancel(ctx)
	if runErr != nil {
		if err := s.idempotency.Abandon(ctx, key); err != nil {
			s.log.WithContext(ctx).Warn("failed to release idempotency key", zap.String("idempotency_key", key), zap.Error(err))
		}
		return
	}
	payload, err := json.Marshal(resp)
	if err == nil {
		err = s.idempotency.Complete(ctx, key, payload, s.idempotencyTTL)
	}
	if err != nil {
		s.log.WithContext(ctx).Warn("failed to store idempotent result", zap.String("idempotency_key", key), zap.Error(err))
	}
}

func (s *provisioningService) provisionLocked(ctx context.Context, req *dto.ProvisionTenantRequest, idempotencyKey string) (*dto.ProvisionTenantResponse, error) {
	unlock, err := s.lockAll(ctx,
		"tenant-name:"+domain.NameKey(req.SchoolName),
		"identity-email:"+req.Email,
	)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.checkEmailFree(ctx, req.Email); err != nil {
		return nil, err
	}
	taken, err := s.tenants.ExistsByName(ctx, req.SchoolName)
	if err != nil {
		s.record(ctx, OutcomeFailed)
		s.log.WithContext(ctx).Error("failed to check school name", zap.Error(err))
		return nil, &apperr.DependencyError{Step: "check-school-name", Err: ErrProvisioningFailed}
	}
	if taken {
		s.record(ctx, OutcomeConflict)
		return nil, apperr.NewConflictError("schoolName", "school name taken")
	}

	data := &provisioning.TenantSagaData{
		Email:            req.Email,
		Password:         req.Password,
		SchoolName:       req.SchoolName,
		SchoolAddress:    req.SchoolAddress,
		SchoolPhone:      req.SchoolPhone,
		SchoolEmail:      req.SchoolEmail,
		FirstName:        req.AdminFirstName,
		LastName:         req.AdminLastName,
		SubscriptionTier: req.SubscriptionTier,
		MaxStudents:      s.maxStudents,
		MaxTeachers:      s.maxTeachers,
		IdempotencyKey:   idempotencyKey,
	}
	if req.MaxStudents != nil {
		data.MaxStudents = *req.MaxStudents
	}
	if req.MaxTeachers != nil {
		data.MaxTeachers = *req.MaxTeachers
	}

	inst, err := s.orch.Execute(ctx, provisioning.TenantSagaName, data.ToMap())
	if err != nil {
		return nil, s.sagaFailure(ctx, inst, err)
	}

	result := &provisioning.TenantSagaData{}
	result.FromMap(inst.Data)
	s.log.WithContext(ctx).Info("tenant provisioned",
		zap.String("tenant_id", result.TenantID),
		zap.String("user_id", result.UserID),
		zap.String("saga_id", inst.ID),
	)
	telemetry.SetSpanAttributes(ctx, telemetry.TenantIDAttr(result.TenantID))

	return &dto.ProvisionTenantResponse{
		Success:  true,
		TenantID: result.TenantID,
		UserID:   result.UserID,
	}, nil
}

// Signup handles the public signup endpoint
func (s *provisioningService) Signup(ctx context.Context, req *dto.SignupRequest) (*dto.SignupResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.provisioning.Signup")
	defer span.End()

	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if req.Role == string(domain.RoleAdmin) {
		resp, err := s.ProvisionTenant(ctx, req.ToProvisionRequest(), "")
		if err != nil {
			return nil, err
		}
		return &dto.SignupResponse{
			Success:  true,
			UserID:   resp.UserID,
			TenantID: resp.TenantID,
			Role:     req.Role,
		}, nil
	}

	tenantID, err := s.resolver.ResolveTenant(ctx, req)
	if err != nil {
		return nil, err
	}
	ctx = logger.ContextWithTenant(ctx, tenantID)
	tenant, err := s.tenants.GetActive(ctx, tenantID)
	if err != nil {
		s.log.WithContext(ctx).Error("failed to load tenant for signup", zap.Error(err))
		return nil, &apperr.DependencyError{Step: "load-tenant", Err: ErrProvisioningFailed}
	}
	if tenant == nil {
		return nil, apperr.NewAccessDenied("school is not accepting signups")
	}

	unlock, err := s.lockAll(ctx, "identity-email:"+req.Email)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.checkEmailFree(ctx, req.Email); err != nil {
		return nil, err
	}

	data := &provisioning.MemberSagaData{
		Email:          req.Email,
		Password:       req.Password,
		Role:           req.Role,
		TenantID:       tenantID,
		FirstName:      req.FirstName,
		LastName:       req.LastName,
		EmployeeNumber: req.EmployeeNumber,
		Subjects:       req.Subjects,
		Occupation:     req.Occupation,
	}
	inst, err := s.orch.Execute(ctx, provisioning.MemberSagaName, data.ToMap())
	if err != nil {
		return nil, s.sagaFailure(ctx, inst, err)
	}

	result := &provisioning.MemberSagaData{}
	result.FromMap(inst.Data)
	s.log.WithContext(ctx).Info("member signed up",
		zap.String("user_id", result.UserID),
		zap.String("role", req.Role),
	)
	return &dto.SignupResponse{
		Success:  true,
		UserID:   result.UserID,
		TenantID: tenantID,
		Role:     req.Role,
	}, nil
}

// lockAll acquires every key or none. Losing a lock race is a conflict.
func (s *provisioningService) lockAll(ctx context.Context, keys ...string) (func(), error) {
	type held struct{ key, token string }
	acquired := make([]held, 0, len(keys))

	release := func() {
		rctx := context.WithoutCancel(ctx)
		for i := len(acquired) - 1; i >= 0; i-- {
			if err := s.locker.Release(rctx, acquired[i].key, acquired[i].token); err != nil {
				s.log.WithContext(ctx).Warn("failed to release lock", zap.String("key", acquired[i].key), zap.Error(err))
			}
		}
	}

	for _, key := range keys {
		token, ok, err := s.locker.Acquire(ctx, key, s.lockTTL)
		if err != nil {
			release()
			s.record(ctx, OutcomeFailed)
			s.log.WithContext(ctx).Error("failed to acquire lock", zap.String("key", key), zap.Error(err))
			return nil, &apperr.DependencyError{Step: "lock", Err: ErrProvisioningFailed}
		}
		if !ok {
			release()
			s.record(ctx, OutcomeConflict)
			return nil, apperr.NewConflictError(lockField(key), "another request is creating the same account")
		}
		acquired = append(acquired, held{key: key, token: token})
	}
	return release, nil
}

func lockField(key string) string {
	if strings.HasPrefix(key, "tenant-name:") {
		return "schoolName"
	}
	return "email"
}

func (s *provisioningService) checkEmailFree(ctx context.Context, email string) error {
	user, err := s.identity.GetUserByEmail(ctx, email)
	if err != nil {
		s.record(ctx, OutcomeFailed)
		s.log.WithContext(ctx).Error("failed to look up email", zap.Error(err))
		return &apperr.DependencyError{Step: "check-email", Err: ErrProvisioningFailed}
	}
	if user != nil {
		s.record(ctx, OutcomeConflict)
		return apperr.NewConflictError("email", "email taken")
	}
	return nil
}

// sagaFailure logs the real cause and maps a saga error to what the caller
// may see: conflicts pass through, everything else is generic
func (s *provisioningService) sagaFailure(ctx context.Context, inst *pkgsaga.Instance, err error) error {
	if inst != nil {
		for _, r := range inst.StepResults {
			if r.Status == pkgsaga.StepStatusCompensated || r.Status == pkgsaga.StepStatusCompensationFailed {
				s.compensations.Inc(ctx, telemetry.SagaStepAttr(r.StepName))
			}
		}
	}

	var conflict *apperr.ConflictError
	if errors.As(err, &conflict) {
		s.record(ctx, OutcomeConflict)
		return conflict
	}

	s.record(ctx, OutcomeFailed)
	fields := []zap.Field{zap.Error(err)}
	step := ""
	var stepErr *pkgsaga.StepError
	if errors.As(err, &stepErr) {
		step = stepErr.StepName
		fields = append(fields,
			zap.String("saga", stepErr.SagaName),
			zap.String("step", stepErr.StepName),
			zap.Bool("compensated", stepErr.Compensated()),
		)
	}
	if inst != nil {
		fields = append(fields, zap.String("saga_id", inst.ID))
	}
	s.log.WithContext(ctx).Error("provisioning saga failed", fields...)
	return &apperr.DependencyError{Step: step, Err: ErrProvisioningFailed}
}

func (s *provisioningService) record(ctx context.Context, outcome string) {
	s.attempts.Inc(ctx, telemetry.OutcomeAttr(outcome))
}
