package di

import (
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/prohmpiriya/school-tenancy/internal/handler"
	"github.com/prohmpiriya/school-tenancy/internal/provisioning"
	"github.com/prohmpiriya/school-tenancy/internal/repository"
	"github.com/prohmpiriya/school-tenancy/internal/service"
	"github.com/prohmpiriya/school-tenancy/internal/session"
	"github.com/prohmpiriya/school-tenancy/internal/worker"
	"github.com/prohmpiriya/school-tenancy/pkg/config"
	"github.com/prohmpiriya/school-tenancy/pkg/database"
	"github.com/prohmpiriya/school-tenancy/pkg/identity"
	"github.com/prohmpiriya/school-tenancy/pkg/kafka"
	"github.com/prohmpiriya/school-tenancy/pkg/logger"
	"github.com/prohmpiriya/school-tenancy/pkg/middleware"
	pkgredis "github.com/prohmpiriya/school-tenancy/pkg/redis"
	pkgsaga "github.com/prohmpiriya/school-tenancy/pkg/saga"
)

// Container holds all dependencies for the tenant service
type Container struct {
	// Infrastructure
	DB        *database.PostgresDB
	Redis     *pkgredis.Client
	Publisher kafka.Publisher

	// Repositories
	TenantRepo     repository.TenantRepository
	ProfileRepo    repository.ProfileRepository
	ProfileLookup  repository.ProfileLookup
	TermRepo       repository.TermRepository
	MemberRepo     repository.MemberRepository
	InvitationRepo repository.InvitationRepository

	// Identity
	Identity     *identity.Service
	SessionStore identity.SessionStore

	// Services
	Orchestrator        *pkgsaga.Orchestrator
	ProvisioningService service.ProvisioningService

	// Handlers
	HealthHandler   *handler.HealthHandler
	TenantHandler   *handler.TenantHandler
	AuthHandler     *handler.AuthHandler
	IdentityHandler *handler.IdentityHandler

	// Background
	Audit              *middleware.AuditLogger
	ReconciliationWork *worker.ReconciliationWorker

	config *config.Config
	log    *logger.Logger
}

// ContainerConfig contains configuration for building the container.
// DB, Redis and Publisher may be nil; the in-memory implementations stand in.
type ContainerConfig struct {
	App       *config.Config
	DB        *database.PostgresDB
	Redis     *pkgredis.Client
	Publisher kafka.Publisher
	Logger    *logger.Logger
}

// NewContainer creates a new dependency injection container
func NewContainer(cfg *ContainerConfig) (*Container, error) {
	if cfg == nil || cfg.App == nil {
		return nil, errors.New("[NewContainer] app config is required")
	}
	c := &Container{
		DB:        cfg.DB,
		Redis:     cfg.Redis,
		Publisher: cfg.Publisher,
		config:    cfg.App,
		log:       cfg.Logger,
	}
	if c.log == nil {
		c.log = logger.Get()
	}

	// Initialize repositories
	var sagaStore pkgsaga.Store
	var userStore identity.UserStore
	var auditSink middleware.AuditSink
	if c.DB != nil {
		pool := c.DB.Pool()
		profiles := repository.NewPostgresProfileRepository(pool)
		c.TenantRepo = repository.NewPostgresTenantRepository(pool)
		c.ProfileRepo = profiles
		c.ProfileLookup = profiles
		c.TermRepo = repository.NewPostgresTermRepository(pool)
		c.MemberRepo = repository.NewPostgresMemberRepository(pool)
		c.InvitationRepo = repository.NewPostgresInvitationRepository(pool)
		sagaStore = pkgsaga.NewPostgresStore(pool)
		userStore = identity.NewPostgresUserStore(pool)
		auditSink = middleware.NewPostgresAuditSink(pool)
	} else {
		profiles := repository.NewMemoryProfileRepository()
		c.TenantRepo = repository.NewMemoryTenantRepository(profiles)
		c.ProfileRepo = profiles
		c.ProfileLookup = profiles
		c.TermRepo = repository.NewMemoryTermRepository()
		c.MemberRepo = repository.NewMemoryMemberRepository()
		c.InvitationRepo = repository.NewMemoryInvitationRepository()
		sagaStore = pkgsaga.NewMemoryStore()
		userStore = identity.NewMemoryUserStore()
		auditSink = &middleware.MemoryAuditSink{}
	}

	var locker service.Locker
	var idempotency service.IdempotencyStore
	if c.Redis != nil {
		c.SessionStore = identity.NewRedisSessionStore(c.Redis, "session:")
		locker = pkgredis.NewLocker(c.Redis, "lock:")
		idempotency = pkgredis.NewIdempotencyStore(c.Redis, "idempotency:")
	} else {
		c.SessionStore = identity.NewMemorySessionStore()
		locker = pkgredis.NewMemoryLocker()
		idempotency = pkgredis.NewMemoryIdempotencyStore()
	}

	// Identity provider
	jwtCfg := cfg.App.JWT
	idp, err := identity.NewService(userStore, c.SessionStore,
		identity.NewTokenIssuer(jwtCfg.Secret, jwtCfg.Issuer, jwtCfg.AccessTokenTTL),
		identity.WithRefreshTTL(jwtCfg.RefreshTokenTTL),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity service: %w", err)
	}
	c.Identity = idp

	// Sagas
	c.Orchestrator = pkgsaga.NewOrchestrator(&pkgsaga.OrchestratorConfig{
		Store:        sagaStore,
		Logger:       c.log,
		IsRetryable:  provisioning.IsRetryable,
		RedactKeys:   provisioning.SensitiveKeys,
		RetryBackoff: 100 * time.Millisecond,
	})
	prov := cfg.App.Provisioning
	if err := c.Orchestrator.RegisterDefinition(provisioning.NewTenantSagaBuilder(&provisioning.TenantSagaConfig{
		Tenants:     c.TenantRepo,
		Profiles:    c.ProfileRepo,
		Terms:       c.TermRepo,
		Identity:    idp,
		Publisher:   c.Publisher,
		Topic:       cfg.App.Kafka.TenantTopic,
		StepTimeout: prov.StepTimeout,
	}).Build()); err != nil {
		return nil, fmt.Errorf("failed to register tenant saga: %w", err)
	}
	if err := c.Orchestrator.RegisterDefinition(provisioning.NewMemberSagaBuilder(&provisioning.MemberSagaConfig{
		Profiles:     c.ProfileRepo,
		Members:      c.MemberRepo,
		Identity:     idp,
		ConfirmEmail: !cfg.App.IsProduction(),
		StepTimeout:  prov.StepTimeout,
	}).Build()); err != nil {
		return nil, fmt.Errorf("failed to register member saga: %w", err)
	}

	// Initialize services
	c.ProvisioningService, err = service.NewProvisioningService(&service.ProvisioningServiceConfig{
		Orchestrator: c.Orchestrator,
		Tenants:      c.TenantRepo,
		Identity:     idp,
		Locker:       locker,
		Idempotency:  idempotency,
		Resolver: &service.InvitationResolver{
			Invitations: c.InvitationRepo,
			Fallback:    &service.DefaultTenantResolver{TenantID: prov.DefaultMemberTenantID},
		},
		DefaultMaxStudents: prov.DefaultMaxStudents,
		DefaultMaxTeachers: prov.DefaultMaxTeachers,
		LockTTL:            prov.LockTTL,
		IdempotencyTTL:     prov.IdempotencyTTL,
		Logger:             c.log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create provisioning service: %w", err)
	}

	// Initialize handlers
	checks := map[string]handler.HealthChecker{}
	if c.DB != nil {
		checks["postgres"] = c.DB
	}
	if c.Redis != nil {
		checks["redis"] = c.Redis
	}
	c.HealthHandler = handler.NewHealthHandler(checks)
	c.TenantHandler = handler.NewTenantHandler(c.ProvisioningService)
	c.AuthHandler = handler.NewAuthHandler(c.ProvisioningService)
	c.IdentityHandler = handler.NewIdentityHandler(idp)

	// Background workers
	c.Audit = middleware.NewAuditLogger(middleware.DefaultAuditConfig(auditSink))
	rec := cfg.App.Reconcile
	c.ReconciliationWork = worker.NewReconciliationWorker(idp, c.ProfileLookup, c.TenantRepo, c.TermRepo,
		&worker.ReconciliationWorkerConfig{
			ScanInterval: rec.ScanInterval,
			GracePeriod:  rec.GracePeriod,
			BatchSize:    rec.BatchSize,
		}).WithLogger(c.log)

	return c, nil
}

// Router builds the HTTP engine with every route mounted
func (c *Container) Router() *gin.Engine {
	if c.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	cors := middleware.DefaultCORSConfig()
	rl := c.config.RateLimit
	handler.RegisterRoutes(r, &handler.RouterConfig{
		Tenant:        c.TenantHandler,
		Auth:          c.AuthHandler,
		Health:        c.HealthHandler,
		Identity:      c.IdentityHandler,
		ServiceSecret: c.config.JWT.ServiceSecret,
		SignupLimiter: middleware.RateLimiter(middleware.RateLimitConfig{
			RequestsPerSecond: rl.RequestsPerSecond,
			BurstSize:         rl.BurstSize,
			RedisClient:       c.Redis,
			KeyPrefix:         "ratelimit:signup:",
		}),
		Audit: c.Audit,
		CORS:  &cors,
	})
	return r
}

// NewSessionClient creates an identity client whose session persists in the
// container's session store under key
func (c *Container) NewSessionClient(key string) *identity.Client {
	return identity.NewClient(c.Identity,
		identity.WithStorage(c.SessionStore, key),
		identity.WithAutoConfirm(!c.config.IsProduction()),
	)
}

// NewSessionBinder binds client's session to tenants and profiles from this
// container. Signups go through the provisioning service.
func (c *Container) NewSessionBinder(client *identity.Client, opts ...session.Option) (*session.Binder, error) {
	opts = append([]session.Option{session.WithLogger(c.log)}, opts...)
	return session.NewBinder(session.Deps{
		Identity:    client,
		Tenants:     c.TenantRepo,
		Profiles:    c.ProfileRepo,
		Lookup:      c.ProfileLookup,
		Provisioner: c.ProvisioningService,
	}, opts...)
}

// Close stops background work and releases infrastructure
func (c *Container) Close() {
	if c.ReconciliationWork != nil {
		c.ReconciliationWork.Stop()
	}
	if c.Audit != nil {
		if err := c.Audit.Close(); err != nil {
			c.log.Warn("audit logger close failed")
		}
	}
	if c.Publisher != nil {
		c.Publisher.Close()
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	if c.DB != nil {
		c.DB.Close()
	}
}
