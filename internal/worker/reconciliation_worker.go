package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/prohmpiriya/school-tenancy/internal/domain"
	"github.com/prohmpiriya/school-tenancy/internal/repository"
	"github.com/prohmpiriya/school-tenancy/pkg/identity"
	"github.com/prohmpiriya/school-tenancy/pkg/logger"
	"github.com/prohmpiriya/school-tenancy/pkg/telemetry"
)

// ReconciliationWorkerConfig holds configuration for the orphan sweep
type ReconciliationWorkerConfig struct {
	// ScanInterval is how often to sweep
	ScanInterval time.Duration
	// GracePeriod protects records a provisioning run may still be using
	GracePeriod time.Duration
	// BatchSize is the page size for each listing
	BatchSize int
}

// DefaultReconciliationWorkerConfig returns default configuration
func DefaultReconciliationWorkerConfig() *ReconciliationWorkerConfig {
	return &ReconciliationWorkerConfig{
		ScanInterval: 5 * time.Minute,
		GracePeriod:  15 * time.Minute,
		BatchSize:    100,
	}
}

// IdentityAdmin lists and deletes identities
type IdentityAdmin interface {
	ListUsersCreatedBefore(ctx context.Context, t time.Time, after identity.PageCursor, limit int) ([]*identity.User, error)
	DeleteUser(ctx context.Context, id string) error
}

// OrphanTenants lists and deletes tenants nobody belongs to
type OrphanTenants interface {
	ListWithoutProfiles(ctx context.Context, createdBefore time.Time, limit int) ([]*domain.Tenant, error)
	Delete(ctx context.Context, tenantID string) error
}

// ReconciliationWorker deletes what a provisioning run left behind when it
// died between steps: identities without a profile and tenants without
// members, once they are older than the grace period.
type ReconciliationWorker struct {
	identities IdentityAdmin
	profiles   repository.ProfileLookup
	tenants    OrphanTenants
	terms      repository.TermRepository
	config     *ReconciliationWorkerConfig
	log        *logger.Logger
	now        func() time.Time
	deletions  *telemetry.Counter

	mu                sync.RWMutex
	running           bool
	stopCh            chan struct{}
	doneCh            chan struct{}
	totalIdentities   int64
	totalTenants      int64
	lastScanTime      time.Time
	lastIdentityCount int
	lastTenantCount   int
	lastError         error
}

// ReconciliationWorkerStats holds worker statistics
type ReconciliationWorkerStats struct {
	IsRunning         bool      `json:"is_running"`
	TotalIdentities   int64     `json:"total_identities_deleted"`
	TotalTenants      int64     `json:"total_tenants_deleted"`
	LastScanTime      time.Time `json:"last_scan_time"`
	LastIdentityCount int       `json:"last_identity_count"`
	LastTenantCount   int       `json:"last_tenant_count"`
	LastError         string    `json:"last_error,omitempty"`
}

// ScanResult is what one sweep removed
type ScanResult struct {
	Identities int
	Tenants    int
}

// NewReconciliationWorker creates a worker. terms may be nil; when set, an
// orphan tenant's terms are deleted with it.
func NewReconciliationWorker(
	identities IdentityAdmin,
	profiles repository.ProfileLookup,
	tenants OrphanTenants,
	terms repository.TermRepository,
	config *ReconciliationWorkerConfig,
) *ReconciliationWorker {
	if config == nil {
		config = DefaultReconciliationWorkerConfig()
	}
	if config.ScanInterval <= 0 {
		config.ScanInterval = 5 * time.Minute
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = 15 * time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}

	deletions, err := telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "reconcile_deletions_total",
		Description: "Orphaned records removed by the reconciliation sweep",
		Unit:        "1",
	})
	if err != nil {
		logger.Warn("failed to create reconciliation counter", zap.Error(err))
	}

	return &ReconciliationWorker{
		identities: identities,
		profiles:   profiles,
		tenants:    tenants,
		terms:      terms,
		config:     config,
		log:        logger.Get(),
		now:        time.Now,
		deletions:  deletions,
	}
}

// WithLogger replaces the worker's logger
func (w *ReconciliationWorker) WithLogger(l *logger.Logger) *ReconciliationWorker {
	w.log = l
	return w
}

// Start runs the sweep every ScanInterval until Stop or ctx is done
func (w *ReconciliationWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("reconciliation worker already running")
	}
	w.running = true
	stop, done := make(chan struct{}), make(chan struct{})
	w.stopCh, w.doneCh = stop, done
	w.mu.Unlock()

	w.log.Info("reconciliation worker started",
		zap.Duration("scan_interval", w.config.ScanInterval),
		zap.Duration("grace_period", w.config.GracePeriod),
		zap.Int("batch_size", w.config.BatchSize),
	)

	go w.run(ctx, stop, done)
	return nil
}

func (w *ReconciliationWorker) run(ctx context.Context, stop <-chan struct{}, done chan struct{}) {
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		close(done)
	}()

	ticker := time.NewTicker(w.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("reconciliation worker stopped (context done)")
			return
		case <-stop:
			w.log.Info("reconciliation worker stopped")
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				w.log.Error("reconciliation sweep failed", zap.Error(err))
			}
		}
	}
}

// Stop stops the worker and waits for the current sweep to finish
func (w *ReconciliationWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	stopCh, doneCh := w.stopCh, w.doneCh
	w.stopCh = nil
	w.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	<-doneCh
}

// RunOnce performs one sweep. It keeps going after individual delete
// failures and returns the first error it met.
func (w *ReconciliationWorker) RunOnce(ctx context.Context) (*ScanResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "reconcile.sweep")
	defer span.End()

	cutoff := w.now().Add(-w.config.GracePeriod)
	result := &ScanResult{}

	identities, idErr := w.sweepIdentities(ctx, cutoff)
	result.Identities = identities
	tenants, tenantErr := w.sweepTenants(ctx, cutoff)
	result.Tenants = tenants

	err := errors.Join(idErr, tenantErr)
	if err != nil {
		telemetry.SetSpanError(ctx, err)
	}

	w.mu.Lock()
	w.totalIdentities += int64(result.Identities)
	w.totalTenants += int64(result.Tenants)
	w.lastScanTime = w.now()
	w.lastIdentityCount = result.Identities
	w.lastTenantCount = result.Tenants
	w.lastError = err
	w.mu.Unlock()

	if result.Identities > 0 || result.Tenants > 0 {
		w.log.Info("reconciliation sweep removed orphans",
			zap.Int("identities", result.Identities),
			zap.Int("tenants", result.Tenants),
		)
	}
	return result, err
}

func (w *ReconciliationWorker) sweepIdentities(ctx context.Context, cutoff time.Time) (int, error) {
	if w.identities == nil || w.profiles == nil {
		return 0, nil
	}

	var firstErr error
	deleted := 0
	var after identity.PageCursor
	for {
		users, err := w.identities.ListUsersCreatedBefore(ctx, cutoff, after, w.config.BatchSize)
		if err != nil {
			return deleted, err
		}
		for _, u := range users {
			if u.Claims.Role == identity.RoleServiceRole {
				continue
			}
			profiles, err := w.profiles.ListByIdentity(ctx, u.ID)
			if err != nil {
				firstErr = firstNonNil(firstErr, err)
				continue
			}
			if len(profiles) > 0 {
				continue
			}
			if err := w.identities.DeleteUser(ctx, u.ID); err != nil {
				w.log.Warn("failed to delete orphan identity", zap.String("user_id", u.ID), zap.Error(err))
				firstErr = firstNonNil(firstErr, err)
				continue
			}
			deleted++
			w.deletions.Inc(ctx, attribute.String("kind", "identity"))
			w.log.Info("deleted orphan identity",
				zap.String("user_id", u.ID),
				zap.Time("created_at", u.CreatedAt),
			)
		}
		if len(users) < w.config.BatchSize {
			return deleted, firstErr
		}
		after = identity.CursorAfter(users[len(users)-1])
	}
}

func (w *ReconciliationWorker) sweepTenants(ctx context.Context, cutoff time.Time) (int, error) {
	if w.tenants == nil {
		return 0, nil
	}

	tenants, err := w.tenants.ListWithoutProfiles(ctx, cutoff, w.config.BatchSize)
	if err != nil {
		return 0, err
	}

	var firstErr error
	deleted := 0
	for _, t := range tenants {
		if w.terms != nil {
			if err := w.terms.DeleteByTenant(ctx, t.ID); err != nil {
				firstErr = firstNonNil(firstErr, err)
				continue
			}
		}
		if err := w.tenants.Delete(ctx, t.ID); err != nil {
			w.log.Warn("failed to delete orphan tenant", zap.String("tenant_id", t.ID), zap.Error(err))
			firstErr = firstNonNil(firstErr, err)
			continue
		}
		deleted++
		w.deletions.Inc(ctx, attribute.String("kind", "tenant"))
		w.log.Info("deleted orphan tenant",
			zap.String("tenant_id", t.ID),
			zap.String("name", t.Name),
		)
	}
	return deleted, firstErr
}

// GetStats returns worker statistics
func (w *ReconciliationWorker) GetStats() *ReconciliationWorkerStats {
	w.mu.RLock()
	defer w.mu.RUnlock()

	stats := &ReconciliationWorkerStats{
		IsRunning:         w.running,
		TotalIdentities:   w.totalIdentities,
		TotalTenants:      w.totalTenants,
		LastScanTime:      w.lastScanTime,
		LastIdentityCount: w.lastIdentityCount,
		LastTenantCount:   w.lastTenantCount,
	}
	if w.lastError != nil {
		stats.LastError = w.lastError.Error()
	}
	return stats
}

func firstNonNil(a, b error) error {
	if a != nil {
		return a
	}
	return b
}
