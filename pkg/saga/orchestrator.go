package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prohmpiriya/school-tenancy/pkg/logger"
	"github.com/prohmpiriya/school-tenancy/pkg/telemetry"
)

const redacted = "[REDACTED]"

// OrchestratorConfig holds orchestrator dependencies and tuning
type OrchestratorConfig struct {
	Store  Store
	Logger *logger.Logger
	// CompensationTimeout bounds the whole rollback. Compensation runs on a
	// context detached from the caller so a cancelled request still cleans up.
	CompensationTimeout time.Duration
	RetryBackoff        time.Duration
	// IsRetryable decides whether a failed attempt is retried. Defaults to
	// retrying anything except context cancellation.
	IsRetryable func(error) bool
	// RedactKeys are data keys replaced before an instance reaches the store
	RedactKeys []string
	// Now is overridable for tests
	Now func() time.Time
}

// Orchestrator runs registered saga definitions
type Orchestrator struct {
	mu          sync.RWMutex
	definitions map[string]*Definition
	store       Store
	log         *logger.Logger
	compTimeout time.Duration
	backoff     time.Duration
	isRetryable func(error) bool
	redactKeys  map[string]bool
	now         func() time.Time
	durations   *telemetry.Histogram
}

// NewOrchestrator creates an orchestrator. A nil config or store falls back
// to an in-memory store.
func NewOrchestrator(cfg *OrchestratorConfig) *Orchestrator {
	if cfg == nil {
		cfg = &OrchestratorConfig{}
	}
	o := &Orchestrator{
		definitions: make(map[string]*Definition),
		store:       cfg.Store,
		log:         cfg.Logger,
		compTimeout: cfg.CompensationTimeout,
		backoff:     cfg.RetryBackoff,
		isRetryable: cfg.IsRetryable,
		redactKeys:  make(map[string]bool, len(cfg.RedactKeys)),
		now:         cfg.Now,
	}
	if o.store == nil {
		o.store = NewMemoryStore()
	}
	if o.log == nil {
		o.log = logger.Get()
	}
	if o.compTimeout <= 0 {
		o.compTimeout = 30 * time.Second
	}
	if o.backoff <= 0 {
		o.backoff = 100 * time.Millisecond
	}
	if o.isRetryable == nil {
		o.isRetryable = func(err error) bool {
			return !errors.Is(err, context.Canceled)
		}
	}
	if o.now == nil {
		o.now = time.Now
	}
	for _, k := range cfg.RedactKeys {
		o.redactKeys[k] = true
	}
	// a nil histogram records nothing
	o.durations, _ = telemetry.NewHistogram(telemetry.MetricOpts{
		Name:        "saga_duration_seconds",
		Description: "Wall time from saga start to its terminal status",
		Unit:        "s",
	})
	return o
}

// RegisterDefinition makes a definition executable by name
func (o *Orchestrator) RegisterDefinition(def *Definition) error {
	if def == nil {
		return fmt.Errorf("%w: nil definition", ErrInvalidDefinition)
	}
	if err := def.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.definitions[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDefinitionExists, def.Name)
	}
	o.definitions[def.Name] = def
	return nil
}

// Definition returns a registered definition
func (o *Orchestrator) Definition(name string) (*Definition, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	def, ok := o.definitions[name]
	return def, ok
}

// Store returns the instance store
func (o *Orchestrator) Store() Store {
	return o.store
}

// Execute runs the named saga to completion. Steps run strictly in order.
// When a non best-effort step fails, every completed step is compensated in
// reverse order and a *StepError is returned together with the instance.
func (o *Orchestrator) Execute(ctx context.Context, name string, data map[string]interface{}) (*Instance, error) {
	def, ok := o.Definition(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, name)
	}

	ctx, span := telemetry.StartSpan(ctx, "saga."+name)
	defer span.End()

	now := o.now()
	inst := &Instance{
		ID:             uuid.New().String(),
		DefinitionName: name,
		Status:         StatusRunning,
		Data:           copyData(data),
		StepResults:    make([]StepResult, 0, len(def.Steps)),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	telemetry.SetSpanAttributes(ctx, telemetry.SagaNameAttr(name))

	log := o.log.WithContext(ctx).WithFields(
		zap.String("saga", name),
		zap.String("saga_id", inst.ID),
	)

	if err := o.store.Create(ctx, o.snapshot(inst)); err != nil {
		log.Warn("failed to persist saga instance", zap.Error(err))
	}

	runCtx := ctx
	if def.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}

	completed := make([]int, 0, len(def.Steps))
	for _, step := range def.Steps {
		result, output, err := o.runStep(runCtx, step, inst.Data)
		if err != nil && step.BestEffort {
			result.Status = StepStatusSkipped
			result.Error = err.Error()
			inst.StepResults = append(inst.StepResults, result)
			log.Warn("best-effort step failed",
				zap.String("step", step.Name),
				zap.Error(err),
			)
			o.persist(ctx, log, inst)
			continue
		}

		if err != nil {
			result.Status = StepStatusFailed
			result.Error = err.Error()
			inst.StepResults = append(inst.StepResults, result)
			inst.FailedStep = step.Name
			inst.Error = err.Error()
			inst.Status = StatusCompensating
			o.persist(ctx, log, inst)

			log.Error("saga step failed, compensating",
				zap.String("step", step.Name),
				zap.Int("completed_steps", len(completed)),
				zap.Error(err),
			)
			telemetry.SetSpanError(ctx, err)

			compErr := o.compensate(ctx, log, def, inst, completed)
			if compErr != nil {
				inst.Status = StatusFailed
			} else {
				inst.Status = StatusCompensated
			}
			o.finish(ctx, log, inst)

			return inst, &StepError{
				SagaName:        name,
				StepName:        step.Name,
				Err:             err,
				CompensationErr: compErr,
			}
		}

		for k, v := range output {
			inst.Data[k] = v
		}
		result.Status = StepStatusCompleted
		inst.StepResults = append(inst.StepResults, result)
		completed = append(completed, len(inst.StepResults)-1)
		o.persist(ctx, log, inst)
	}

	inst.Status = StatusCompleted
	o.finish(ctx, log, inst)
	log.Info("saga completed", zap.Int("steps", len(def.Steps)))

	return inst, nil
}

func (o *Orchestrator) runStep(ctx context.Context, step *Step, data map[string]interface{}) (StepResult, map[string]interface{}, error) {
	ctx, span := telemetry.StartSpan(ctx, "saga.step."+step.Name)
	defer span.End()

	result := StepResult{
		StepName:  step.Name,
		StartedAt: o.now(),
	}

	var (
		output map[string]interface{}
		err    error
	)
retry:
	for attempt := 0; attempt <= step.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				err = errors.Join(err, ctx.Err())
				break retry
			case <-time.After(o.backoff * time.Duration(attempt)):
			}
		}

		result.Attempts++
		output, err = o.attempt(ctx, step, data)
		if err == nil || !o.isRetryable(err) {
			break
		}
	}

	done := o.now()
	result.CompletedAt = &done
	if err != nil {
		telemetry.SetSpanError(ctx, err)
	}
	return result, output, err
}

func (o *Orchestrator) attempt(ctx context.Context, step *Step, data map[string]interface{}) (map[string]interface{}, error) {
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}
	// steps only see a copy so a failed attempt cannot leak partial writes into the saga data
	return step.Execute(ctx, copyData(data))
}

// compensate undoes completed steps newest first and keeps going past
// individual failures so as much as possible is rolled back.
func (o *Orchestrator) compensate(ctx context.Context, log *logger.Logger, def *Definition, inst *Instance, completed []int) error {
	compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.compTimeout)
	defer cancel()

	steps := make(map[string]*Step, len(def.Steps))
	for _, s := range def.Steps {
		steps[s.Name] = s
	}

	var errs []error
	for i := len(completed) - 1; i >= 0; i-- {
		result := &inst.StepResults[completed[i]]
		step := steps[result.StepName]
		if step.Compensate == nil {
			continue
		}

		var err error
		for attempt := 0; attempt <= step.Retries; attempt++ {
			if err = step.Compensate(compCtx, copyData(inst.Data)); err == nil {
				break
			}
		}
		if err != nil {
			result.Status = StepStatusCompensationFailed
			result.Error = err.Error()
			errs = append(errs, fmt.Errorf("compensate %s: %w", step.Name, err))
			log.Error("compensation failed",
				zap.String("step", step.Name),
				zap.Error(err),
			)
			continue
		}
		result.Status = StepStatusCompensated
		log.Info("step compensated", zap.String("step", step.Name))
	}

	return errors.Join(errs...)
}

func (o *Orchestrator) persist(ctx context.Context, log *logger.Logger, inst *Instance) {
	inst.UpdatedAt = o.now()
	if err := o.store.Update(context.WithoutCancel(ctx), o.snapshot(inst)); err != nil {
		log.Warn("failed to persist saga progress", zap.Error(err))
	}
}

func (o *Orchestrator) finish(ctx context.Context, log *logger.Logger, inst *Instance) {
	done := o.now()
	inst.CompletedAt = &done
	o.persist(ctx, log, inst)
	o.durations.Record(ctx, done.Sub(inst.CreatedAt).Seconds(),
		telemetry.SagaNameAttr(inst.DefinitionName),
		telemetry.OutcomeAttr(string(inst.Status)),
	)
}

// snapshot copies the instance for the store with sensitive keys redacted
func (o *Orchestrator) snapshot(inst *Instance) *Instance {
	cp := *inst
	cp.Data = copyData(inst.Data)
	for k := range cp.Data {
		if o.redactKeys[k] {
			cp.Data[k] = redacted
		}
	}
	cp.StepResults = append([]StepResult(nil), inst.StepResults...)
	return &cp
}

func copyData(data map[string]interface{}) map[string]interface{} {
	cp := make(map[string]interface{}, len(data))
	for k, v := range data {
		cp[k] = v
	}
	return cp
}
