package saga

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle status of a saga instance
type Status string

const (
	StatusRunning      Status = "RUNNING"
	StatusCompleted    Status = "COMPLETED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
	// StatusFailed means a step failed and at least one compensation failed too,
	// leaving state that needs operator or reconciliation attention.
	StatusFailed Status = "FAILED"
)

// IsTerminal returns true if no further transitions are possible
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCompensated || s == StatusFailed
}

// StepStatus is the outcome of a single step
type StepStatus string

const (
	StepStatusCompleted          StepStatus = "COMPLETED"
	StepStatusFailed             StepStatus = "FAILED"
	StepStatusCompensated        StepStatus = "COMPENSATED"
	StepStatusCompensationFailed StepStatus = "COMPENSATION_FAILED"
	// StepStatusSkipped marks a best-effort step whose failure was tolerated
	StepStatusSkipped StepStatus = "SKIPPED"
)

var (
	// ErrDefinitionNotFound is returned when executing an unregistered saga
	ErrDefinitionNotFound = errors.New("saga definition not found")
	// ErrDefinitionExists is returned when registering a name twice
	ErrDefinitionExists = errors.New("saga definition already registered")
	// ErrInvalidDefinition is returned for definitions without steps or with unnamed steps
	ErrInvalidDefinition = errors.New("invalid saga definition")
	// ErrInstanceNotFound is returned by stores for unknown instance ids
	ErrInstanceNotFound = errors.New("saga instance not found")
)

// ExecuteFunc runs a forward step. The returned map is merged into the saga data.
type ExecuteFunc func(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error)

// CompensateFunc undoes a completed step
type CompensateFunc func(ctx context.Context, data map[string]interface{}) error

// Step is one forward action of a saga with its optional compensation
type Step struct {
	Name        string
	Description string
	Execute     ExecuteFunc
	Compensate  CompensateFunc
	Timeout     time.Duration
	Retries     int
	// BestEffort steps never fail the saga: their error is recorded and the
	// saga moves on without compensating anything.
	BestEffort bool
}

// Definition is an ordered list of steps registered under a name
type Definition struct {
	Name        string
	Description string
	Steps       []*Step
	Timeout     time.Duration
}

// NewDefinition creates an empty saga definition
func NewDefinition(name, description string) *Definition {
	return &Definition{
		Name:        name,
		Description: description,
		Steps:       make([]*Step, 0),
	}
}

// WithTimeout bounds the whole saga, compensation excluded
func (d *Definition) WithTimeout(timeout time.Duration) *Definition {
	d.Timeout = timeout
	return d
}

// AddStep appends a step
func (d *Definition) AddStep(step *Step) *Definition {
	d.Steps = append(d.Steps, step)
	return d
}

// Validate checks the definition is executable
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: %s has no steps", ErrInvalidDefinition, d.Name)
	}
	seen := make(map[string]bool, len(d.Steps))
	for i, step := range d.Steps {
		if step == nil || step.Name == "" || step.Execute == nil {
			return fmt.Errorf("%w: step %d of %s needs a name and an execute func", ErrInvalidDefinition, i, d.Name)
		}
		if seen[step.Name] {
			return fmt.Errorf("%w: duplicate step %s in %s", ErrInvalidDefinition, step.Name, d.Name)
		}
		seen[step.Name] = true
	}
	return nil
}

// StepResult records what happened to one step of an instance
type StepResult struct {
	StepName    string     `json:"step_name"`
	Status      StepStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Instance is one execution of a saga definition
type Instance struct {
	ID             string                 `json:"id"`
	DefinitionName string                 `json:"definition_name"`
	Status         Status                 `json:"status"`
	Data           map[string]interface{} `json:"data"`
	StepResults    []StepResult           `json:"step_results"`
	FailedStep     string                 `json:"failed_step,omitempty"`
	Error          string                 `json:"error,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}

// Result returns the step result for the named step
func (i *Instance) Result(stepName string) (StepResult, bool) {
	for _, r := range i.StepResults {
		if r.StepName == stepName {
			return r, true
		}
	}
	return StepResult{}, false
}

// StepError reports the step that failed a saga. It unwraps to the step's
// own error so callers can still match typed errors with errors.As.
type StepError struct {
	SagaName        string
	StepName        string
	Err             error
	CompensationErr error
}

func (e *StepError) Error() string {
	if e.CompensationErr != nil {
		return fmt.Sprintf("saga %s failed at step %s: %v (compensation: %v)", e.SagaName, e.StepName, e.Err, e.CompensationErr)
	}
	return fmt.Sprintf("saga %s failed at step %s: %v", e.SagaName, e.StepName, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Compensated reports whether every completed step was undone
func (e *StepError) Compensated() bool {
	return e.CompensationErr == nil
}
