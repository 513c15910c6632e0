package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on the saga_instances table
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const selectInstance = `
	SELECT id, definition_name, status, data, step_results, failed_step,
	       error_message, created_at, updated_at, completed_at
	FROM saga_instances`

// Create inserts a new saga instance
func (s *PostgresStore) Create(ctx context.Context, inst *Instance) error {
	dataJSON, resultsJSON, err := marshalInstance(inst)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO saga_instances (
			id, definition_name, status, data, step_results, failed_step,
			error_message, created_at, updated_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = s.pool.Exec(ctx, query,
		inst.ID,
		inst.DefinitionName,
		string(inst.Status),
		dataJSON,
		resultsJSON,
		nullString(inst.FailedStep),
		nullString(inst.Error),
		inst.CreatedAt,
		inst.UpdatedAt,
		inst.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert saga instance: %w", err)
	}
	return nil
}

// Update overwrites the mutable columns of an instance
func (s *PostgresStore) Update(ctx context.Context, inst *Instance) error {
	dataJSON, resultsJSON, err := marshalInstance(inst)
	if err != nil {
		return err
	}

	query := `
		UPDATE saga_instances
		SET status = $2,
			data = $3,
			step_results = $4,
			failed_step = $5,
			error_message = $6,
			updated_at = $7,
			completed_at = $8
		WHERE id = $1
	`

	tag, err := s.pool.Exec(ctx, query,
		inst.ID,
		string(inst.Status),
		dataJSON,
		resultsJSON,
		nullString(inst.FailedStep),
		nullString(inst.Error),
		inst.UpdatedAt,
		inst.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update saga instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

// Get loads an instance by id
func (s *PostgresStore) Get(ctx context.Context, id string) (*Instance, error) {
	inst, err := scanInstance(s.pool.QueryRow(ctx, selectInstance+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInstanceNotFound
	}
	return inst, err
}

// ListByStatus returns instances with the given status, oldest first
func (s *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Instance, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, selectInstance+` WHERE status = $1 ORDER BY created_at ASC LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list saga instances: %w", err)
	}
	defer rows.Close()

	var result []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating saga instances: %w", err)
	}
	return result, nil
}

func scanInstance(row pgx.Row) (*Instance, error) {
	var (
		inst                  Instance
		status                string
		dataJSON, resultsJSON []byte
		failedStep, errMsg    *string
	)

	err := row.Scan(
		&inst.ID,
		&inst.DefinitionName,
		&status,
		&dataJSON,
		&resultsJSON,
		&failedStep,
		&errMsg,
		&inst.CreatedAt,
		&inst.UpdatedAt,
		&inst.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan saga instance: %w", err)
	}

	inst.Status = Status(status)
	if failedStep != nil {
		inst.FailedStep = *failedStep
	}
	if errMsg != nil {
		inst.Error = *errMsg
	}

	inst.Data = make(map[string]interface{})
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &inst.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal saga data: %w", err)
		}
	}
	if len(resultsJSON) > 0 {
		if err := json.Unmarshal(resultsJSON, &inst.StepResults); err != nil {
			return nil, fmt.Errorf("failed to unmarshal step results: %w", err)
		}
	}

	return &inst, nil
}

func marshalInstance(inst *Instance) ([]byte, []byte, error) {
	dataJSON, err := json.Marshal(inst.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal saga data: %w", err)
	}
	resultsJSON, err := json.Marshal(inst.StepResults)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal step results: %w", err)
	}
	return dataJSON, resultsJSON, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
