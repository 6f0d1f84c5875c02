package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fluxway/fluxway/pkg/models"
	"github.com/fluxway/fluxway/pkg/persistence"
)

// InstanceRepository handles workflow instance database operations.
type InstanceRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewInstanceRepository creates a new instance repository.
func NewInstanceRepository(db *sql.DB, logger *slog.Logger) *InstanceRepository {
	return &InstanceRepository{db: db, logger: logger}
}

const instanceColumns = `
	id, workflow_id, version, state, current_node, waiting_for,
	trigger_key, cancel_requested, failure_reason, joins, start_time, end_time
`

// Create inserts a new instance; duplicate ids fail.
func (ir *InstanceRepository) Create(ctx context.Context, instance *models.WorkflowInstance) error {
	waitingJSON, joinsJSON, err := marshalInstanceState(instance)
	if err != nil {
		return err
	}

	_, err = ir.db.ExecContext(ctx, `
		INSERT INTO workflow_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		instance.ID,
		instance.WorkflowID,
		instance.Version,
		instance.State,
		instance.CurrentNode,
		waitingJSON,
		instance.TriggerKey,
		instance.CancelRequested,
		instance.FailureReason,
		joinsJSON,
		instance.StartTime,
		instance.EndTime,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", persistence.ErrInstanceAlreadyExists, instance.ID)
		}

		return &persistence.StoreError{Op: "CreateInstance", Key: instance.ID, Err: err}
	}

	return nil
}

// Save upserts the instance record.
func (ir *InstanceRepository) Save(ctx context.Context, instance *models.WorkflowInstance) error {
	waitingJSON, joinsJSON, err := marshalInstanceState(instance)
	if err != nil {
		return err
	}

	_, err = ir.db.ExecContext(ctx, `
		INSERT INTO workflow_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			current_node = EXCLUDED.current_node,
			waiting_for = EXCLUDED.waiting_for,
			cancel_requested = EXCLUDED.cancel_requested,
			failure_reason = EXCLUDED.failure_reason,
			joins = EXCLUDED.joins,
			end_time = EXCLUDED.end_time
	`,
		instance.ID,
		instance.WorkflowID,
		instance.Version,
		instance.State,
		instance.CurrentNode,
		waitingJSON,
		instance.TriggerKey,
		instance.CancelRequested,
		instance.FailureReason,
		joinsJSON,
		instance.StartTime,
		instance.EndTime,
	)
	if err != nil {
		return &persistence.StoreError{Op: "SaveInstance", Key: instance.ID, Err: err}
	}

	return nil
}

// GetByID retrieves an instance by its id.
func (ir *InstanceRepository) GetByID(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	row := ir.db.QueryRowContext(ctx,
		"SELECT "+instanceColumns+" FROM workflow_instances WHERE id = $1", id)

	instance, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", persistence.ErrInstanceNotFound, id)
		}

		return nil, &persistence.StoreError{Op: "InstanceByID", Key: id, Err: err}
	}

	return instance, nil
}

// GetByCorrelation finds the suspended instance waiting on a correlation id.
func (ir *InstanceRepository) GetByCorrelation(ctx context.Context, correlationID string) (*models.WorkflowInstance, error) {
	row := ir.db.QueryRowContext(ctx,
		"SELECT "+instanceColumns+" FROM workflow_instances WHERE waiting_for->>'correlation_id' = $1",
		correlationID)

	instance, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: correlation %s", persistence.ErrInstanceNotFound, correlationID)
		}

		return nil, &persistence.StoreError{Op: "InstanceByCorrelation", Key: correlationID, Err: err}
	}

	return instance, nil
}

// GetByTrigger finds the instance of a workflow started by the message
// with the given idempotency key.
func (ir *InstanceRepository) GetByTrigger(ctx context.Context, workflowID, triggerKey string) (*models.WorkflowInstance, error) {
	row := ir.db.QueryRowContext(ctx,
		"SELECT "+instanceColumns+" FROM workflow_instances WHERE workflow_id = $1 AND trigger_key = $2",
		workflowID, triggerKey)

	instance, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: trigger %s/%s", persistence.ErrInstanceNotFound, workflowID, triggerKey)
		}

		return nil, &persistence.StoreError{Op: "InstanceByTrigger", Key: workflowID + "/" + triggerKey, Err: err}
	}

	return instance, nil
}

// GetAll retrieves instances, optionally filtered by state.
func (ir *InstanceRepository) GetAll(ctx context.Context, state models.InstanceState) ([]*models.WorkflowInstance, error) {
	query := "SELECT " + instanceColumns + " FROM workflow_instances"
	args := []any{}

	if state != "" {
		query += " WHERE state = $1"

		args = append(args, state)
	}

	query += " ORDER BY start_time"

	rows, err := ir.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &persistence.StoreError{Op: "Instances", Err: err}
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			ir.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var instances []*models.WorkflowInstance

	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, &persistence.StoreError{Op: "Instances", Err: err}
		}

		instances = append(instances, instance)
	}

	return instances, rows.Err()
}

func marshalInstanceState(instance *models.WorkflowInstance) ([]byte, []byte, error) {
	var (
		waitingJSON []byte
		joinsJSON   []byte
		err         error
	)

	if instance.WaitingFor != nil {
		waitingJSON, err = json.Marshal(instance.WaitingFor)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal wait condition: %w", err)
		}
	}

	if instance.Joins != nil {
		joinsJSON, err = json.Marshal(instance.Joins)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal join state: %w", err)
		}
	}

	return waitingJSON, joinsJSON, nil
}

func scanInstance(row rowScanner) (*models.WorkflowInstance, error) {
	var (
		instance    models.WorkflowInstance
		waitingJSON []byte
		joinsJSON   []byte
		endTime     sql.NullTime
	)

	err := row.Scan(
		&instance.ID,
		&instance.WorkflowID,
		&instance.Version,
		&instance.State,
		&instance.CurrentNode,
		&waitingJSON,
		&instance.TriggerKey,
		&instance.CancelRequested,
		&instance.FailureReason,
		&joinsJSON,
		&instance.StartTime,
		&endTime,
	)
	if err != nil {
		return nil, err
	}

	if len(waitingJSON) > 0 {
		err = json.Unmarshal(waitingJSON, &instance.WaitingFor)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal wait condition: %w", err)
		}
	}

	if len(joinsJSON) > 0 {
		err = json.Unmarshal(joinsJSON, &instance.Joins)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal join state: %w", err)
		}
	}

	if endTime.Valid {
		instance.EndTime = &endTime.Time
	}

	return &instance, nil
}

// isUniqueViolation reports a postgres unique_violation (23505).
func isUniqueViolation(err error) bool {
	type coder interface{ SQLState() string }

	var c coder
	if errors.As(err, &c) {
		return c.SQLState() == "23505"
	}

	return false
}
