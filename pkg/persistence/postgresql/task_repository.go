package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fluxway/fluxway/pkg/models"
	"github.com/fluxway/fluxway/pkg/persistence"
)

// TaskRepository handles task execution record operations.
type TaskRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewTaskRepository creates a new task repository.
func NewTaskRepository(db *sql.DB, logger *slog.Logger) *TaskRepository {
	return &TaskRepository{db: db, logger: logger}
}

// Record upserts one task attempt by its record id. Retries use fresh ids,
// so the attempt log stays append-only.
func (tr *TaskRepository) Record(ctx context.Context, record *models.TaskExecution) error {
	inputJSON, err := json.Marshal(record.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal task input: %w", err)
	}

	outputJSON, err := json.Marshal(record.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal task output: %w", err)
	}

	var compensationJSON []byte

	if record.Compensation != nil {
		compensationJSON, err = json.Marshal(record.Compensation)
		if err != nil {
			return fmt.Errorf("failed to marshal compensation spec: %w", err)
		}
	}

	query := `
		INSERT INTO task_executions (
			id, instance_id, node_id, node_type, state, input, output,
			error_message, retry_count, branch_id, compensation,
			start_time, end_time
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			output = EXCLUDED.output,
			error_message = EXCLUDED.error_message,
			end_time = EXCLUDED.end_time
	`

	_, err = tr.db.ExecContext(ctx, query,
		record.ID,
		record.InstanceID,
		record.NodeID,
		record.Type,
		record.State,
		inputJSON,
		outputJSON,
		record.Error,
		record.RetryCount,
		record.BranchID,
		compensationJSON,
		record.StartTime,
		record.EndTime,
	)
	if err != nil {
		return &persistence.StoreError{Op: "RecordTaskExecution", Key: record.ID, Err: err}
	}

	return nil
}

// GetByInstance returns an instance's task attempts in chronological order.
func (tr *TaskRepository) GetByInstance(ctx context.Context, instanceID string) ([]*models.TaskExecution, error) {
	rows, err := tr.db.QueryContext(ctx, `
		SELECT id, instance_id, node_id, node_type, state, input, output,
			   error_message, retry_count, branch_id, compensation,
			   start_time, end_time
		FROM task_executions
		WHERE instance_id = $1
		ORDER BY start_time, id
	`, instanceID)
	if err != nil {
		return nil, &persistence.StoreError{Op: "TaskExecutions", Key: instanceID, Err: err}
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			tr.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var records []*models.TaskExecution

	for rows.Next() {
		var (
			record           models.TaskExecution
			inputJSON        []byte
			outputJSON       []byte
			compensationJSON []byte
			endTime          sql.NullTime
		)

		err := rows.Scan(
			&record.ID,
			&record.InstanceID,
			&record.NodeID,
			&record.Type,
			&record.State,
			&inputJSON,
			&outputJSON,
			&record.Error,
			&record.RetryCount,
			&record.BranchID,
			&compensationJSON,
			&record.StartTime,
			&endTime,
		)
		if err != nil {
			return nil, &persistence.StoreError{Op: "TaskExecutions", Key: instanceID, Err: err}
		}

		if len(inputJSON) > 0 {
			err = json.Unmarshal(inputJSON, &record.Input)
			if err != nil {
				return nil, fmt.Errorf("failed to unmarshal task input: %w", err)
			}
		}

		if len(outputJSON) > 0 {
			err = json.Unmarshal(outputJSON, &record.Output)
			if err != nil {
				return nil, fmt.Errorf("failed to unmarshal task output: %w", err)
			}
		}

		if len(compensationJSON) > 0 {
			err = json.Unmarshal(compensationJSON, &record.Compensation)
			if err != nil {
				return nil, fmt.Errorf("failed to unmarshal compensation spec: %w", err)
			}
		}

		if endTime.Valid {
			record.EndTime = &endTime.Time
		}

		records = append(records, &record)
	}

	return records, rows.Err()
}
