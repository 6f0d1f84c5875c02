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

// HumanTaskRepository handles human checkpoint database operations.
type HumanTaskRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewHumanTaskRepository creates a new human task repository.
func NewHumanTaskRepository(db *sql.DB, logger *slog.Logger) *HumanTaskRepository {
	return &HumanTaskRepository{db: db, logger: logger}
}

// Save upserts a human task record.
func (hr *HumanTaskRepository) Save(ctx context.Context, task *models.HumanTask) error {
	var decisionJSON []byte

	if task.Decision != nil {
		var err error

		decisionJSON, err = json.Marshal(task.Decision)
		if err != nil {
			return fmt.Errorf("failed to marshal decision: %w", err)
		}
	}

	query := `
		INSERT INTO human_tasks (
			id, instance_id, node_id, external_ref, assignee, sla_deadline,
			state, decision, created_at, resolved_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			external_ref = EXCLUDED.external_ref,
			assignee = EXCLUDED.assignee,
			state = EXCLUDED.state,
			decision = EXCLUDED.decision,
			resolved_at = EXCLUDED.resolved_at
	`

	_, err := hr.db.ExecContext(ctx, query,
		task.ID,
		task.InstanceID,
		task.NodeID,
		task.ExternalRef,
		task.Assignee,
		task.SLADeadline,
		task.State,
		decisionJSON,
		task.CreatedAt,
		task.ResolvedAt,
	)
	if err != nil {
		return &persistence.StoreError{Op: "SaveHumanTask", Key: task.ID, Err: err}
	}

	return nil
}

// GetByID retrieves a human task by its id.
func (hr *HumanTaskRepository) GetByID(ctx context.Context, id string) (*models.HumanTask, error) {
	row := hr.db.QueryRowContext(ctx, `
		SELECT id, instance_id, node_id, external_ref, assignee, sla_deadline,
			   state, decision, created_at, resolved_at
		FROM human_tasks
		WHERE id = $1
	`, id)

	var (
		task         models.HumanTask
		decisionJSON []byte
		resolvedAt   sql.NullTime
	)

	err := row.Scan(
		&task.ID,
		&task.InstanceID,
		&task.NodeID,
		&task.ExternalRef,
		&task.Assignee,
		&task.SLADeadline,
		&task.State,
		&decisionJSON,
		&task.CreatedAt,
		&resolvedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", persistence.ErrHumanTaskNotFound, id)
		}

		return nil, &persistence.StoreError{Op: "HumanTaskByID", Key: id, Err: err}
	}

	if len(decisionJSON) > 0 {
		err = json.Unmarshal(decisionJSON, &task.Decision)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal decision: %w", err)
		}
	}

	if resolvedAt.Valid {
		task.ResolvedAt = &resolvedAt.Time
	}

	return &task, nil
}
