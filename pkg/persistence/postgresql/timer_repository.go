package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fluxway/fluxway/pkg/models"
	"github.com/fluxway/fluxway/pkg/persistence"
)

// TimerRepository handles durable timer database operations.
type TimerRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewTimerRepository creates a new timer repository.
func NewTimerRepository(db *sql.DB, logger *slog.Logger) *TimerRepository {
	return &TimerRepository{db: db, logger: logger}
}

const timerColumns = `
	id, kind, purpose, instance_id, definition_id, version, node_id,
	human_task_id, fire_at, cron_expression, state, created_at, fired_at
`

// Save upserts a timer record.
func (tr *TimerRepository) Save(ctx context.Context, timer *models.Timer) error {
	_, err := tr.db.ExecContext(ctx, `
		INSERT INTO timers (`+timerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			fire_at = EXCLUDED.fire_at,
			state = EXCLUDED.state,
			fired_at = EXCLUDED.fired_at
	`,
		timer.ID,
		timer.Kind,
		timer.Purpose,
		timer.InstanceID,
		timer.DefinitionID,
		timer.Version,
		timer.NodeID,
		timer.HumanTaskID,
		timer.FireAt,
		timer.CronExpression,
		timer.State,
		timer.CreatedAt,
		timer.FiredAt,
	)
	if err != nil {
		return &persistence.StoreError{Op: "SaveTimer", Key: timer.ID, Err: err}
	}

	return nil
}

// GetByID retrieves a timer by its id.
func (tr *TimerRepository) GetByID(ctx context.Context, id string) (*models.Timer, error) {
	row := tr.db.QueryRowContext(ctx,
		"SELECT "+timerColumns+" FROM timers WHERE id = $1", id)

	timer, err := scanTimer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", persistence.ErrTimerNotFound, id)
		}

		return nil, &persistence.StoreError{Op: "TimerByID", Key: id, Err: err}
	}

	return timer, nil
}

// GetDue returns pending timers whose deadline is at or before the given
// time, soonest first.
func (tr *TimerRepository) GetDue(ctx context.Context, before time.Time) ([]*models.Timer, error) {
	return tr.query(ctx, "DueTimers",
		"SELECT "+timerColumns+" FROM timers WHERE state = $1 AND fire_at <= $2 ORDER BY fire_at",
		models.TimerStatePending, before)
}

// GetPending returns every pending timer, soonest first.
func (tr *TimerRepository) GetPending(ctx context.Context) ([]*models.Timer, error) {
	return tr.query(ctx, "PendingTimers",
		"SELECT "+timerColumns+" FROM timers WHERE state = $1 ORDER BY fire_at",
		models.TimerStatePending)
}

func (tr *TimerRepository) query(ctx context.Context, op, query string, args ...any) ([]*models.Timer, error) {
	rows, err := tr.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &persistence.StoreError{Op: op, Err: err}
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			tr.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var timers []*models.Timer

	for rows.Next() {
		timer, err := scanTimer(rows)
		if err != nil {
			return nil, &persistence.StoreError{Op: op, Err: err}
		}

		timers = append(timers, timer)
	}

	return timers, rows.Err()
}

func scanTimer(row rowScanner) (*models.Timer, error) {
	var (
		timer   models.Timer
		firedAt sql.NullTime
	)

	err := row.Scan(
		&timer.ID,
		&timer.Kind,
		&timer.Purpose,
		&timer.InstanceID,
		&timer.DefinitionID,
		&timer.Version,
		&timer.NodeID,
		&timer.HumanTaskID,
		&timer.FireAt,
		&timer.CronExpression,
		&timer.State,
		&timer.CreatedAt,
		&firedAt,
	)
	if err != nil {
		return nil, err
	}

	if firedAt.Valid {
		timer.FiredAt = &firedAt.Time
	}

	return &timer, nil
}
