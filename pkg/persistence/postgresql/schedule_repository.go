package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/funnelflow/funnelflow/pkg/models"
	"github.com/funnelflow/funnelflow/pkg/persistence"
	"github.com/google/uuid"
)

const scheduleColumns = `
			id
		  , organization_id
		  , graph_id
		  , trigger_node_id
		  , cron_expression
		  , next_due_at
		  , active
		  , created_at
		  , updated_at`

// ScheduleRepository handles cron schedule database operations.
type ScheduleRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewScheduleRepository creates a new schedule repository.
func NewScheduleRepository(db *sql.DB, logger *slog.Logger) *ScheduleRepository {
	return &ScheduleRepository{db: db, logger: logger}
}

// SaveSchedule upserts a schedule keyed by (graph, trigger node).
func (r *ScheduleRepository) SaveSchedule(ctx context.Context, schedule *models.Schedule) error {
	if schedule.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate schedule ID: %w", err)
		}

		schedule.ID = id.String()
	}

	now := time.Now().UTC()
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = now
	}

	if schedule.UpdatedAt.IsZero() {
		schedule.UpdatedAt = now
	}

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO automation_schedules (id, organization_id, graph_id, trigger_node_id, cron_expression,
			next_due_at, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (graph_id, trigger_node_id) DO UPDATE SET
			cron_expression = EXCLUDED.cron_expression,
			next_due_at = EXCLUDED.next_due_at,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`,
		schedule.ID,
		schedule.OrganizationID,
		schedule.GraphID,
		schedule.TriggerNodeID,
		schedule.CronExpression,
		schedule.NextDueAt.UTC(),
		schedule.Active,
		schedule.CreatedAt,
		schedule.UpdatedAt,
	).Scan(&schedule.ID)
	if err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}

	return nil
}

// SchedulesByGraph returns the schedules of one graph.
func (r *ScheduleRepository) SchedulesByGraph(ctx context.Context, graphID string) ([]*models.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT`+scheduleColumns+`
		FROM automation_schedules
		WHERE graph_id = $1
		ORDER BY trigger_node_id
	`, graphID)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}

	return r.collect(ctx, rows)
}

// DueSchedules returns the active schedules whose next fire time has passed.
func (r *ScheduleRepository) DueSchedules(ctx context.Context, now time.Time) ([]*models.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT`+scheduleColumns+`
		FROM automation_schedules
		WHERE active AND next_due_at <= $1
		ORDER BY next_due_at
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query due schedules: %w", err)
	}

	return r.collect(ctx, rows)
}

// DeleteSchedule removes a schedule.
func (r *ScheduleRepository) DeleteSchedule(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM automation_schedules WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.ErrScheduleNotFound
	}

	return nil
}

func (r *ScheduleRepository) collect(ctx context.Context, rows *sql.Rows) ([]*models.Schedule, error) {
	defer closeRows(ctx, r.logger, rows)

	schedules := make([]*models.Schedule, 0)

	for rows.Next() {
		var s models.Schedule

		err := rows.Scan(&s.ID, &s.OrganizationID, &s.GraphID, &s.TriggerNodeID, &s.CronExpression,
			&s.NextDueAt, &s.Active, &s.CreatedAt, &s.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}

		schedules = append(schedules, &s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schedules: %w", err)
	}

	return schedules, nil
}
