package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/funnelflow/funnelflow/pkg/models"
	"github.com/google/uuid"
)

// ContinuationRepository handles the durable queue of parked runs.
type ContinuationRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewContinuationRepository creates a new continuation repository.
func NewContinuationRepository(db *sql.DB, logger *slog.Logger) *ContinuationRepository {
	return &ContinuationRepository{db: db, logger: logger}
}

// SaveContinuation inserts a continuation.
func (r *ContinuationRepository) SaveContinuation(ctx context.Context, continuation *models.ScheduledContinuation) error {
	if continuation.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate continuation ID: %w", err)
		}

		continuation.ID = id.String()
	}

	if continuation.CreatedAt.IsZero() {
		continuation.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO automation_continuations (id, run_id, resume_at, resume_node_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		continuation.ID,
		continuation.RunID,
		continuation.ResumeAt.UTC(),
		continuation.ResumeNodeID,
		continuation.Reason,
		continuation.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save continuation for run %s: %w", continuation.RunID, err)
	}

	return nil
}

// ClaimDue deletes and returns due continuations. Rows locked by a concurrent poller are
// skipped rather than waited for, so two pollers never return the same row.
func (r *ContinuationRepository) ClaimDue(
	ctx context.Context,
	now time.Time,
	limit int,
) ([]*models.ScheduledContinuation, error) {
	var batch sql.NullInt64
	if limit > 0 {
		batch = sql.NullInt64{Int64: int64(limit), Valid: true}
	}

	rows, err := r.db.QueryContext(ctx, `
		DELETE FROM automation_continuations
		WHERE id IN (
			SELECT id FROM automation_continuations
			WHERE resume_at <= $1
			ORDER BY resume_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, run_id, resume_at, resume_node_id, reason, created_at
	`, now.UTC(), batch)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due continuations: %w", err)
	}

	return r.collect(ctx, rows)
}

// ContinuationsByRun returns the pending continuations of a run.
func (r *ContinuationRepository) ContinuationsByRun(
	ctx context.Context,
	runID string,
) ([]*models.ScheduledContinuation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, run_id, resume_at, resume_node_id, reason, created_at
		FROM automation_continuations
		WHERE run_id = $1
		ORDER BY resume_at
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query continuations: %w", err)
	}

	return r.collect(ctx, rows)
}

// DeleteContinuations removes every pending continuation of a run.
func (r *ContinuationRepository) DeleteContinuations(ctx context.Context, runID string) (int, error) {
	result, err := r.db.ExecContext(ctx, "DELETE FROM automation_continuations WHERE run_id = $1", runID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete continuations of run %s: %w", runID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return int(affected), nil
}

func (r *ContinuationRepository) collect(ctx context.Context, rows *sql.Rows) ([]*models.ScheduledContinuation, error) {
	defer closeRows(ctx, r.logger, rows)

	continuations := make([]*models.ScheduledContinuation, 0)

	for rows.Next() {
		var c models.ScheduledContinuation
		if err := rows.Scan(&c.ID, &c.RunID, &c.ResumeAt, &c.ResumeNodeID, &c.Reason, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan continuation: %w", err)
		}

		continuations = append(continuations, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating continuations: %w", err)
	}

	return continuations, nil
}
