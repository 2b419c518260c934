package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/funnelflow/funnelflow/pkg/models"
	"github.com/funnelflow/funnelflow/pkg/persistence"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const runColumns = `
			id
		  , graph_id
		  , organization_id
		  , subject_id
		  , trigger_node_id
		  , status
		  , current_node_id
		  , attempt
		  , steps
		  , event
		  , error
		  , claimed_by
		  , started_at
		  , updated_at
		  , completed_at`

// RunRepository handles run and run ledger database operations.
type RunRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRunRepository creates a new run repository.
func NewRunRepository(db *sql.DB, logger *slog.Logger) *RunRepository {
	return &RunRepository{db: db, logger: logger}
}

// CreateRun inserts a new run. Ledger rows already present on the run are not written.
func (r *RunRepository) CreateRun(ctx context.Context, run *models.Run) error {
	if run.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate run ID: %w", err)
		}

		run.ID = id.String()
	}

	now := time.Now().UTC()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}

	run.UpdatedAt = now

	eventJSON, err := json.Marshal(run.Event)
	if err != nil {
		return fmt.Errorf("failed to marshal run event: %w", err)
	}

	errorJSON, err := marshalRunError(run.Error)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO automation_runs (id, graph_id, organization_id, subject_id, trigger_node_id, status,
			current_node_id, attempt, steps, event, error, claimed_by, started_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		run.ID,
		run.GraphID,
		run.OrganizationID,
		run.SubjectID,
		run.TriggerNodeID,
		run.Status,
		run.CurrentNodeID,
		run.Attempt,
		run.Steps,
		eventJSON,
		errorJSON,
		run.ClaimedBy,
		run.StartedAt,
		run.UpdatedAt,
		run.CompletedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return persistence.NewRunError("CreateRun", run.ID, persistence.ErrRunAlreadyExists)
		}

		return persistence.NewRunError("CreateRun", run.ID, err)
	}

	return nil
}

// RunByID returns the run and its ledger ordered by sequence.
func (r *RunRepository) RunByID(ctx context.Context, id string) (*models.Run, error) {
	row := r.db.QueryRowContext(ctx, "SELECT"+runColumns+" FROM automation_runs WHERE id = $1", id)

	run, err := r.scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRunError("RunByID", id, persistence.ErrRunNotFound)
		}

		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	if err := r.loadLog(ctx, run); err != nil {
		return nil, err
	}

	return run, nil
}

// Claim is a compare-and-set on the run status; concurrent claimers race on the UPDATE
// row lock and only one sees a matching status.
func (r *RunRepository) Claim(
	ctx context.Context,
	runID, workerID string,
	from ...models.RunStatus,
) (*models.Run, error) {
	statuses := make([]string, len(from))
	for i, status := range from {
		statuses[i] = string(status)
	}

	row := r.db.QueryRowContext(ctx, `
		UPDATE automation_runs
		SET status = 'running', claimed_by = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
		RETURNING`+runColumns,
		runID, workerID, pq.Array(statuses),
	)

	run, err := r.scanRun(row)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRunError("Claim", runID, err)
		}

		var exists bool

		err = r.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM automation_runs WHERE id = $1)", runID).
			Scan(&exists)
		if err != nil {
			return nil, persistence.NewRunError("Claim", runID, err)
		}

		if !exists {
			return nil, persistence.NewRunError("Claim", runID, persistence.ErrRunNotFound)
		}

		return nil, persistence.NewRunError("Claim", runID, persistence.ErrClaimConflict)
	}

	if err := r.loadLog(ctx, run); err != nil {
		return nil, err
	}

	return run, nil
}

// UpdateRun persists the run's mutable state.
func (r *RunRepository) UpdateRun(ctx context.Context, run *models.Run) error {
	errorJSON, err := marshalRunError(run.Error)
	if err != nil {
		return err
	}

	run.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, `
		UPDATE automation_runs
		SET status = $2,
			current_node_id = $3,
			attempt = $4,
			steps = $5,
			error = $6,
			claimed_by = $7,
			completed_at = $8,
			updated_at = $9
		WHERE id = $1
	`,
		run.ID,
		run.Status,
		run.CurrentNodeID,
		run.Attempt,
		run.Steps,
		errorJSON,
		run.ClaimedBy,
		run.CompletedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return persistence.NewRunError("UpdateRun", run.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.NewRunError("UpdateRun", run.ID, persistence.ErrRunNotFound)
	}

	return nil
}

// AppendLog appends a ledger row unless (run, step, node, attempt) is already recorded.
func (r *RunRepository) AppendLog(ctx context.Context, runID string, entry models.LogEntry) (bool, error) {
	var resultJSON []byte

	if entry.Result != nil {
		var err error

		resultJSON, err = json.Marshal(entry.Result)
		if err != nil {
			return false, fmt.Errorf("failed to marshal log result: %w", err)
		}
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO automation_run_logs (run_id, sequence, step, node_id, attempt, kind, outcome, result, error, created_at)
		SELECT $1::uuid, COALESCE(MAX(sequence), 0) + 1, $2::int, $3::text, $4::int, $5::text, $6::text, $7::jsonb,
			$8::text, $9::timestamptz
		FROM automation_run_logs
		WHERE run_id = $1
		ON CONFLICT DO NOTHING
	`,
		runID,
		entry.Step,
		entry.NodeID,
		entry.Attempt,
		entry.Kind,
		entry.Outcome,
		resultJSON,
		entry.Error,
		entry.Timestamp,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return false, persistence.NewRunError("AppendLog", runID, persistence.ErrRunNotFound)
		}

		return false, persistence.NewRunError("AppendLog", runID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return affected == 1, nil
}

// Runs lists runs newest first.
func (r *RunRepository) Runs(ctx context.Context, filter models.RunFilter) ([]*models.Run, error) {
	var (
		conditions []string
		args       []any
	)

	if filter.GraphID != "" {
		args = append(args, filter.GraphID)
		conditions = append(conditions, fmt.Sprintf("graph_id = $%d", len(args)))
	}

	if filter.SubjectID != "" {
		args = append(args, filter.SubjectID)
		conditions = append(conditions, fmt.Sprintf("subject_id = $%d", len(args)))
	}

	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	query := "SELECT" + runColumns + " FROM automation_runs"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY started_at DESC, id DESC"

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	runs := make([]*models.Run, 0)

	for rows.Next() {
		run, err := r.scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	for _, run := range runs {
		if err := r.loadLog(ctx, run); err != nil {
			return nil, err
		}
	}

	return runs, nil
}

// HasRun reports whether the subject has ever had a run of the graph.
func (r *RunRepository) HasRun(ctx context.Context, graphID, subjectID string) (bool, error) {
	var exists bool

	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM automation_runs WHERE graph_id = $1 AND subject_id = $2)
	`, graphID, subjectID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check existing runs: %w", err)
	}

	return exists, nil
}

func (r *RunRepository) loadLog(ctx context.Context, run *models.Run) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sequence, step, node_id, attempt, kind, outcome, result, error, created_at
		FROM automation_run_logs
		WHERE run_id = $1
		ORDER BY sequence
	`, run.ID)
	if err != nil {
		return fmt.Errorf("failed to query log of run %s: %w", run.ID, err)
	}

	defer closeRows(ctx, r.logger, rows)

	run.Log = make([]models.LogEntry, 0)

	for rows.Next() {
		var (
			entry      models.LogEntry
			resultJSON []byte
		)

		err := rows.Scan(&entry.Sequence, &entry.Step, &entry.NodeID, &entry.Attempt, &entry.Kind, &entry.Outcome,
			&resultJSON, &entry.Error, &entry.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to scan log entry: %w", err)
		}

		if len(resultJSON) > 0 {
			if err := json.Unmarshal(resultJSON, &entry.Result); err != nil {
				return fmt.Errorf("failed to unmarshal log result: %w", err)
			}
		}

		run.Log = append(run.Log, entry)
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating log entries: %w", err)
	}

	return nil
}

func (r *RunRepository) scanRun(scanner rowScanner) (*models.Run, error) {
	var (
		run         models.Run
		eventJSON   []byte
		errorJSON   []byte
		completedAt sql.NullTime
	)

	err := scanner.Scan(
		&run.ID,
		&run.GraphID,
		&run.OrganizationID,
		&run.SubjectID,
		&run.TriggerNodeID,
		&run.Status,
		&run.CurrentNodeID,
		&run.Attempt,
		&run.Steps,
		&eventJSON,
		&errorJSON,
		&run.ClaimedBy,
		&run.StartedAt,
		&run.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(eventJSON, &run.Event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run event: %w", err)
	}

	if len(errorJSON) > 0 {
		run.Error = &models.RunError{}
		if err := json.Unmarshal(errorJSON, run.Error); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run error: %w", err)
		}
	}

	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}

	return &run, nil
}

func marshalRunError(runErr *models.RunError) ([]byte, error) {
	if runErr == nil {
		return nil, nil
	}

	errorJSON, err := json.Marshal(runErr)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run error: %w", err)
	}

	return errorJSON, nil
}
