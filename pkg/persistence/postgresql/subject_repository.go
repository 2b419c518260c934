package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/funnelflow/funnelflow/pkg/models"
	"github.com/funnelflow/funnelflow/pkg/protocol"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const subjectQuery = `
		SELECT
			l.id
		  , l.organization_id
		  , l.name
		  , l.stage_id
		  , l.assignee_id
		  , l.phone
		  , l.email
		  , l.fields
		  , l.last_activity_at
		  , COALESCE(array_agg(t.tag_id ORDER BY t.tag_id) FILTER (WHERE t.tag_id IS NOT NULL), '{}')
		FROM leads l
		LEFT JOIN lead_tags t ON t.lead_id = l.id`

// SubjectRepository reads and mutates the CRM lead tables shared with the CRUD layer.
type SubjectRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSubjectRepository creates a new subject repository.
func NewSubjectRepository(db *sql.DB, logger *slog.Logger) *SubjectRepository {
	return &SubjectRepository{db: db, logger: logger}
}

// Subject returns the lead with its current tags.
func (r *SubjectRepository) Subject(ctx context.Context, subjectID string) (models.Subject, error) {
	row := r.db.QueryRowContext(ctx, subjectQuery+`
		WHERE l.id = $1
		GROUP BY l.id
	`, subjectID)

	subject, err := scanSubject(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Subject{}, fmt.Errorf("%w: %s", protocol.ErrSubjectNotFound, subjectID)
		}

		return models.Subject{}, fmt.Errorf("failed to load subject %s: %w", subjectID, err)
	}

	return subject, nil
}

// InactiveSubjects lists leads whose last activity is older than since.
func (r *SubjectRepository) InactiveSubjects(
	ctx context.Context,
	organizationID string,
	since time.Time,
) ([]models.Subject, error) {
	rows, err := r.db.QueryContext(ctx, subjectQuery+`
		WHERE l.last_activity_at < $2 AND ($1::text = '' OR l.organization_id = $1)
		GROUP BY l.id
		ORDER BY l.last_activity_at
	`, organizationID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query inactive subjects: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	subjects := make([]models.Subject, 0)

	for rows.Next() {
		subject, err := scanSubject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subject: %w", err)
		}

		subjects = append(subjects, subject)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subjects: %w", err)
	}

	return subjects, nil
}

// MoveStage sets the lead's stage.
func (r *SubjectRepository) MoveStage(ctx context.Context, subjectID, stageID string) error {
	return r.updateLead(ctx, subjectID, "UPDATE leads SET stage_id = $2 WHERE id = $1", stageID)
}

// AssignUser sets the lead's assignee.
func (r *SubjectRepository) AssignUser(ctx context.Context, subjectID, userID string) error {
	return r.updateLead(ctx, subjectID, "UPDATE leads SET assignee_id = $2 WHERE id = $1", userID)
}

// AddTag tags the lead; tagging twice is a no-op.
func (r *SubjectRepository) AddTag(ctx context.Context, subjectID, tagID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO lead_tags (lead_id, tag_id) VALUES ($1, $2)
		ON CONFLICT (lead_id, tag_id) DO NOTHING
	`, subjectID, tagID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return fmt.Errorf("%w: %s", protocol.ErrSubjectNotFound, subjectID)
		}

		return fmt.Errorf("failed to tag subject %s: %w: %w", subjectID, protocol.ErrUnavailable, err)
	}

	return nil
}

// RemoveTag untags the lead; removing an absent tag is a no-op.
func (r *SubjectRepository) RemoveTag(ctx context.Context, subjectID, tagID string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM lead_tags WHERE lead_id = $1 AND tag_id = $2", subjectID, tagID)
	if err != nil {
		return fmt.Errorf("failed to untag subject %s: %w: %w", subjectID, protocol.ErrUnavailable, err)
	}

	return nil
}

// CreateTask inserts a follow-up task. A task whose id already exists is not created again.
func (r *SubjectRepository) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate task ID: %w", err)
		}

		task.ID = id.String()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tasks (id, organization_id, lead_id, assignee_id, title, description, due_at, run_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING
	`,
		task.ID,
		task.OrganizationID,
		task.SubjectID,
		task.AssigneeID,
		task.Title,
		task.Description,
		task.DueAt.UTC(),
		task.RunID,
	)
	if err != nil {
		return fmt.Errorf("failed to create task for subject %s: %w: %w", task.SubjectID, protocol.ErrUnavailable, err)
	}

	return nil
}

func (r *SubjectRepository) updateLead(ctx context.Context, subjectID, query, value string) error {
	result, err := r.db.ExecContext(ctx, query, subjectID, value)
	if err != nil {
		return fmt.Errorf("failed to update subject %s: %w: %w", subjectID, protocol.ErrUnavailable, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: %s", protocol.ErrSubjectNotFound, subjectID)
	}

	return nil
}

func scanSubject(scanner rowScanner) (models.Subject, error) {
	var (
		subject    models.Subject
		fieldsJSON []byte
		tags       []string
	)

	err := scanner.Scan(
		&subject.ID,
		&subject.OrganizationID,
		&subject.Name,
		&subject.StageID,
		&subject.AssigneeID,
		&subject.Phone,
		&subject.Email,
		&fieldsJSON,
		&subject.LastActivityAt,
		pq.Array(&tags),
	)
	if err != nil {
		return models.Subject{}, err
	}

	if len(fieldsJSON) > 0 {
		if err := json.Unmarshal(fieldsJSON, &subject.Fields); err != nil {
			return models.Subject{}, fmt.Errorf("failed to unmarshal subject fields: %w", err)
		}
	}

	subject.Tags = tags

	return subject, nil
}
