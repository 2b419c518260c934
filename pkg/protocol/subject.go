// Package protocol defines the contracts between the automation engine and the
// collaborators that live outside it: the CRM data layer, messaging and notification
// transports, and event sources.
package protocol

import (
	"context"
	"errors"
	"time"

	"github.com/funnelflow/funnelflow/pkg/models"
)

var (
	// ErrSubjectNotFound is returned by subject collaborators when the subject does not exist.
	ErrSubjectNotFound = errors.New("subject not found")

	// ErrUnavailable marks a collaborator failure that may succeed when tried again,
	// such as a broker or database that cannot be reached.
	ErrUnavailable = errors.New("collaborator unavailable")
)

// SubjectReader is the read-only view of CRM subjects used by conditions and templates.
type SubjectReader interface {
	Subject(ctx context.Context, subjectID string) (models.Subject, error)

	// InactiveSubjects lists subjects of the organization with no activity since the given time.
	// An empty organizationID lists every organization.
	InactiveSubjects(ctx context.Context, organizationID string, since time.Time) ([]models.Subject, error)
}

// SubjectWriter applies the subject mutations automations may perform.
// Every method is idempotent: applying the same value twice is a no-op.
type SubjectWriter interface {
	MoveStage(ctx context.Context, subjectID, stageID string) error
	AddTag(ctx context.Context, subjectID, tagID string) error
	RemoveTag(ctx context.Context, subjectID, tagID string) error
	AssignUser(ctx context.Context, subjectID, userID string) error
}

// TaskCreator creates follow-up tasks in the CRM.
type TaskCreator interface {
	CreateTask(ctx context.Context, task *models.Task) error
}

// SubjectStore bundles every subject-facing collaborator.
type SubjectStore interface {
	SubjectReader
	SubjectWriter
	TaskCreator
}
