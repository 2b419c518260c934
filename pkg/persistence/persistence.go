// Package persistence provides the storage abstraction for automation graphs, runs,
// run ledgers, scheduled continuations and cron schedules.
package persistence

import (
	"context"
	"time"

	"github.com/funnelflow/funnelflow/pkg/models"
)

// Persistence groups the repositories a deployment needs behind one connection.
type Persistence interface {
	GraphRepository() GraphRepository
	RunRepository() RunRepository
	ContinuationRepository() ContinuationRepository
	ScheduleRepository() ScheduleRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// GraphRepository stores automation definitions. Graphs are soft-disabled, never deleted.
type GraphRepository interface {
	SaveGraph(ctx context.Context, graph *models.AutomationGraph) error
	GraphByID(ctx context.Context, id string) (*models.AutomationGraph, error)
	Graphs(ctx context.Context, organizationID string) ([]*models.AutomationGraph, error)

	// EnabledGraphs returns the enabled graphs of an organization whose trigger type is eventType.
	// An empty organizationID matches every organization.
	EnabledGraphs(ctx context.Context, organizationID string, eventType models.EventType) ([]*models.AutomationGraph, error)

	// DisableGraph stops new runs from being created for the graph. Waiting runs are untouched.
	DisableGraph(ctx context.Context, id string, at time.Time) error
}

// RunRepository stores runs and their append-only execution ledger.
type RunRepository interface {
	CreateRun(ctx context.Context, run *models.Run) error

	// RunByID returns the run with its ledger ordered by sequence.
	RunByID(ctx context.Context, id string) (*models.Run, error)

	// Claim atomically moves the run from one of the given statuses to running and records
	// the claimant. When the run is not in any of those statuses it returns ErrClaimConflict.
	Claim(ctx context.Context, runID, workerID string, from ...models.RunStatus) (*models.Run, error)

	// UpdateRun persists the mutable run state (status, cursor, attempt, error, completion).
	UpdateRun(ctx context.Context, run *models.Run) error

	// AppendLog appends one ledger row. A row for an already logged (node, attempt) pair
	// is not written again and appended is false.
	AppendLog(ctx context.Context, runID string, entry models.LogEntry) (appended bool, err error)

	Runs(ctx context.Context, filter models.RunFilter) ([]*models.Run, error)

	// HasRun reports whether any run exists for the graph and subject.
	HasRun(ctx context.Context, graphID, subjectID string) (bool, error)
}

// ContinuationRepository is the durable queue of parked runs.
type ContinuationRepository interface {
	SaveContinuation(ctx context.Context, continuation *models.ScheduledContinuation) error

	// ClaimDue removes and returns up to limit continuations with ResumeAt <= now.
	// Concurrent callers never receive the same continuation.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledContinuation, error)

	ContinuationsByRun(ctx context.Context, runID string) ([]*models.ScheduledContinuation, error)

	// DeleteContinuations removes every pending continuation of the run.
	DeleteContinuations(ctx context.Context, runID string) (int, error)
}

// ScheduleRepository stores cron schedules for scheduled_tick trigger nodes.
type ScheduleRepository interface {
	SaveSchedule(ctx context.Context, schedule *models.Schedule) error
	SchedulesByGraph(ctx context.Context, graphID string) ([]*models.Schedule, error)
	DueSchedules(ctx context.Context, now time.Time) ([]*models.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
}
