// Package memory provides an in-process persistence implementation for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/funnelflow/funnelflow/pkg/models"
	"github.com/funnelflow/funnelflow/pkg/persistence"
	"github.com/google/uuid"
)

// Persistence keeps every repository in process memory guarded by a single mutex,
// which makes claims and continuation hand-off atomic for goroutines of one process.
type Persistence struct {
	mu sync.Mutex

	graphs        map[string]*models.AutomationGraph
	runs          map[string]*models.Run
	continuations map[string]*models.ScheduledContinuation
	schedules     map[string]*models.Schedule
}

// NewPersistence creates an empty in-memory store.
func NewPersistence() *Persistence {
	return &Persistence{
		graphs:        make(map[string]*models.AutomationGraph),
		runs:          make(map[string]*models.Run),
		continuations: make(map[string]*models.ScheduledContinuation),
		schedules:     make(map[string]*models.Schedule),
	}
}

func (p *Persistence) GraphRepository() persistence.GraphRepository { return &graphRepository{p} }

func (p *Persistence) RunRepository() persistence.RunRepository { return &runRepository{p} }

func (p *Persistence) ContinuationRepository() persistence.ContinuationRepository {
	return &continuationRepository{p}
}

func (p *Persistence) ScheduleRepository() persistence.ScheduleRepository {
	return &scheduleRepository{p}
}

// HealthCheck always succeeds for the in-memory store.
func (p *Persistence) HealthCheck(_ context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (p *Persistence) Close(_ context.Context) error { return nil }

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}

	return id.String(), nil
}

type graphRepository struct{ p *Persistence }

func (r *graphRepository) SaveGraph(_ context.Context, graph *models.AutomationGraph) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	now := time.Now().UTC()
	if graph.ID == "" {
		id, err := newID()
		if err != nil {
			return persistence.NewGraphError("SaveGraph", "", err)
		}

		graph.ID = id
	}

	if graph.CreatedAt.IsZero() {
		graph.CreatedAt = now
	}

	graph.UpdatedAt = now
	r.p.graphs[graph.ID] = cloneGraph(graph)

	return nil
}

func (r *graphRepository) GraphByID(_ context.Context, id string) (*models.AutomationGraph, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	graph, ok := r.p.graphs[id]
	if !ok {
		return nil, persistence.NewGraphError("GraphByID", id, persistence.ErrGraphNotFound)
	}

	return cloneGraph(graph), nil
}

func (r *graphRepository) Graphs(_ context.Context, organizationID string) ([]*models.AutomationGraph, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	graphs := make([]*models.AutomationGraph, 0)

	for _, graph := range r.p.graphs {
		if organizationID == "" || graph.OrganizationID == organizationID {
			graphs = append(graphs, cloneGraph(graph))
		}
	}

	sortGraphs(graphs)

	return graphs, nil
}

func (r *graphRepository) EnabledGraphs(
	_ context.Context,
	organizationID string,
	eventType models.EventType,
) ([]*models.AutomationGraph, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	graphs := make([]*models.AutomationGraph, 0)

	for _, graph := range r.p.graphs {
		if !graph.IsExecutable() || graph.TriggerType != eventType {
			continue
		}

		if organizationID != "" && graph.OrganizationID != organizationID {
			continue
		}

		graphs = append(graphs, cloneGraph(graph))
	}

	sortGraphs(graphs)

	return graphs, nil
}

func (r *graphRepository) DisableGraph(_ context.Context, id string, at time.Time) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	graph, ok := r.p.graphs[id]
	if !ok {
		return persistence.NewGraphError("DisableGraph", id, persistence.ErrGraphNotFound)
	}

	graph.Enabled = false
	graph.DisabledAt = &at
	graph.UpdatedAt = at

	return nil
}

type runRepository struct{ p *Persistence }

func (r *runRepository) CreateRun(_ context.Context, run *models.Run) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if run.ID == "" {
		id, err := newID()
		if err != nil {
			return persistence.NewRunError("CreateRun", "", err)
		}

		run.ID = id
	}

	if _, exists := r.p.runs[run.ID]; exists {
		return persistence.NewRunError("CreateRun", run.ID, persistence.ErrRunAlreadyExists)
	}

	now := time.Now().UTC()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}

	run.UpdatedAt = now
	r.p.runs[run.ID] = cloneRun(run)

	return nil
}

func (r *runRepository) RunByID(_ context.Context, id string) (*models.Run, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	run, ok := r.p.runs[id]
	if !ok {
		return nil, persistence.NewRunError("RunByID", id, persistence.ErrRunNotFound)
	}

	return cloneRun(run), nil
}

func (r *runRepository) Claim(
	_ context.Context,
	runID, workerID string,
	from ...models.RunStatus,
) (*models.Run, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	run, ok := r.p.runs[runID]
	if !ok {
		return nil, persistence.NewRunError("Claim", runID, persistence.ErrRunNotFound)
	}

	claimable := false

	for _, status := range from {
		if run.Status == status {
			claimable = true

			break
		}
	}

	if !claimable {
		return nil, persistence.NewRunError("Claim", runID, persistence.ErrClaimConflict)
	}

	run.Status = models.RunStatusRunning
	run.ClaimedBy = workerID
	run.UpdatedAt = time.Now().UTC()

	return cloneRun(run), nil
}

func (r *runRepository) UpdateRun(_ context.Context, run *models.Run) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	stored, ok := r.p.runs[run.ID]
	if !ok {
		return persistence.NewRunError("UpdateRun", run.ID, persistence.ErrRunNotFound)
	}

	stored.Status = run.Status
	stored.CurrentNodeID = run.CurrentNodeID
	stored.Attempt = run.Attempt
	stored.Steps = run.Steps
	stored.ClaimedBy = run.ClaimedBy
	stored.CompletedAt = run.CompletedAt

	if run.Error != nil {
		runErr := *run.Error
		stored.Error = &runErr
	} else {
		stored.Error = nil
	}

	stored.UpdatedAt = time.Now().UTC()
	run.UpdatedAt = stored.UpdatedAt

	return nil
}

func (r *runRepository) AppendLog(_ context.Context, runID string, entry models.LogEntry) (bool, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	run, ok := r.p.runs[runID]
	if !ok {
		return false, persistence.NewRunError("AppendLog", runID, persistence.ErrRunNotFound)
	}

	if run.HasLogEntry(entry.Step, entry.NodeID, entry.Attempt) {
		return false, nil
	}

	entry.Sequence = len(run.Log) + 1
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	run.Log = append(run.Log, entry)

	return true, nil
}

func (r *runRepository) Runs(_ context.Context, filter models.RunFilter) ([]*models.Run, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	runs := make([]*models.Run, 0)

	for _, run := range r.p.runs {
		if filter.GraphID != "" && run.GraphID != filter.GraphID {
			continue
		}

		if filter.SubjectID != "" && run.SubjectID != filter.SubjectID {
			continue
		}

		if filter.Status != "" && run.Status != filter.Status {
			continue
		}

		runs = append(runs, cloneRun(run))
	}

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ID > runs[j].ID
		}

		return runs[i].StartedAt.After(runs[j].StartedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(runs) {
			return []*models.Run{}, nil
		}

		runs = runs[filter.Offset:]
	}

	if filter.Limit > 0 && filter.Limit < len(runs) {
		runs = runs[:filter.Limit]
	}

	return runs, nil
}

func (r *runRepository) HasRun(_ context.Context, graphID, subjectID string) (bool, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	for _, run := range r.p.runs {
		if run.GraphID == graphID && run.SubjectID == subjectID {
			return true, nil
		}
	}

	return false, nil
}

type continuationRepository struct{ p *Persistence }

func (r *continuationRepository) SaveContinuation(_ context.Context, continuation *models.ScheduledContinuation) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if continuation.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		continuation.ID = id
	}

	if continuation.CreatedAt.IsZero() {
		continuation.CreatedAt = time.Now().UTC()
	}

	stored := *continuation
	r.p.continuations[continuation.ID] = &stored

	return nil
}

func (r *continuationRepository) ClaimDue(
	_ context.Context,
	now time.Time,
	limit int,
) ([]*models.ScheduledContinuation, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	due := make([]*models.ScheduledContinuation, 0)

	for _, continuation := range r.p.continuations {
		if continuation.IsDue(now) {
			due = append(due, continuation)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].ResumeAt.Before(due[j].ResumeAt)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	for _, continuation := range due {
		delete(r.p.continuations, continuation.ID)
	}

	return due, nil
}

func (r *continuationRepository) ContinuationsByRun(
	_ context.Context,
	runID string,
) ([]*models.ScheduledContinuation, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	result := make([]*models.ScheduledContinuation, 0)

	for _, continuation := range r.p.continuations {
		if continuation.RunID == runID {
			c := *continuation
			result = append(result, &c)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ResumeAt.Before(result[j].ResumeAt)
	})

	return result, nil
}

func (r *continuationRepository) DeleteContinuations(_ context.Context, runID string) (int, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	deleted := 0

	for id, continuation := range r.p.continuations {
		if continuation.RunID == runID {
			delete(r.p.continuations, id)
			deleted++
		}
	}

	return deleted, nil
}

type scheduleRepository struct{ p *Persistence }

func (r *scheduleRepository) SaveSchedule(_ context.Context, schedule *models.Schedule) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	for id, existing := range r.p.schedules {
		if existing.GraphID == schedule.GraphID && existing.TriggerNodeID == schedule.TriggerNodeID {
			schedule.ID = id
		}
	}

	if schedule.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		schedule.ID = id
	}

	stored := *schedule
	r.p.schedules[schedule.ID] = &stored

	return nil
}

func (r *scheduleRepository) SchedulesByGraph(_ context.Context, graphID string) ([]*models.Schedule, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	result := make([]*models.Schedule, 0)

	for _, schedule := range r.p.schedules {
		if schedule.GraphID == graphID {
			s := *schedule
			result = append(result, &s)
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].TriggerNodeID < result[j].TriggerNodeID })

	return result, nil
}

func (r *scheduleRepository) DueSchedules(_ context.Context, now time.Time) ([]*models.Schedule, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	result := make([]*models.Schedule, 0)

	for _, schedule := range r.p.schedules {
		if schedule.IsDue(now) {
			s := *schedule
			result = append(result, &s)
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].NextDueAt.Before(result[j].NextDueAt) })

	return result, nil
}

func (r *scheduleRepository) DeleteSchedule(_ context.Context, id string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if _, ok := r.p.schedules[id]; !ok {
		return persistence.ErrScheduleNotFound
	}

	delete(r.p.schedules, id)

	return nil
}

func sortGraphs(graphs []*models.AutomationGraph) {
	sort.Slice(graphs, func(i, j int) bool {
		if graphs[i].CreatedAt.Equal(graphs[j].CreatedAt) {
			return graphs[i].ID < graphs[j].ID
		}

		return graphs[i].CreatedAt.Before(graphs[j].CreatedAt)
	})
}

func cloneGraph(graph *models.AutomationGraph) *models.AutomationGraph {
	clone := *graph
	clone.Nodes = make([]*models.Node, len(graph.Nodes))

	for i, node := range graph.Nodes {
		n := *node
		n.Config = cloneMap(node.Config)
		clone.Nodes[i] = &n
	}

	clone.Edges = make([]*models.Edge, len(graph.Edges))

	for i, edge := range graph.Edges {
		e := *edge
		clone.Edges[i] = &e
	}

	if graph.DisabledAt != nil {
		disabledAt := *graph.DisabledAt
		clone.DisabledAt = &disabledAt
	}

	return &clone
}

func cloneRun(run *models.Run) *models.Run {
	clone := *run
	clone.Log = append([]models.LogEntry(nil), run.Log...)
	clone.Event.Payload = cloneMap(run.Event.Payload)

	if run.Error != nil {
		runErr := *run.Error
		clone.Error = &runErr
	}

	if run.CompletedAt != nil {
		completedAt := *run.CompletedAt
		clone.CompletedAt = &completedAt
	}

	return &clone
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	clone := make(map[string]any, len(m))
	for key, value := range m {
		clone[key] = value
	}

	return clone
}
