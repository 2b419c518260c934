package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/funnelflow/funnelflow/pkg/models"
	"github.com/funnelflow/funnelflow/pkg/persistence/memory"
	subjects "github.com/funnelflow/funnelflow/pkg/subjects/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *eventRecorder) emit(_ context.Context, event models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)

	return nil
}

func (r *eventRecorder) all() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]models.Event(nil), r.events...)
}

func cronGraph(id, cronExpr string) *models.AutomationGraph {
	return &models.AutomationGraph{
		ID:             id,
		OrganizationID: "org-1",
		Name:           "Weekly digest",
		Enabled:        true,
		TriggerType:    models.EventScheduledTick,
		Nodes: []*models.Node{
			{ID: "tick", Kind: models.NodeKindTrigger, Config: map[string]any{
				"event_type": "scheduled_tick",
				"cron":       cronExpr,
			}},
			{ID: "alert", Kind: models.NodeKindAction, Config: map[string]any{"action": "alert", "message": "digest"}},
		},
		Edges: []*models.Edge{{ID: "e1", SourceNodeID: "tick", TargetNodeID: "alert"}},
	}
}

func inactivityGraph(id, organizationID string, days int) *models.AutomationGraph {
	return &models.AutomationGraph{
		ID:             id,
		OrganizationID: organizationID,
		Name:           "Inactivity escalation",
		Enabled:        true,
		TriggerType:    models.EventInactivityCheck,
		Nodes: []*models.Node{
			{ID: "quiet", Kind: models.NodeKindTrigger, Config: map[string]any{
				"event_type": "inactivity_check",
				"days":       days,
			}},
		},
	}
}

func TestTicker_SyncAndTick(t *testing.T) {
	ctx := context.Background()
	clock := NewManualClock(start)
	store := memory.NewPersistence()
	recorder := &eventRecorder{}

	require.NoError(t, store.GraphRepository().SaveGraph(ctx, cronGraph("graph-1", "0 9 * * *")))

	ticker := NewTicker(store.GraphRepository(), store.ScheduleRepository(), subjects.NewStore(),
		recorder.emit, clock, testLogger())

	require.NoError(t, ticker.SyncSchedules(ctx))

	schedules, err := store.ScheduleRepository().SchedulesByGraph(ctx, "graph-1")
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, "tick", schedules[0].TriggerNodeID)
	assert.Equal(t, time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC), schedules[0].NextDueAt)

	emitted, err := ticker.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, emitted)

	clock.Set(time.Date(2026, 4, 1, 9, 0, 30, 0, time.UTC))

	emitted, err = ticker.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, emitted)

	events := recorder.all()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventScheduledTick, events[0].Type)
	assert.Equal(t, "graph-1", events[0].GraphID())
	assert.Equal(t, "tick", events[0].TriggerNodeID())
	assert.Equal(t, "org-1", events[0].OrganizationID)

	schedules, err = store.ScheduleRepository().SchedulesByGraph(ctx, "graph-1")
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC), schedules[0].NextDueAt)

	emitted, err = ticker.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, emitted, "a schedule fires once per due time")
}

func TestTicker_SyncKeepsUnchangedScheduleAndReplacesEdited(t *testing.T) {
	ctx := context.Background()
	clock := NewManualClock(start)
	store := memory.NewPersistence()
	graph := cronGraph("graph-1", "0 9 * * *")

	require.NoError(t, store.GraphRepository().SaveGraph(ctx, graph))

	ticker := NewTicker(store.GraphRepository(), store.ScheduleRepository(), subjects.NewStore(),
		(&eventRecorder{}).emit, clock, testLogger())

	require.NoError(t, ticker.SyncSchedules(ctx))

	clock.Advance(3 * time.Hour)
	require.NoError(t, ticker.SyncSchedules(ctx))

	schedules, err := store.ScheduleRepository().SchedulesByGraph(ctx, "graph-1")
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC), schedules[0].NextDueAt)

	graph.Nodes[0].Config["cron"] = "30 12 * * *"
	require.NoError(t, store.GraphRepository().SaveGraph(ctx, graph))
	require.NoError(t, ticker.SyncSchedules(ctx))

	schedules, err = store.ScheduleRepository().SchedulesByGraph(ctx, "graph-1")
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, "30 12 * * *", schedules[0].CronExpression)
	assert.Equal(t, time.Date(2026, 4, 1, 12, 30, 0, 0, time.UTC), schedules[0].NextDueAt)
}

func TestTicker_TickDropsSchedulesOfDisabledGraphs(t *testing.T) {
	ctx := context.Background()
	clock := NewManualClock(start)
	store := memory.NewPersistence()
	recorder := &eventRecorder{}

	require.NoError(t, store.GraphRepository().SaveGraph(ctx, cronGraph("graph-1", "@hourly")))

	ticker := NewTicker(store.GraphRepository(), store.ScheduleRepository(), subjects.NewStore(),
		recorder.emit, clock, testLogger())
	require.NoError(t, ticker.SyncSchedules(ctx))

	require.NoError(t, store.GraphRepository().DisableGraph(ctx, "graph-1", start))
	clock.Advance(2 * time.Hour)

	emitted, err := ticker.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, emitted)
	assert.Empty(t, recorder.all())

	schedules, err := store.ScheduleRepository().SchedulesByGraph(ctx, "graph-1")
	require.NoError(t, err)
	assert.Empty(t, schedules)
}

func TestTicker_SweepUsesShortestThresholdPerOrganization(t *testing.T) {
	ctx := context.Background()
	clock := NewManualClock(start)
	store := memory.NewPersistence()
	recorder := &eventRecorder{}

	require.NoError(t, store.GraphRepository().SaveGraph(ctx, inactivityGraph("g-7", "org-1", 7)))
	require.NoError(t, store.GraphRepository().SaveGraph(ctx, inactivityGraph("g-3", "org-1", 3)))
	require.NoError(t, store.GraphRepository().SaveGraph(ctx, inactivityGraph("g-30", "org-2", 30)))

	crm := subjects.NewStore(
		models.Subject{ID: "fresh", OrganizationID: "org-1", LastActivityAt: start.Add(-24 * time.Hour)},
		models.Subject{ID: "quiet", OrganizationID: "org-1", LastActivityAt: start.Add(-4 * 24 * time.Hour)},
		models.Subject{ID: "gone", OrganizationID: "org-1", LastActivityAt: start.Add(-10 * 24 * time.Hour)},
		models.Subject{ID: "org2-recent", OrganizationID: "org-2", LastActivityAt: start.Add(-10 * 24 * time.Hour)},
		models.Subject{ID: "org3-quiet", OrganizationID: "org-3", LastActivityAt: start.Add(-90 * 24 * time.Hour)},
	)

	ticker := NewTicker(store.GraphRepository(), store.ScheduleRepository(), crm, recorder.emit, clock, testLogger())

	emitted, err := ticker.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, emitted)

	days := make(map[string]int)
	for _, event := range recorder.all() {
		assert.Equal(t, models.EventInactivityCheck, event.Type)
		days[event.SubjectID] = event.InactiveDays()
	}

	assert.Equal(t, map[string]int{"gone": 10, "quiet": 4}, days)
}

func TestTicker_StartRejectsInvalidSpec(t *testing.T) {
	store := memory.NewPersistence()
	ticker := NewTicker(store.GraphRepository(), store.ScheduleRepository(), subjects.NewStore(),
		(&eventRecorder{}).emit, NewManualClock(start), testLogger(), WithTickSpec("every now and then"))

	err := ticker.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid tick spec")
}
