package graph

import (
	"testing"
	"time"

	"github.com/funnelflow/funnelflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stageEntryGraph() *models.AutomationGraph {
	return &models.AutomationGraph{
		ID:             "graph-1",
		OrganizationID: "org-1",
		Name:           "Stage entry welcome",
		TriggerType:    models.EventLeadStageChanged,
		Nodes: []*models.Node{
			{ID: "trigger", Kind: models.NodeKindTrigger, Config: map[string]any{
				"event_type": "lead_stage_changed",
				"stage_id":   "qualified",
			}},
			{ID: "has-phone", Kind: models.NodeKindCondition, Config: map[string]any{
				"predicate": "has_tag",
				"tag_id":    "whatsapp",
			}},
			{ID: "send", Kind: models.NodeKindAction, Config: map[string]any{
				"action":   "send_message",
				"channel":  "whatsapp",
				"template": "Hi {{lead.name}}",
			}},
			{ID: "wait", Kind: models.NodeKindDelay, Config: map[string]any{"amount": 2, "unit": "hours"}},
			{ID: "task", Kind: models.NodeKindAction, Config: map[string]any{
				"action": "create_task",
				"title":  "Call the lead",
			}},
		},
		Edges: []*models.Edge{
			{ID: "e1", SourceNodeID: "trigger", TargetNodeID: "has-phone"},
			{ID: "e2", SourceNodeID: "has-phone", TargetNodeID: "send", BranchKey: "true"},
			{ID: "e3", SourceNodeID: "has-phone", TargetNodeID: "task", BranchKey: "false"},
			{ID: "e4", SourceNodeID: "send", TargetNodeID: "wait"},
			{ID: "e5", SourceNodeID: "wait", TargetNodeID: "task"},
		},
	}
}

func messages(issues []Issue) []string {
	out := make([]string, 0, len(issues))
	for _, issue := range issues {
		out = append(out, issue.String())
	}

	return out
}

func TestDAG_Navigation(t *testing.T) {
	dag := New(stageEntryGraph())

	node, ok := dag.Node("send")
	require.True(t, ok)
	assert.Equal(t, models.NodeKindAction, node.Kind)

	_, ok = dag.Node("missing")
	assert.False(t, ok)

	next, ok := dag.Next("trigger")
	require.True(t, ok)
	assert.Equal(t, "has-phone", next.TargetNodeID)

	branch, ok := dag.Branch("has-phone", "false")
	require.True(t, ok)
	assert.Equal(t, "task", branch.TargetNodeID)

	_, ok = dag.Branch("has-phone", "maybe")
	assert.False(t, ok)

	_, ok = dag.Next("task")
	assert.False(t, ok)

	assert.Equal(t, 2, dag.Incoming("task"))
	assert.Len(t, dag.Outgoing("has-phone"), 2)
}

func TestDAG_BranchFallsBackToDefaultEdge(t *testing.T) {
	g := stageEntryGraph()
	g.Edges[2].BranchKey = ""

	dag := New(g)

	edge, ok := dag.Branch("has-phone", "false")
	require.True(t, ok)
	assert.Equal(t, "e3", edge.ID)

	edge, ok = dag.Branch("has-phone", "true")
	require.True(t, ok)
	assert.Equal(t, "e2", edge.ID)
}

func TestValidate_ValidGraph(t *testing.T) {
	report := Validate(stageEntryGraph())

	assert.True(t, report.Valid(), messages(report.Errors))
	assert.Empty(t, report.DeadNodes)
	assert.NoError(t, report.Err())
}

func TestValidate_FlagsUnreachableNodes(t *testing.T) {
	g := stageEntryGraph()
	g.Nodes = append(g.Nodes,
		&models.Node{ID: "orphan", Kind: models.NodeKindAction, Config: map[string]any{"action": "add_tag", "tag_id": "vip"}},
		&models.Node{ID: "orphan-child", Kind: models.NodeKindAction, Config: map[string]any{"action": "alert", "message": "hi"}},
	)
	g.Edges = append(g.Edges, &models.Edge{ID: "e6", SourceNodeID: "orphan", TargetNodeID: "orphan-child"})

	report := Validate(g)

	assert.True(t, report.Valid(), messages(report.Errors))
	assert.ElementsMatch(t, []string{"orphan", "orphan-child"}, report.DeadNodes)
	assert.Len(t, report.Warnings, 2)
}

func TestValidate_StructuralErrors(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(g *models.AutomationGraph)
		message string
	}{
		{
			name: "no trigger",
			mutate: func(g *models.AutomationGraph) {
				g.Nodes = g.Nodes[1:]
				g.Edges = g.Edges[1:]
			},
			message: "graph has no trigger node",
		},
		{
			name: "incoming edge into trigger",
			mutate: func(g *models.AutomationGraph) {
				g.Edges = append(g.Edges, &models.Edge{ID: "loop", SourceNodeID: "task", TargetNodeID: "trigger"})
			},
			message: "trigger nodes cannot have incoming edges",
		},
		{
			name: "action with two outgoing edges",
			mutate: func(g *models.AutomationGraph) {
				g.Edges = append(g.Edges, &models.Edge{ID: "extra", SourceNodeID: "send", TargetNodeID: "task"})
			},
			message: "at most one outgoing edge",
		},
		{
			name: "edge to missing node",
			mutate: func(g *models.AutomationGraph) {
				g.Edges = append(g.Edges, &models.Edge{ID: "dangling", SourceNodeID: "task", TargetNodeID: "ghost"})
			},
			message: `target node "ghost" does not exist`,
		},
		{
			name: "trigger event type mismatch",
			mutate: func(g *models.AutomationGraph) {
				g.Nodes[0].Config["event_type"] = "tag_added"
			},
			message: "does not match graph trigger type",
		},
		{
			name: "unknown predicate",
			mutate: func(g *models.AutomationGraph) {
				g.Nodes[1].Config["predicate"] = "lead_score_above"
			},
			message: `unknown predicate "lead_score_above"`,
		},
		{
			name: "missing operand",
			mutate: func(g *models.AutomationGraph) {
				delete(g.Nodes[1].Config, "tag_id")
			},
			message: "missing its operand",
		},
		{
			name: "unknown action",
			mutate: func(g *models.AutomationGraph) {
				g.Nodes[2].Config["action"] = "send_fax"
			},
			message: `unknown action "send_fax"`,
		},
		{
			name: "action missing parameter",
			mutate: func(g *models.AutomationGraph) {
				delete(g.Nodes[2].Config, "template")
			},
			message: "JSON schema validation failed",
		},
		{
			name: "invalid delay unit",
			mutate: func(g *models.AutomationGraph) {
				g.Nodes[3].Config["unit"] = "weeks"
			},
			message: "JSON schema validation failed",
		},
		{
			name: "duplicate branch key",
			mutate: func(g *models.AutomationGraph) {
				g.Edges[2].BranchKey = "true"
			},
			message: `duplicate branch key "true"`,
		},
		{
			name: "unknown node kind",
			mutate: func(g *models.AutomationGraph) {
				g.Nodes[4].Kind = "loop"
			},
			message: `unknown node kind "loop"`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			g := stageEntryGraph()
			tc.mutate(g)

			report := Validate(g)

			require.False(t, report.Valid())
			assert.Contains(t, report.Err().Error(), tc.message)
			assert.ErrorIs(t, report.Err(), ErrInvalidGraph)
		})
	}
}

func TestValidate_TriggerWithoutEdgesIsAllowed(t *testing.T) {
	g := &models.AutomationGraph{
		ID:             "graph-2",
		OrganizationID: "org-1",
		Name:           "Noop",
		TriggerType:    models.EventManual,
		Nodes: []*models.Node{
			{ID: "trigger", Kind: models.NodeKindTrigger, Config: map[string]any{"event_type": "manual"}},
		},
	}

	report := Validate(g)
	assert.True(t, report.Valid(), messages(report.Errors))
}

func TestValidate_ScheduledTickRequiresCron(t *testing.T) {
	g := &models.AutomationGraph{
		ID:             "graph-3",
		OrganizationID: "org-1",
		Name:           "Daily digest",
		TriggerType:    models.EventScheduledTick,
		Nodes: []*models.Node{
			{ID: "trigger", Kind: models.NodeKindTrigger, Config: map[string]any{"event_type": "scheduled_tick"}},
		},
	}

	report := Validate(g)
	require.False(t, report.Valid())
	assert.Contains(t, report.Err().Error(), "requires a cron expression")

	g.Nodes[0].Config["cron"] = "61 * * * *"
	report = Validate(g)
	require.False(t, report.Valid())
	assert.Contains(t, report.Err().Error(), "invalid cron expression")

	g.Nodes[0].Config["cron"] = "@daily"
	report = Validate(g)
	assert.True(t, report.Valid(), messages(report.Errors))
}

func TestValidate_CycleIsWarning(t *testing.T) {
	g := stageEntryGraph()
	g.Nodes[4] = &models.Node{ID: "task", Kind: models.NodeKindAction, Config: map[string]any{
		"action": "add_tag",
		"tag_id": "looped",
	}}
	g.Edges = append(g.Edges, &models.Edge{ID: "back", SourceNodeID: "task", TargetNodeID: "has-phone"})

	report := Validate(g)

	assert.True(t, report.Valid(), messages(report.Errors))
	assert.Contains(t, messages(report.Warnings), "graph contains a cycle; runs are bounded by the step limit")
}

func TestEnable(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("valid graph is enabled", func(t *testing.T) {
		g := stageEntryGraph()
		disabled := now.Add(-time.Hour)
		g.DisabledAt = &disabled

		report, err := Enable(g, now)
		require.NoError(t, err)
		assert.True(t, report.Valid())
		assert.True(t, g.IsExecutable())
		assert.Equal(t, now, g.UpdatedAt)
	})

	t.Run("invalid graph is refused", func(t *testing.T) {
		g := stageEntryGraph()
		g.Edges = append(g.Edges, &models.Edge{ID: "dangling", SourceNodeID: "task", TargetNodeID: "ghost"})

		_, err := Enable(g, now)
		require.ErrorIs(t, err, ErrInvalidGraph)
		assert.False(t, g.Enabled)
	})

	t.Run("disable is soft", func(t *testing.T) {
		g := stageEntryGraph()
		_, err := Enable(g, now)
		require.NoError(t, err)

		Disable(g, now.Add(time.Minute))
		assert.False(t, g.IsExecutable())
		require.NotNil(t, g.DisabledAt)
		assert.Len(t, g.Nodes, 5)
	})
}
