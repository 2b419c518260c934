package trigger

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/funnelflow/funnelflow/pkg/models"
	"github.com/funnelflow/funnelflow/pkg/persistence/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func singleTriggerGraph(id, org string, eventType models.EventType, config map[string]any) *models.AutomationGraph {
	config["event_type"] = string(eventType)

	return &models.AutomationGraph{
		ID:             id,
		OrganizationID: org,
		Name:           "graph " + id,
		Enabled:        true,
		TriggerType:    eventType,
		Nodes: []*models.Node{
			{ID: id + "-trigger", Kind: models.NodeKindTrigger, Config: config},
		},
	}
}

func newMatcher(t *testing.T, graphs ...*models.AutomationGraph) *Matcher {
	t.Helper()

	store := memory.NewPersistence()
	for _, graph := range graphs {
		require.NoError(t, store.GraphRepository().SaveGraph(context.Background(), graph))
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	return NewMatcher(store.GraphRepository(), logger)
}

func graphIDs(matches []models.TriggerMatch) []string {
	ids := make([]string, 0, len(matches))
	for _, match := range matches {
		ids = append(ids, match.GraphID)
	}

	return ids
}

func TestMatcher_StageChanged(t *testing.T) {
	matcher := newMatcher(t,
		singleTriggerGraph("any-stage", "org-1", models.EventLeadStageChanged, map[string]any{}),
		singleTriggerGraph("to-qualified", "org-1", models.EventLeadStageChanged, map[string]any{"stage_id": "qualified"}),
		singleTriggerGraph("alias", "org-1", models.EventLeadStageChanged, map[string]any{"to_stage_id": "qualified"}),
		singleTriggerGraph("from-new", "org-1", models.EventLeadStageChanged, map[string]any{
			"stage_id":      "qualified",
			"from_stage_id": "new",
		}),
		singleTriggerGraph("to-won", "org-1", models.EventLeadStageChanged, map[string]any{"stage_id": "won"}),
		singleTriggerGraph("other-org", "org-2", models.EventLeadStageChanged, map[string]any{}),
		singleTriggerGraph("tag-graph", "org-1", models.EventTagAdded, map[string]any{}),
	)

	matches, err := matcher.Match(context.Background(), models.Event{
		Type:           models.EventLeadStageChanged,
		OrganizationID: "org-1",
		SubjectID:      "lead-1",
		Payload:        map[string]any{"to_stage_id": "qualified", "from_stage_id": "contacted"},
	})

	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"any-stage", "to-qualified", "alias"}, graphIDs(matches))

	for _, match := range matches {
		require.NotNil(t, match.Graph)
		assert.Equal(t, match.GraphID+"-trigger", match.TriggerNodeID)
	}
}

func TestMatcher_Filters(t *testing.T) {
	testCases := []struct {
		name      string
		eventType models.EventType
		config    map[string]any
		payload   map[string]any
		matches   bool
	}{
		{"keyword found ignoring case", models.EventMessageReceived, map[string]any{"keyword": "price"},
			map[string]any{"text": "What is the PRICE?"}, true},
		{"keyword absent", models.EventMessageReceived, map[string]any{"keyword": "price"},
			map[string]any{"text": "hello"}, false},
		{"no keyword matches everything", models.EventMessageReceived, map[string]any{},
			map[string]any{"text": "hello"}, true},
		{"tag matches", models.EventTagAdded, map[string]any{"tag_id": "vip"},
			map[string]any{"tag_id": "vip"}, true},
		{"tag differs", models.EventTagAdded, map[string]any{"tag_id": "vip"},
			map[string]any{"tag_id": "cold"}, false},
		{"source matches", models.EventLeadCreated, map[string]any{"source": "facebook"},
			map[string]any{"source": "facebook"}, true},
		{"source differs", models.EventLeadCreated, map[string]any{"source": "facebook"},
			map[string]any{"source": "website"}, false},
		{"inactive long enough", models.EventInactivityCheck, map[string]any{"days": 3},
			map[string]any{"inactive_days": 5}, true},
		{"inactive too short", models.EventInactivityCheck, map[string]any{"days": 7},
			map[string]any{"inactive_days": 5}, false},
		{"scheduled tick for this node", models.EventScheduledTick, map[string]any{"cron": "@daily"},
			map[string]any{"trigger_node_id": "g-trigger"}, true},
		{"scheduled tick for another node", models.EventScheduledTick, map[string]any{"cron": "@daily"},
			map[string]any{"trigger_node_id": "elsewhere"}, false},
		{"manual addressed to graph", models.EventManual, map[string]any{},
			map[string]any{"graph_id": "g"}, true},
		{"manual addressed elsewhere", models.EventManual, map[string]any{},
			map[string]any{"graph_id": "other"}, false},
		{"manual broadcast", models.EventManual, map[string]any{}, nil, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			matcher := newMatcher(t, singleTriggerGraph("g", "org-1", tc.eventType, tc.config))

			matches, err := matcher.Match(context.Background(), models.Event{
				Type:           tc.eventType,
				OrganizationID: "org-1",
				SubjectID:      "lead-1",
				Payload:        tc.payload,
			})

			require.NoError(t, err)

			if tc.matches {
				assert.Equal(t, []string{"g"}, graphIDs(matches))
			} else {
				assert.Empty(t, matches)
			}
		})
	}
}

func TestMatcher_SkipsDisabledGraphs(t *testing.T) {
	disabled := singleTriggerGraph("disabled", "org-1", models.EventTagAdded, map[string]any{})
	disabledAt := time.Now()
	disabled.DisabledAt = &disabledAt

	off := singleTriggerGraph("off", "org-1", models.EventTagAdded, map[string]any{})
	off.Enabled = false

	matcher := newMatcher(t, disabled, off)

	matches, err := matcher.Match(context.Background(), models.Event{
		Type:           models.EventTagAdded,
		OrganizationID: "org-1",
		Payload:        map[string]any{"tag_id": "vip"},
	})

	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestMatcher_MultipleTriggerNodesInOneGraph(t *testing.T) {
	graph := singleTriggerGraph("multi", "org-1", models.EventTagAdded, map[string]any{"tag_id": "vip"})
	graph.Nodes = append(graph.Nodes, &models.Node{
		ID:     "second",
		Kind:   models.NodeKindTrigger,
		Config: map[string]any{"event_type": "tag_added"},
	})

	matcher := newMatcher(t, graph)

	matches, err := matcher.Match(context.Background(), models.Event{
		Type:           models.EventTagAdded,
		OrganizationID: "org-1",
		Payload:        map[string]any{"tag_id": "vip"},
	})

	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "multi-trigger", matches[0].TriggerNodeID)
	assert.Equal(t, "second", matches[1].TriggerNodeID)
}

func TestMatcher_UnsupportedEventType(t *testing.T) {
	matcher := newMatcher(t)

	_, err := matcher.Match(context.Background(), models.Event{Type: "lead_deleted", OrganizationID: "org-1"})
	require.Error(t, err)
}
