// Package trigger selects the (graph, trigger node) pairs an inbound domain event fires.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/funnelflow/funnelflow/pkg/models"
	"github.com/funnelflow/funnelflow/pkg/persistence"
)

type filterFunc func(graph *models.AutomationGraph, node *models.Node, cfg models.TriggerConfig, event models.Event) bool

var filters = map[models.EventType]filterFunc{
	models.EventLeadStageChanged: func(_ *models.AutomationGraph, _ *models.Node, cfg models.TriggerConfig, event models.Event) bool {
		return matchesOptional(cfg.TargetStageID(), event.ToStageID()) &&
			matchesOptional(cfg.FromStageID, event.FromStageID())
	},
	models.EventMessageReceived: func(_ *models.AutomationGraph, _ *models.Node, cfg models.TriggerConfig, event models.Event) bool {
		return cfg.Keyword == "" ||
			strings.Contains(strings.ToLower(event.MessageText()), strings.ToLower(cfg.Keyword))
	},
	models.EventTagAdded: func(_ *models.AutomationGraph, _ *models.Node, cfg models.TriggerConfig, event models.Event) bool {
		return matchesOptional(cfg.TagID, event.TagID())
	},
	models.EventLeadCreated: func(_ *models.AutomationGraph, _ *models.Node, cfg models.TriggerConfig, event models.Event) bool {
		return matchesOptional(cfg.Source, event.Source())
	},
	models.EventInactivityCheck: func(_ *models.AutomationGraph, _ *models.Node, cfg models.TriggerConfig, event models.Event) bool {
		return cfg.Days <= event.InactiveDays()
	},
	models.EventScheduledTick: func(_ *models.AutomationGraph, node *models.Node, _ models.TriggerConfig, event models.Event) bool {
		return matchesOptional(event.TriggerNodeID(), node.ID)
	},
	models.EventManual: func(graph *models.AutomationGraph, node *models.Node, _ models.TriggerConfig, event models.Event) bool {
		return matchesOptional(event.GraphID(), graph.ID) && matchesOptional(event.TriggerNodeID(), node.ID)
	},
}

// matchesOptional treats an empty expectation as a wildcard.
func matchesOptional(expected, actual string) bool {
	return expected == "" || expected == actual
}

// Matcher resolves events to trigger matches. It never mutates state.
type Matcher struct {
	graphs persistence.GraphRepository
	logger *slog.Logger
}

// NewMatcher creates a matcher reading enabled graphs from the repository.
func NewMatcher(graphs persistence.GraphRepository, logger *slog.Logger) *Matcher {
	return &Matcher{
		graphs: graphs,
		logger: logger.With("module", "trigger_matcher"),
	}
}

// Match returns every (graph, trigger node) pair the event fires. Each match starts an
// independent run; the order of the result carries no meaning.
func (m *Matcher) Match(ctx context.Context, event models.Event) ([]models.TriggerMatch, error) {
	filter, ok := filters[event.Type]
	if !ok {
		return nil, fmt.Errorf("unsupported event type %q", event.Type)
	}

	graphs, err := m.graphs.EnabledGraphs(ctx, event.OrganizationID, event.Type)
	if err != nil {
		return nil, fmt.Errorf("failed to load enabled graphs: %w", err)
	}

	matches := make([]models.TriggerMatch, 0)

	for _, graph := range graphs {
		if !graph.IsExecutable() || graph.TriggerType != event.Type {
			continue
		}

		for _, node := range graph.TriggerNodes() {
			cfg, err := node.TriggerConfig()
			if err != nil {
				m.logger.WarnContext(ctx, "skipping trigger with invalid configuration",
					"graph_id", graph.ID, "node_id", node.ID, "error", err)

				continue
			}

			if cfg.EventType != event.Type || !filter(graph, node, cfg, event) {
				continue
			}

			matches = append(matches, models.TriggerMatch{
				GraphID:       graph.ID,
				TriggerNodeID: node.ID,
				Graph:         graph,
			})
		}
	}

	m.logger.DebugContext(ctx, "matched event",
		"event_type", event.Type,
		"event_id", event.ID,
		"matches", len(matches))

	return matches, nil
}
