package graph

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/funnelflow/funnelflow/pkg/models"
	"github.com/go-playground/validator/v10"
)

// ErrInvalidGraph is returned when a graph with validation errors is enabled.
var ErrInvalidGraph = errors.New("invalid automation graph")

var validate = validator.New()

// Issue is a single validation finding. NodeID or EdgeID point at the offending element when known.
type Issue struct {
	NodeID  string `json:"node_id,omitempty"`
	EdgeID  string `json:"edge_id,omitempty"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	switch {
	case i.NodeID != "":
		return fmt.Sprintf("node %s: %s", i.NodeID, i.Message)
	case i.EdgeID != "":
		return fmt.Sprintf("edge %s: %s", i.EdgeID, i.Message)
	default:
		return i.Message
	}
}

// Report collects the outcome of validating a graph. Errors block enabling the graph;
// warnings and dead nodes do not.
type Report struct {
	Errors    []Issue  `json:"errors"`
	Warnings  []Issue  `json:"warnings"`
	DeadNodes []string `json:"dead_nodes"`
}

// Valid reports whether the graph has no blocking errors.
func (r *Report) Valid() bool {
	return len(r.Errors) == 0
}

// Err returns nil for a valid report, otherwise an error wrapping ErrInvalidGraph.
func (r *Report) Err() error {
	if r.Valid() {
		return nil
	}

	messages := make([]string, 0, len(r.Errors))
	for _, issue := range r.Errors {
		messages = append(messages, issue.String())
	}

	return fmt.Errorf("%w: %s", ErrInvalidGraph, strings.Join(messages, "; "))
}

func (r *Report) errorf(nodeID, edgeID, format string, args ...any) {
	r.Errors = append(r.Errors, Issue{NodeID: nodeID, EdgeID: edgeID, Message: fmt.Sprintf(format, args...)})
}

func (r *Report) warnf(nodeID, edgeID, format string, args ...any) {
	r.Warnings = append(r.Warnings, Issue{NodeID: nodeID, EdgeID: edgeID, Message: fmt.Sprintf(format, args...)})
}

// Validate checks the structural and configuration rules of a graph.
func Validate(graph *models.AutomationGraph) *Report {
	report := &Report{Errors: []Issue{}, Warnings: []Issue{}, DeadNodes: []string{}}

	if err := validate.Struct(graph); err != nil {
		report.errorf("", "", "%s", err.Error())
	}

	if graph.TriggerType != "" && !graph.TriggerType.IsValid() {
		report.errorf("", "", "unknown trigger type %q", graph.TriggerType)
	}

	seen := make(map[string]bool, len(graph.Nodes))

	for _, node := range graph.Nodes {
		if node.ID == "" {
			report.errorf("", "", "node without id")

			continue
		}

		if seen[node.ID] {
			report.errorf(node.ID, "", "duplicate node id")
		}

		seen[node.ID] = true

		validateNode(report, graph, node)
	}

	if len(graph.TriggerNodes()) == 0 {
		report.errorf("", "", "graph has no trigger node")
	}

	dag := New(graph)

	validateEdges(report, dag)

	reachable := dag.Reachable()

	for _, node := range graph.Nodes {
		if node.Kind != models.NodeKindTrigger && !reachable[node.ID] {
			report.DeadNodes = append(report.DeadNodes, node.ID)
			report.warnf(node.ID, "", "node is unreachable from any trigger and will never run")
		}
	}

	if dag.HasCycle() {
		report.warnf("", "", "graph contains a cycle; runs are bounded by the step limit")
	}

	return report
}

func validateNode(report *Report, graph *models.AutomationGraph, node *models.Node) {
	if !node.Kind.IsValid() {
		report.errorf(node.ID, "", "unknown node kind %q", node.Kind)

		return
	}

	if err := validateAgainstSchema(ConfigSchema(node.Kind), node.Config); err != nil {
		report.errorf(node.ID, "", "%s", err.Error())

		return
	}

	switch node.Kind {
	case models.NodeKindTrigger:
		validateTrigger(report, graph, node)
	case models.NodeKindAction:
		validateAction(report, node)
	case models.NodeKindCondition:
		validateCondition(report, node)
	case models.NodeKindDelay:
		cfg, err := node.DelayConfig()
		if err == nil {
			_, err = cfg.Duration()
		}

		if err != nil {
			report.errorf(node.ID, "", "%s", err.Error())
		}
	}
}

func validateTrigger(report *Report, graph *models.AutomationGraph, node *models.Node) {
	cfg, err := node.TriggerConfig()
	if err != nil {
		report.errorf(node.ID, "", "%s", err.Error())

		return
	}

	if err := validate.Struct(cfg); err != nil {
		report.errorf(node.ID, "", "%s", err.Error())

		return
	}

	if cfg.EventType != graph.TriggerType {
		report.errorf(node.ID, "", "trigger event type %q does not match graph trigger type %q",
			cfg.EventType, graph.TriggerType)
	}

	if cfg.EventType == models.EventScheduledTick {
		if cfg.Cron == "" {
			report.errorf(node.ID, "", "scheduled_tick trigger requires a cron expression")
		} else if err := models.ValidateCron(cfg.Cron); err != nil {
			report.errorf(node.ID, "", "invalid cron expression %q: %s", cfg.Cron, err.Error())
		}
	}

	if cfg.StageID != "" && cfg.ToStageID != "" && cfg.StageID != cfg.ToStageID {
		report.errorf(node.ID, "", "stage_id and to_stage_id disagree")
	}
}

func validateAction(report *Report, node *models.Node) {
	cfg, err := node.ActionConfig()
	if err != nil {
		report.errorf(node.ID, "", "%s", err.Error())

		return
	}

	schema, known := ActionSchema(cfg.Kind)
	if !known {
		report.errorf(node.ID, "", "unknown action %q", cfg.Kind)

		return
	}

	if err := validateAgainstSchema(schema, cfg.Params); err != nil {
		report.errorf(node.ID, "", "action %s: %s", cfg.Kind, err.Error())
	}
}

func validateCondition(report *Report, node *models.Node) {
	cfg, err := node.ConditionConfig()
	if err != nil {
		report.errorf(node.ID, "", "%s", err.Error())

		return
	}

	operand := map[models.ConditionPredicate]string{
		models.PredicateHasTag:          cfg.TagID,
		models.PredicateInStage:         cfg.StageID,
		models.PredicateMessageContains: cfg.Text,
	}

	value, known := operand[cfg.Predicate]
	if !known {
		report.errorf(node.ID, "", "unknown predicate %q", cfg.Predicate)

		return
	}

	if value == "" {
		report.errorf(node.ID, "", "predicate %s is missing its operand", cfg.Predicate)
	}
}

func validateEdges(report *Report, dag *DAG) {
	graph := dag.Graph()

	for _, edge := range graph.Edges {
		edgeRef := edge.ID
		if edgeRef == "" {
			edgeRef = edge.SourceNodeID + "->" + edge.TargetNodeID
		}

		if _, ok := dag.Node(edge.SourceNodeID); !ok {
			report.errorf("", edgeRef, "source node %q does not exist", edge.SourceNodeID)
		}

		target, ok := dag.Node(edge.TargetNodeID)
		if !ok {
			report.errorf("", edgeRef, "target node %q does not exist", edge.TargetNodeID)

			continue
		}

		if target.Kind == models.NodeKindTrigger {
			report.errorf(target.ID, edgeRef, "trigger nodes cannot have incoming edges")
		}
	}

	for _, node := range graph.Nodes {
		edges := dag.Outgoing(node.ID)

		switch node.Kind {
		case models.NodeKindTrigger, models.NodeKindAction, models.NodeKindDelay:
			if len(edges) > 1 {
				report.errorf(node.ID, "", "%s nodes may have at most one outgoing edge, found %d", node.Kind, len(edges))
			}

			for _, edge := range edges {
				if !edge.IsDefault() {
					report.warnf(node.ID, edge.ID, "branch key %q is ignored on %s nodes", edge.BranchKey, node.Kind)
				}
			}
		case models.NodeKindCondition:
			validateBranches(report, node, edges)
		}
	}
}

func validateBranches(report *Report, node *models.Node, edges []*models.Edge) {
	if len(edges) == 0 {
		report.warnf(node.ID, "", "condition has no outgoing edges; runs end here")

		return
	}

	keys := make(map[string]bool, len(edges))

	for _, edge := range edges {
		if keys[edge.BranchKey] {
			report.errorf(node.ID, edge.ID, "duplicate branch key %q", edge.BranchKey)
		}

		keys[edge.BranchKey] = true

		if !edge.IsDefault() && edge.BranchKey != models.BranchTrue && edge.BranchKey != models.BranchFalse {
			report.warnf(node.ID, edge.ID, "branch key %q is never produced by a condition", edge.BranchKey)
		}
	}
}

// Enable validates the graph and marks it enabled. Graphs with validation errors are refused.
func Enable(graph *models.AutomationGraph, now time.Time) (*Report, error) {
	report := Validate(graph)
	if err := report.Err(); err != nil {
		return report, err
	}

	graph.Enabled = true
	graph.DisabledAt = nil
	graph.UpdatedAt = now.UTC()

	return report, nil
}

// Disable soft-disables the graph. Existing runs keep referencing it.
func Disable(graph *models.AutomationGraph, now time.Time) {
	disabledAt := now.UTC()
	graph.Enabled = false
	graph.DisabledAt = &disabledAt
	graph.UpdatedAt = disabledAt
}
