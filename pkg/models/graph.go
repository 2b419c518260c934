// Package models defines the core domain models for CRM automation graphs and their runs.
package models

import "time"

// NodeKind is the closed set of node variants an automation graph may contain.
type NodeKind string

const (
	NodeKindTrigger   NodeKind = "trigger"   // Entry point matched against domain events
	NodeKindAction    NodeKind = "action"    // Side effect performed by the action dispatcher
	NodeKindCondition NodeKind = "condition" // Branch selected by the condition evaluator
	NodeKindDelay     NodeKind = "delay"     // Durable pause through a scheduled continuation
)

// IsValid reports whether k is one of the known node kinds.
func (k NodeKind) IsValid() bool {
	switch k {
	case NodeKindTrigger, NodeKindAction, NodeKindCondition, NodeKindDelay:
		return true
	default:
		return false
	}
}

// AutomationGraph is an operator-authored workflow: a set of nodes joined by directed edges.
type AutomationGraph struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id" validate:"required"`
	Name           string     `json:"name"            validate:"required,min=3"`
	Description    string     `json:"description,omitempty"`
	Enabled        bool       `json:"enabled"`
	TriggerType    EventType  `json:"trigger_type"    validate:"required"`
	Nodes          []*Node    `json:"nodes"`
	Edges          []*Edge    `json:"edges"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DisabledAt     *time.Time `json:"disabled_at,omitempty"`
}

// Node is a single step of an automation graph. Config is a free-form payload whose
// meaning depends on Kind; use the typed accessors to decode it.
type Node struct {
	ID        string         `json:"id"   validate:"required"`
	Kind      NodeKind       `json:"kind" validate:"required"`
	Name      string         `json:"name,omitempty"`
	Config    map[string]any `json:"config"`
	PositionX int            `json:"position_x"`
	PositionY int            `json:"position_y"`
}

// Edge connects two nodes. An empty BranchKey marks the default, unconditional edge.
type Edge struct {
	ID           string `json:"id"`
	SourceNodeID string `json:"source_node_id" validate:"required"`
	TargetNodeID string `json:"target_node_id" validate:"required"`
	BranchKey    string `json:"branch_key,omitempty"`
}

// IsDefault reports whether the edge carries no branch key.
func (e *Edge) IsDefault() bool {
	return e.BranchKey == ""
}

// NodeByID returns the node with the given id, or nil.
func (g *AutomationGraph) NodeByID(id string) *Node {
	for _, node := range g.Nodes {
		if node.ID == id {
			return node
		}
	}

	return nil
}

// TriggerNodes returns the graph's trigger nodes in declaration order.
func (g *AutomationGraph) TriggerNodes() []*Node {
	var triggers []*Node

	for _, node := range g.Nodes {
		if node.Kind == NodeKindTrigger {
			triggers = append(triggers, node)
		}
	}

	return triggers
}

// IsExecutable reports whether new runs may be created for the graph.
func (g *AutomationGraph) IsExecutable() bool {
	return g.Enabled && g.DisabledAt == nil
}

// TriggerMatch pairs a graph with the trigger node an event fired.
type TriggerMatch struct {
	GraphID       string           `json:"graph_id"`
	TriggerNodeID string           `json:"trigger_node_id"`
	Graph         *AutomationGraph `json:"-"`
}
