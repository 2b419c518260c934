// Package graph turns stored automation graphs into an in-memory adjacency structure
// and validates them before they may be enabled.
package graph

import (
	"github.com/funnelflow/funnelflow/pkg/models"
)

// DAG is a read-only, id-indexed view over an automation graph. Despite the name it
// tolerates cycles; the engine's step budget bounds traversal of malformed graphs.
type DAG struct {
	graph    *models.AutomationGraph
	nodes    map[string]*models.Node
	outgoing map[string][]*models.Edge
	incoming map[string]int
}

// New indexes the graph's nodes and edges. Edges keep their declaration order.
func New(graph *models.AutomationGraph) *DAG {
	dag := &DAG{
		graph:    graph,
		nodes:    make(map[string]*models.Node, len(graph.Nodes)),
		outgoing: make(map[string][]*models.Edge, len(graph.Nodes)),
		incoming: make(map[string]int, len(graph.Nodes)),
	}

	for _, node := range graph.Nodes {
		dag.nodes[node.ID] = node
	}

	for _, edge := range graph.Edges {
		dag.outgoing[edge.SourceNodeID] = append(dag.outgoing[edge.SourceNodeID], edge)
		dag.incoming[edge.TargetNodeID]++
	}

	return dag
}

// Graph returns the underlying definition.
func (d *DAG) Graph() *models.AutomationGraph {
	return d.graph
}

// Node returns the node with the given id.
func (d *DAG) Node(id string) (*models.Node, bool) {
	node, ok := d.nodes[id]

	return node, ok
}

// Outgoing returns the edges leaving the node in declaration order.
func (d *DAG) Outgoing(id string) []*models.Edge {
	return d.outgoing[id]
}

// Incoming returns how many edges enter the node.
func (d *DAG) Incoming(id string) int {
	return d.incoming[id]
}

// Next returns the single edge leaving a trigger, action or delay node.
// When several edges exist the default edge wins, otherwise the first one.
func (d *DAG) Next(id string) (*models.Edge, bool) {
	edges := d.outgoing[id]
	if len(edges) == 0 {
		return nil, false
	}

	for _, edge := range edges {
		if edge.IsDefault() {
			return edge, true
		}
	}

	return edges[0], true
}

// Branch returns the edge whose branch key equals key, falling back to the default edge.
func (d *DAG) Branch(id, key string) (*models.Edge, bool) {
	var fallback *models.Edge

	for _, edge := range d.outgoing[id] {
		if edge.BranchKey == key {
			return edge, true
		}

		if edge.IsDefault() && fallback == nil {
			fallback = edge
		}
	}

	return fallback, fallback != nil
}

// Reachable returns the set of node ids reachable from any trigger node, triggers included.
func (d *DAG) Reachable() map[string]bool {
	reachable := make(map[string]bool, len(d.nodes))
	queue := make([]string, 0, len(d.nodes))

	for _, node := range d.graph.Nodes {
		if node.Kind == models.NodeKindTrigger {
			reachable[node.ID] = true
			queue = append(queue, node.ID)
		}
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, edge := range d.outgoing[current] {
			if _, exists := d.nodes[edge.TargetNodeID]; !exists || reachable[edge.TargetNodeID] {
				continue
			}

			reachable[edge.TargetNodeID] = true
			queue = append(queue, edge.TargetNodeID)
		}
	}

	return reachable
}

// HasCycle reports whether any directed cycle exists among existing nodes.
func (d *DAG) HasCycle() bool {
	const (
		unvisited = iota
		visiting
		done
	)

	state := make(map[string]int, len(d.nodes))

	var visit func(id string) bool

	visit = func(id string) bool {
		state[id] = visiting

		for _, edge := range d.outgoing[id] {
			if _, exists := d.nodes[edge.TargetNodeID]; !exists {
				continue
			}

			switch state[edge.TargetNodeID] {
			case visiting:
				return true
			case unvisited:
				if visit(edge.TargetNodeID) {
					return true
				}
			}
		}

		state[id] = done

		return false
	}

	for _, node := range d.graph.Nodes {
		if state[node.ID] == unvisited && visit(node.ID) {
			return true
		}
	}

	return false
}
