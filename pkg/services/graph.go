package services

import (
	"context"
	"fmt"
	"time"

	"github.com/funnelflow/funnelflow/pkg/graph"
	"github.com/funnelflow/funnelflow/pkg/models"
	"github.com/funnelflow/funnelflow/pkg/persistence"
	"github.com/google/uuid"
)

type Graph struct {
	persistence persistence.Persistence
}

// NewGraph creates a new graph management service.
func NewGraph(persistence persistence.Persistence) *Graph {
	return &Graph{
		persistence: persistence,
	}
}

// HealthCheck checks the health of the persistence layer.
func (g *Graph) HealthCheck(ctx context.Context) (string, bool) {
	if g.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := g.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// List returns the graphs of an organization, every organization when it is empty.
func (g *Graph) List(ctx context.Context, organizationID string) ([]*models.AutomationGraph, error) {
	graphs, err := g.persistence.GraphRepository().Graphs(ctx, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list graphs: %w", err)
	}

	return graphs, nil
}

func (g *Graph) FetchByID(ctx context.Context, id string) (*models.AutomationGraph, error) {
	return g.persistence.GraphRepository().GraphByID(ctx, id)
}

// Create stores a new graph. Graphs start disabled; drafts may be incomplete.
func (g *Graph) Create(ctx context.Context, automation *models.AutomationGraph) (*models.AutomationGraph, error) {
	if automation == nil {
		return nil, ErrGraphNil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate graph id: %w", err)
	}

	now := time.Now().UTC()
	automation.ID = id.String()
	automation.Enabled = false
	automation.DisabledAt = nil
	automation.CreatedAt = now
	automation.UpdatedAt = now

	err = g.persistence.GraphRepository().SaveGraph(ctx, automation)
	if err != nil {
		return nil, fmt.Errorf("failed to create graph: %w", err)
	}

	return automation, nil
}

// Update replaces the definition of an existing graph. An enabled graph must stay valid;
// the enabled state itself only changes through Enable and Disable.
func (g *Graph) Update(
	ctx context.Context,
	graphID string,
	automation *models.AutomationGraph,
) (*models.AutomationGraph, *graph.Report, error) {
	if automation == nil {
		return nil, nil, ErrGraphNil
	}

	existing, err := g.persistence.GraphRepository().GraphByID(ctx, graphID)
	if err != nil {
		return nil, nil, err
	}

	automation.ID = graphID
	automation.OrganizationID = existing.OrganizationID
	automation.Enabled = existing.Enabled
	automation.DisabledAt = existing.DisabledAt
	automation.CreatedAt = existing.CreatedAt
	automation.UpdatedAt = time.Now().UTC()

	report := graph.Validate(automation)
	if automation.Enabled {
		if err := report.Err(); err != nil {
			return nil, report, err
		}
	}

	err = g.persistence.GraphRepository().SaveGraph(ctx, automation)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to update graph: %w", err)
	}

	return automation, report, nil
}

// Enable validates the stored graph and starts matching events against it.
func (g *Graph) Enable(ctx context.Context, graphID string) (*models.AutomationGraph, *graph.Report, error) {
	automation, err := g.persistence.GraphRepository().GraphByID(ctx, graphID)
	if err != nil {
		return nil, nil, err
	}

	report, err := graph.Enable(automation, time.Now())
	if err != nil {
		return nil, report, err
	}

	err = g.persistence.GraphRepository().SaveGraph(ctx, automation)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to enable graph: %w", err)
	}

	return automation, report, nil
}

// Disable stops new runs of the graph. Runs already waiting keep going.
func (g *Graph) Disable(ctx context.Context, graphID string) (*models.AutomationGraph, error) {
	err := g.persistence.GraphRepository().DisableGraph(ctx, graphID, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	return g.persistence.GraphRepository().GraphByID(ctx, graphID)
}

// Validate reports on a graph without storing it.
func (g *Graph) Validate(automation *models.AutomationGraph) (*graph.Report, error) {
	if automation == nil {
		return nil, ErrGraphNil
	}

	return graph.Validate(automation), nil
}
