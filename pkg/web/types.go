package web

import (
	"time"

	"github.com/funnelflow/funnelflow/pkg/graph"
	"github.com/funnelflow/funnelflow/pkg/models"
)

// CreateGraphRequest represents the request body for creating an automation graph.
type CreateGraphRequest struct {
	OrganizationID string           `json:"organization_id" validate:"required"`
	Name           string           `json:"name"            validate:"required,min=3"`
	Description    string           `json:"description"`
	TriggerType    models.EventType `json:"trigger_type"    validate:"required"`
	Nodes          []*models.Node   `json:"nodes"           validate:"dive,required"`
	Edges          []*models.Edge   `json:"edges"           validate:"dive,required"`
}

func (r CreateGraphRequest) Graph() *models.AutomationGraph {
	return &models.AutomationGraph{
		OrganizationID: r.OrganizationID,
		Name:           r.Name,
		Description:    r.Description,
		TriggerType:    r.TriggerType,
		Nodes:          nonNilNodes(r.Nodes),
		Edges:          nonNilEdges(r.Edges),
	}
}

// UpdateGraphRequest replaces the definition of a graph. The organization never changes.
type UpdateGraphRequest struct {
	Name        string           `json:"name"         validate:"required,min=3"`
	Description string           `json:"description"`
	TriggerType models.EventType `json:"trigger_type" validate:"required"`
	Nodes       []*models.Node   `json:"nodes"        validate:"dive,required"`
	Edges       []*models.Edge   `json:"edges"        validate:"dive,required"`
}

func (r UpdateGraphRequest) Graph() *models.AutomationGraph {
	return &models.AutomationGraph{
		Name:        r.Name,
		Description: r.Description,
		TriggerType: r.TriggerType,
		Nodes:       nonNilNodes(r.Nodes),
		Edges:       nonNilEdges(r.Edges),
	}
}

// GraphResponse pairs a graph with its latest validation report.
type GraphResponse struct {
	Graph  *models.AutomationGraph `json:"graph"`
	Report *graph.Report           `json:"report,omitempty"`
}

// IngestEventRequest represents a CRM domain event posted over HTTP.
type IngestEventRequest struct {
	ID             string           `json:"id"`
	Type           models.EventType `json:"type"            validate:"required"`
	OrganizationID string           `json:"organization_id" validate:"required"`
	SubjectID      string           `json:"subject_id"`
	Payload        map[string]any   `json:"payload"`
	OccurredAt     *time.Time       `json:"occurred_at"`
}

func (r IngestEventRequest) Event() models.Event {
	event := models.Event{
		ID:             r.ID,
		Type:           r.Type,
		OrganizationID: r.OrganizationID,
		SubjectID:      r.SubjectID,
		Payload:        r.Payload,
	}

	if r.OccurredAt != nil {
		event.OccurredAt = r.OccurredAt.UTC()
	}

	return event
}

// CancelRunRequest carries the optional operator reason recorded on the run.
type CancelRunRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func nonNilNodes(nodes []*models.Node) []*models.Node {
	if nodes == nil {
		return []*models.Node{}
	}

	return nodes
}

func nonNilEdges(edges []*models.Edge) []*models.Edge {
	if edges == nil {
		return []*models.Edge{}
	}

	return edges
}
