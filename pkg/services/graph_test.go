package services_test

import (
	"context"
	"errors"
	"testing"

	"github.com/funnelflow/funnelflow/pkg/graph"
	"github.com/funnelflow/funnelflow/pkg/mocks"
	"github.com/funnelflow/funnelflow/pkg/models"
	"github.com/funnelflow/funnelflow/pkg/persistence"
	"github.com/funnelflow/funnelflow/pkg/persistence/memory"
	"github.com/funnelflow/funnelflow/pkg/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func welcomeGraph() *models.AutomationGraph {
	return &models.AutomationGraph{
		OrganizationID: "org-1",
		Name:           "Welcome qualified leads",
		TriggerType:    models.EventLeadStageChanged,
		Nodes: []*models.Node{
			{ID: "trigger", Kind: models.NodeKindTrigger, Config: map[string]any{
				"event_type": "lead_stage_changed",
				"stage_id":   "qualified",
			}},
			{ID: "send", Kind: models.NodeKindAction, Config: map[string]any{
				"action":   "send_message",
				"channel":  "whatsapp",
				"template": "Hi {{lead.name}}",
			}},
		},
		Edges: []*models.Edge{
			{ID: "e1", SourceNodeID: "trigger", TargetNodeID: "send"},
		},
	}
}

func TestGraph_CreateStartsDisabled(t *testing.T) {
	ctx := context.Background()
	service := services.NewGraph(memory.NewPersistence())

	input := welcomeGraph()
	input.Enabled = true

	created, err := service.Create(ctx, input)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.False(t, created.Enabled)
	assert.False(t, created.CreatedAt.IsZero())

	fetched, err := service.FetchByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Welcome qualified leads", fetched.Name)

	graphs, err := service.List(ctx, "org-1")
	require.NoError(t, err)
	assert.Len(t, graphs, 1)

	graphs, err = service.List(ctx, "org-2")
	require.NoError(t, err)
	assert.Empty(t, graphs)

	_, err = service.Create(ctx, nil)
	require.ErrorIs(t, err, services.ErrGraphNil)
	assert.True(t, services.IsValidationError(err))
}

func TestGraph_EnableDisable(t *testing.T) {
	ctx := context.Background()
	service := services.NewGraph(memory.NewPersistence())

	created, err := service.Create(ctx, welcomeGraph())
	require.NoError(t, err)

	enabled, report, err := service.Enable(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, report.Valid())
	assert.True(t, enabled.IsExecutable())

	disabled, err := service.Disable(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, disabled.IsExecutable())
	assert.NotNil(t, disabled.DisabledAt)

	_, err = service.Disable(ctx, "missing")
	assert.True(t, persistence.IsGraphNotFound(err))
}

func TestGraph_EnableRefusesInvalidGraph(t *testing.T) {
	ctx := context.Background()
	service := services.NewGraph(memory.NewPersistence())

	broken := welcomeGraph()
	broken.Edges = append(broken.Edges, &models.Edge{ID: "e2", SourceNodeID: "send", TargetNodeID: "ghost"})

	created, err := service.Create(ctx, broken)
	require.NoError(t, err)

	_, report, err := service.Enable(ctx, created.ID)
	require.ErrorIs(t, err, graph.ErrInvalidGraph)
	assert.True(t, services.IsValidationError(err))
	assert.False(t, report.Valid())

	stored, err := service.FetchByID(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, stored.Enabled)
}

func TestGraph_UpdateKeepsLifecycleFields(t *testing.T) {
	ctx := context.Background()
	service := services.NewGraph(memory.NewPersistence())

	created, err := service.Create(ctx, welcomeGraph())
	require.NoError(t, err)

	_, _, err = service.Enable(ctx, created.ID)
	require.NoError(t, err)

	edit := welcomeGraph()
	edit.Name = "Welcome v2"
	edit.OrganizationID = "org-other"

	updated, report, err := service.Update(ctx, created.ID, edit)
	require.NoError(t, err)
	assert.True(t, report.Valid())
	assert.Equal(t, "Welcome v2", updated.Name)
	assert.Equal(t, "org-1", updated.OrganizationID)
	assert.True(t, updated.Enabled)
	assert.True(t, updated.CreatedAt.Equal(created.CreatedAt))

	invalid := welcomeGraph()
	invalid.Nodes = invalid.Nodes[1:]

	_, _, err = service.Update(ctx, created.ID, invalid)
	require.ErrorIs(t, err, graph.ErrInvalidGraph)

	_, _, err = service.Update(ctx, "missing", welcomeGraph())
	assert.True(t, persistence.IsGraphNotFound(err))
}

func TestGraph_Validate(t *testing.T) {
	service := services.NewGraph(memory.NewPersistence())

	orphan := welcomeGraph()
	orphan.Nodes = append(orphan.Nodes, &models.Node{ID: "tag", Kind: models.NodeKindAction, Config: map[string]any{
		"action": "add_tag",
		"tag_id": "welcomed",
	}})

	report, err := service.Validate(orphan)
	require.NoError(t, err)
	assert.True(t, report.Valid())
	assert.Equal(t, []string{"tag"}, report.DeadNodes)

	_, err = service.Validate(nil)
	require.ErrorIs(t, err, services.ErrGraphNil)
}

func TestGraph_HealthCheck(t *testing.T) {
	healthy := services.NewGraph(memory.NewPersistence())
	message, ok := healthy.HealthCheck(context.Background())
	assert.True(t, ok)
	assert.Equal(t, "Persistence layer is healthy", message)

	store := &mocks.MockPersistence{}
	store.On("HealthCheck", context.Background()).Return(errors.New("connection refused"))

	message, ok = services.NewGraph(store).HealthCheck(context.Background())
	assert.False(t, ok)
	assert.Contains(t, message, "connection refused")
	store.AssertExpectations(t)

	message, ok = services.NewGraph(nil).HealthCheck(context.Background())
	assert.False(t, ok)
	assert.Equal(t, "Persistence layer not initialized", message)
}

func TestGraph_RepositoryFailures(t *testing.T) {
	ctx := context.Background()
	repo := &mocks.MockGraphRepository{}
	store := &mocks.MockPersistence{}
	store.On("GraphRepository").Return(repo)

	repo.On("Graphs", ctx, "org-1").Return(nil, errors.New("connection reset"))
	repo.On("GraphByID", ctx, "missing").Return(nil, persistence.ErrGraphNotFound)
	repo.On("DisableGraph", ctx, "missing", mock.AnythingOfType("time.Time")).Return(persistence.ErrGraphNotFound)
	repo.On("SaveGraph", ctx, mock.AnythingOfType("*models.AutomationGraph")).Return(errors.New("disk full"))

	service := services.NewGraph(store)

	_, err := service.List(ctx, "org-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list graphs")

	_, _, err = service.Enable(ctx, "missing")
	require.ErrorIs(t, err, persistence.ErrGraphNotFound)

	_, err = service.Disable(ctx, "missing")
	require.ErrorIs(t, err, persistence.ErrGraphNotFound)

	_, err = service.Create(ctx, welcomeGraph())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create graph")

	repo.AssertExpectations(t)
}
