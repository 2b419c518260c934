package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/funnelflow/funnelflow/pkg/engine"
	"github.com/funnelflow/funnelflow/pkg/mocks"
	"github.com/funnelflow/funnelflow/pkg/models"
	"github.com/funnelflow/funnelflow/pkg/persistence"
	"github.com/funnelflow/funnelflow/pkg/persistence/memory"
	"github.com/funnelflow/funnelflow/pkg/services"
	"github.com/funnelflow/funnelflow/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type testAPI struct {
	app        *fiber.App
	store      *memory.Persistence
	controller *mocks.MockRunController

	mu        sync.Mutex
	published []models.Event
}

func setupTestApp(t *testing.T) *testAPI {
	t.Helper()

	api := &testAPI{
		store:      memory.NewPersistence(),
		controller: &mocks.MockRunController{},
	}

	publish := func(_ context.Context, event models.Event) error {
		api.mu.Lock()
		defer api.mu.Unlock()

		api.published = append(api.published, event)

		return nil
	}

	handlers := web.NewAPIHandlers(
		services.NewGraph(api.store),
		services.NewRun(api.store.RunRepository(), api.controller, publish),
		validator.New(validator.WithRequiredStructEnabled()),
	)

	api.app = fiber.New()
	handlers.Mount(api.app)

	return api
}

func (a *testAPI) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.app.Test(req)
	require.NoError(t, err)

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, raw
}

func graphRequest() web.CreateGraphRequest {
	return web.CreateGraphRequest{
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
		Edges: []*models.Edge{{ID: "e1", SourceNodeID: "trigger", TargetNodeID: "send"}},
	}
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()

	var out T
	require.NoError(t, json.Unmarshal(raw, &out))

	return out
}

func TestAPIHandlers_GraphLifecycle(t *testing.T) {
	api := setupTestApp(t)

	status, body := api.do(t, http.MethodPost, "/graphs", graphRequest())
	require.Equal(t, http.StatusCreated, status, string(body))

	created := decode[web.GraphResponse](t, body)
	require.NotEmpty(t, created.Graph.ID)
	assert.False(t, created.Graph.Enabled)
	assert.True(t, created.Report.Valid())

	id := created.Graph.ID

	status, body = api.do(t, http.MethodPost, "/graphs/"+id+"/enable", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.True(t, decode[web.GraphResponse](t, body).Graph.Enabled)

	update := web.UpdateGraphRequest{
		Name:        "Welcome v2",
		TriggerType: models.EventLeadStageChanged,
		Nodes:       graphRequest().Nodes,
		Edges:       graphRequest().Edges,
	}

	status, body = api.do(t, http.MethodPut, "/graphs/"+id, update)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, "Welcome v2", decode[web.GraphResponse](t, body).Graph.Name)

	status, body = api.do(t, http.MethodGet, "/graphs?organization_id=org-1", nil)
	require.Equal(t, http.StatusOK, status)

	listed := decode[struct {
		Graphs     []*models.AutomationGraph `json:"graphs"`
		TotalCount int                       `json:"total_count"`
	}](t, body)
	assert.Equal(t, 1, listed.TotalCount)

	status, body = api.do(t, http.MethodPost, "/graphs/"+id+"/disable", nil)
	require.Equal(t, http.StatusOK, status)

	disabled := decode[web.GraphResponse](t, body)
	assert.False(t, disabled.Graph.Enabled)
	assert.NotNil(t, disabled.Graph.DisabledAt)

	status, _ = api.do(t, http.MethodGet, "/graphs/"+id, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestAPIHandlers_GraphErrors(t *testing.T) {
	api := setupTestApp(t)

	tests := []struct {
		name         string
		method       string
		path         string
		body         any
		expected     int
		expectedType string
	}{
		{
			name:         "missing name",
			method:       http.MethodPost,
			path:         "/graphs",
			body:         web.CreateGraphRequest{OrganizationID: "org-1", TriggerType: models.EventManual},
			expected:     http.StatusBadRequest,
			expectedType: "validation_error",
		},
		{
			name:         "unknown graph",
			method:       http.MethodGet,
			path:         "/graphs/missing",
			expected:     http.StatusNotFound,
			expectedType: "graph_not_found",
		},
		{
			name:         "enable unknown graph",
			method:       http.MethodPost,
			path:         "/graphs/missing/enable",
			expected:     http.StatusNotFound,
			expectedType: "graph_not_found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := api.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.expected, status)

			problem := decode[map[string]any](t, body)
			assert.Equal(t, tt.expectedType, problem["type"])
		})
	}
}

func TestAPIHandlers_EnableInvalidGraph(t *testing.T) {
	api := setupTestApp(t)

	request := graphRequest()
	request.Edges = append(request.Edges, &models.Edge{ID: "e2", SourceNodeID: "send", TargetNodeID: "ghost"})

	status, body := api.do(t, http.MethodPost, "/graphs", request)
	require.Equal(t, http.StatusCreated, status)

	created := decode[web.GraphResponse](t, body)
	assert.False(t, created.Report.Valid())

	status, body = api.do(t, http.MethodPost, "/graphs/"+created.Graph.ID+"/enable", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(body), "ghost")
}

func TestAPIHandlers_ValidateGraph(t *testing.T) {
	api := setupTestApp(t)

	request := graphRequest()
	request.Nodes = append(request.Nodes, &models.Node{ID: "orphan", Kind: models.NodeKindAction, Config: map[string]any{
		"action": "add_tag",
		"tag_id": "vip",
	}})

	status, body := api.do(t, http.MethodPost, "/graphs/validate", request)
	require.Equal(t, http.StatusOK, status)

	result := decode[struct {
		Valid  bool `json:"valid"`
		Report struct {
			DeadNodes []string `json:"dead_nodes"`
		} `json:"report"`
	}](t, body)
	assert.True(t, result.Valid)
	assert.Equal(t, []string{"orphan"}, result.Report.DeadNodes)

	graphs, err := api.store.GraphRepository().Graphs(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, graphs)
}

func TestAPIHandlers_IngestEvent(t *testing.T) {
	api := setupTestApp(t)

	status, body := api.do(t, http.MethodPost, "/events", web.IngestEventRequest{
		Type:           models.EventLeadStageChanged,
		OrganizationID: "org-1",
		SubjectID:      "lead-1",
		Payload:        map[string]any{models.PayloadToStageID: "qualified"},
	})
	require.Equal(t, http.StatusAccepted, status, string(body))

	event := decode[models.Event](t, body)
	assert.NotEmpty(t, event.ID)

	api.mu.Lock()
	require.Len(t, api.published, 1)
	assert.Equal(t, "qualified", api.published[0].ToStageID())
	api.mu.Unlock()

	status, _ = api.do(t, http.MethodPost, "/events", web.IngestEventRequest{Type: "lead_deleted", OrganizationID: "org-1"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = api.do(t, http.MethodPost, "/events", web.IngestEventRequest{Type: models.EventManual})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAPIHandlers_Runs(t *testing.T) {
	api := setupTestApp(t)
	ctx := context.Background()

	base := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	runs := api.store.RunRepository()

	require.NoError(t, runs.CreateRun(ctx, &models.Run{
		ID: "run-1", GraphID: "graph-1", SubjectID: "lead-1", Status: models.RunStatusFailed, StartedAt: base,
	}))
	require.NoError(t, runs.CreateRun(ctx, &models.Run{
		ID: "run-2", GraphID: "graph-1", SubjectID: "lead-2", Status: models.RunStatusWaiting, StartedAt: base.Add(time.Minute),
	}))

	status, body := api.do(t, http.MethodGet, "/runs?graph_id=graph-1&status=failed", nil)
	require.Equal(t, http.StatusOK, status)

	listed := decode[struct {
		Runs []*models.Run `json:"runs"`
	}](t, body)
	require.Len(t, listed.Runs, 1)
	assert.Equal(t, "run-1", listed.Runs[0].ID)

	status, _ = api.do(t, http.MethodGet, "/runs?status=sleeping", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = api.do(t, http.MethodGet, "/runs?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = api.do(t, http.MethodGet, "/runs/run-2", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.RunStatusWaiting, decode[models.Run](t, body).Status)

	status, body = api.do(t, http.MethodGet, "/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "run_not_found", decode[map[string]any](t, body)["type"])
}

func TestAPIHandlers_CancelAndRetrigger(t *testing.T) {
	api := setupTestApp(t)

	api.controller.On("Cancel", mock.Anything, "run-2", "lead replied").
		Return(&models.Run{ID: "run-2", Status: models.RunStatusFailed}, nil)
	api.controller.On("Cancel", mock.Anything, "run-1", "").Return(nil, engine.ErrRunTerminal)
	api.controller.On("Retrigger", mock.Anything, "run-1").
		Return(&models.Run{ID: "run-3", Status: models.RunStatusCompleted}, nil)
	api.controller.On("Retrigger", mock.Anything, "missing").
		Return(nil, persistence.NewRunError("RunByID", "missing", persistence.ErrRunNotFound))

	status, body := api.do(t, http.MethodPost, "/runs/run-2/cancel", web.CancelRunRequest{Reason: "lead replied"})
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, models.RunStatusFailed, decode[models.Run](t, body).Status)

	status, body = api.do(t, http.MethodPost, "/runs/run-1/cancel", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "conflict", decode[map[string]any](t, body)["type"])

	status, body = api.do(t, http.MethodPost, "/runs/run-1/retrigger", nil)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "run-3", decode[models.Run](t, body).ID)

	status, _ = api.do(t, http.MethodPost, "/runs/missing/retrigger", nil)
	assert.Equal(t, http.StatusNotFound, status)

	api.controller.AssertExpectations(t)
}

func TestAPIHandlers_HealthCheck(t *testing.T) {
	api := setupTestApp(t)

	status, body := api.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", decode[map[string]any](t, body)["status"])
}
