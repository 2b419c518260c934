package services_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/funnelflow/funnelflow/pkg/engine"
	"github.com/funnelflow/funnelflow/pkg/eventbus"
	"github.com/funnelflow/funnelflow/pkg/mocks"
	"github.com/funnelflow/funnelflow/pkg/models"
	"github.com/funnelflow/funnelflow/pkg/persistence"
	"github.com/funnelflow/funnelflow/pkg/persistence/memory"
	"github.com/funnelflow/funnelflow/pkg/protocol"
	"github.com/funnelflow/funnelflow/pkg/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func seedRuns(t *testing.T, runs persistence.RunRepository) {
	t.Helper()

	base := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	for i, run := range []*models.Run{
		{ID: "run-1", GraphID: "graph-1", SubjectID: "lead-1", Status: models.RunStatusCompleted},
		{ID: "run-2", GraphID: "graph-1", SubjectID: "lead-2", Status: models.RunStatusFailed},
		{ID: "run-3", GraphID: "graph-2", SubjectID: "lead-1", Status: models.RunStatusWaiting},
	} {
		run.StartedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, runs.CreateRun(context.Background(), run))
	}
}

func ids(runs []*models.Run) []string {
	out := make([]string, 0, len(runs))
	for _, run := range runs {
		out = append(out, run.ID)
	}

	return out
}

func TestRun_List(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	seedRuns(t, store.RunRepository())

	service := services.NewRun(store.RunRepository(), &mocks.MockRunController{}, nil)

	tests := []struct {
		name     string
		request  services.ListRunsRequest
		expected []string
	}{
		{name: "all newest first", expected: []string{"run-3", "run-2", "run-1"}},
		{name: "by graph", request: services.ListRunsRequest{GraphID: "graph-1"}, expected: []string{"run-2", "run-1"}},
		{name: "by subject", request: services.ListRunsRequest{SubjectID: "lead-1"}, expected: []string{"run-3", "run-1"}},
		{name: "by status", request: services.ListRunsRequest{Status: "failed"}, expected: []string{"run-2"}},
		{name: "paged", request: services.ListRunsRequest{Limit: 1, Offset: 1}, expected: []string{"run-2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs, err := service.List(ctx, tt.request)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, ids(runs))
		})
	}

	_, err := service.List(ctx, services.ListRunsRequest{Status: "sleeping"})
	require.ErrorIs(t, err, services.ErrInvalidStatus)
	assert.True(t, services.IsValidationError(err))
}

func TestRun_ListClampsLimit(t *testing.T) {
	runs := &mocks.MockRunRepository{}
	runs.On("Runs", mock.Anything, models.RunFilter{Limit: services.MaxRunLimit}).Return([]*models.Run{}, nil).Once()
	runs.On("Runs", mock.Anything, models.RunFilter{Limit: services.DefaultRunLimit}).Return(nil, errors.New("boom")).Once()

	service := services.NewRun(runs, &mocks.MockRunController{}, nil)

	_, err := service.List(context.Background(), services.ListRunsRequest{Limit: 10_000, Offset: -3})
	require.NoError(t, err)

	_, err = service.List(context.Background(), services.ListRunsRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list runs")

	runs.AssertExpectations(t)
}

func TestRun_CancelAndRetriggerDelegate(t *testing.T) {
	controller := &mocks.MockRunController{}
	controller.On("Cancel", mock.Anything, "run-3", "lead replied").
		Return(&models.Run{ID: "run-3", Status: models.RunStatusFailed}, nil)
	controller.On("Retrigger", mock.Anything, "run-1").Return(nil, engine.ErrRunNotFailed)

	service := services.NewRun(memory.NewPersistence().RunRepository(), controller, nil)

	run, err := service.Cancel(context.Background(), "run-3", "lead replied")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)

	_, err = service.Retrigger(context.Background(), "run-1")
	require.ErrorIs(t, err, engine.ErrRunNotFailed)
	assert.True(t, services.IsConflictError(err))

	controller.AssertExpectations(t)
}

func TestRun_Ingest(t *testing.T) {
	var published []models.Event

	publish := func(_ context.Context, event models.Event) error {
		published = append(published, event)

		return nil
	}

	service := services.NewRun(memory.NewPersistence().RunRepository(), &mocks.MockRunController{}, publish)

	event, err := service.Ingest(context.Background(), models.Event{
		Type:           models.EventTagAdded,
		OrganizationID: "org-1",
		SubjectID:      "lead-1",
		Payload:        map[string]any{models.PayloadTagID: "vip"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, event.ID)
	assert.False(t, event.OccurredAt.IsZero())
	require.Len(t, published, 1)
	assert.Equal(t, event.ID, published[0].ID)

	_, err = service.Ingest(context.Background(), models.Event{Type: "lead_deleted", OrganizationID: "org-1"})
	require.ErrorIs(t, err, services.ErrInvalidEventType)
	assert.Len(t, published, 1)

	failing := services.NewRun(nil, nil, func(context.Context, models.Event) error { return errors.New("bus down") })
	_, err = failing.Ingest(context.Background(), models.Event{ID: "evt-1", Type: models.EventManual, OrganizationID: "org-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bus down")
}

func TestRun_IngestPublishesOnEventBus(t *testing.T) {
	ctx := context.Background()
	bus := &mocks.MockEventBus{}

	var _ eventbus.EventBus = bus

	bus.On("PublishEvent", ctx, mock.MatchedBy(func(event models.Event) bool {
		return event.ID == "evt-1" && event.Type == models.EventLeadCreated
	})).Return(nil).Once()
	bus.On("PublishEvent", ctx, mock.MatchedBy(func(event models.Event) bool {
		return event.ID == "evt-2"
	})).Return(fmt.Errorf("failed to publish: %w", protocol.ErrUnavailable)).Once()

	service := services.NewRun(memory.NewPersistence().RunRepository(), &mocks.MockRunController{}, bus.PublishEvent)

	_, err := service.Ingest(ctx, models.Event{ID: "evt-1", Type: models.EventLeadCreated, OrganizationID: "org-1"})
	require.NoError(t, err)

	_, err = service.Ingest(ctx, models.Event{ID: "evt-2", Type: models.EventLeadCreated, OrganizationID: "org-1"})
	require.ErrorIs(t, err, protocol.ErrUnavailable)

	bus.AssertExpectations(t)
}
