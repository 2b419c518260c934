package mocks

import (
	"context"
	"time"

	"github.com/funnelflow/funnelflow/pkg/models"
	"github.com/funnelflow/funnelflow/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockPersistence is a mock implementation of persistence.Persistence interface.
type MockPersistence struct {
	mock.Mock
}

// nolint:ireturn
func (m *MockPersistence) GraphRepository() persistence.GraphRepository {
	args := m.Called()

	return args.Get(0).(persistence.GraphRepository)
}

// nolint:ireturn
func (m *MockPersistence) RunRepository() persistence.RunRepository {
	args := m.Called()

	return args.Get(0).(persistence.RunRepository)
}

// nolint:ireturn
func (m *MockPersistence) ContinuationRepository() persistence.ContinuationRepository {
	args := m.Called()

	return args.Get(0).(persistence.ContinuationRepository)
}

// nolint:ireturn
func (m *MockPersistence) ScheduleRepository() persistence.ScheduleRepository {
	args := m.Called()

	return args.Get(0).(persistence.ScheduleRepository)
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

// MockGraphRepository is a mock implementation of persistence.GraphRepository interface.
type MockGraphRepository struct {
	mock.Mock
}

func (m *MockGraphRepository) SaveGraph(ctx context.Context, graph *models.AutomationGraph) error {
	args := m.Called(ctx, graph)

	return args.Error(0)
}

func (m *MockGraphRepository) GraphByID(ctx context.Context, id string) (*models.AutomationGraph, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.AutomationGraph), args.Error(1)
}

func (m *MockGraphRepository) Graphs(ctx context.Context, organizationID string) ([]*models.AutomationGraph, error) {
	args := m.Called(ctx, organizationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.AutomationGraph), args.Error(1)
}

func (m *MockGraphRepository) EnabledGraphs(
	ctx context.Context,
	organizationID string,
	eventType models.EventType,
) ([]*models.AutomationGraph, error) {
	args := m.Called(ctx, organizationID, eventType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.AutomationGraph), args.Error(1)
}

func (m *MockGraphRepository) DisableGraph(ctx context.Context, id string, at time.Time) error {
	args := m.Called(ctx, id, at)

	return args.Error(0)
}

// MockRunRepository is a mock implementation of persistence.RunRepository interface.
type MockRunRepository struct {
	mock.Mock
}

func (m *MockRunRepository) CreateRun(ctx context.Context, run *models.Run) error {
	args := m.Called(ctx, run)

	return args.Error(0)
}

func (m *MockRunRepository) RunByID(ctx context.Context, id string) (*models.Run, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Run), args.Error(1)
}

func (m *MockRunRepository) Claim(
	ctx context.Context,
	runID, workerID string,
	from ...models.RunStatus,
) (*models.Run, error) {
	args := m.Called(ctx, runID, workerID, from)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Run), args.Error(1)
}

func (m *MockRunRepository) UpdateRun(ctx context.Context, run *models.Run) error {
	args := m.Called(ctx, run)

	return args.Error(0)
}

func (m *MockRunRepository) AppendLog(ctx context.Context, runID string, entry models.LogEntry) (bool, error) {
	args := m.Called(ctx, runID, entry)

	return args.Bool(0), args.Error(1)
}

func (m *MockRunRepository) Runs(ctx context.Context, filter models.RunFilter) ([]*models.Run, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Run), args.Error(1)
}

func (m *MockRunRepository) HasRun(ctx context.Context, graphID, subjectID string) (bool, error) {
	args := m.Called(ctx, graphID, subjectID)

	return args.Bool(0), args.Error(1)
}
