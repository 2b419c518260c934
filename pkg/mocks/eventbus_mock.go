package mocks

import (
	"context"

	"github.com/funnelflow/funnelflow/pkg/models"
	"github.com/funnelflow/funnelflow/pkg/protocol"
	"github.com/stretchr/testify/mock"
)

// MockEventBus is a mock implementation of eventbus.EventBus interface.
type MockEventBus struct {
	mock.Mock
}

func (m *MockEventBus) Start(ctx context.Context, callback protocol.EventCallback) error {
	args := m.Called(ctx, callback)

	return args.Error(0)
}

func (m *MockEventBus) Stop(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockEventBus) SendMessage(ctx context.Context, message protocol.OutboundMessage) (string, error) {
	args := m.Called(ctx, message)

	return args.String(0), args.Error(1)
}

func (m *MockEventBus) Notify(ctx context.Context, alert protocol.Alert) error {
	args := m.Called(ctx, alert)

	return args.Error(0)
}

func (m *MockEventBus) PublishEvent(ctx context.Context, event models.Event) error {
	args := m.Called(ctx, event)

	return args.Error(0)
}

func (m *MockEventBus) PublishRunEvent(ctx context.Context, event models.RunEvent) error {
	args := m.Called(ctx, event)

	return args.Error(0)
}

func (m *MockEventBus) Close() error {
	args := m.Called()

	return args.Error(0)
}

// MockRunController is a mock implementation of services.RunController interface.
type MockRunController struct {
	mock.Mock
}

func (m *MockRunController) Cancel(ctx context.Context, runID, reason string) (*models.Run, error) {
	args := m.Called(ctx, runID, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Run), args.Error(1)
}

func (m *MockRunController) Retrigger(ctx context.Context, runID string) (*models.Run, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Run), args.Error(1)
}
