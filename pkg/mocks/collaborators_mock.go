package mocks

import (
	"context"
	"time"

	"github.com/funnelflow/funnelflow/pkg/models"
	"github.com/funnelflow/funnelflow/pkg/protocol"
	"github.com/stretchr/testify/mock"
)

// MockSubjectStore is a mock implementation of protocol.SubjectStore interface.
type MockSubjectStore struct {
	mock.Mock
}

func (m *MockSubjectStore) Subject(ctx context.Context, subjectID string) (models.Subject, error) {
	args := m.Called(ctx, subjectID)

	return args.Get(0).(models.Subject), args.Error(1)
}

func (m *MockSubjectStore) InactiveSubjects(ctx context.Context, organizationID string, since time.Time) ([]models.Subject, error) {
	args := m.Called(ctx, organizationID, since)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]models.Subject), args.Error(1)
}

func (m *MockSubjectStore) MoveStage(ctx context.Context, subjectID, stageID string) error {
	args := m.Called(ctx, subjectID, stageID)

	return args.Error(0)
}

func (m *MockSubjectStore) AddTag(ctx context.Context, subjectID, tagID string) error {
	args := m.Called(ctx, subjectID, tagID)

	return args.Error(0)
}

func (m *MockSubjectStore) RemoveTag(ctx context.Context, subjectID, tagID string) error {
	args := m.Called(ctx, subjectID, tagID)

	return args.Error(0)
}

func (m *MockSubjectStore) AssignUser(ctx context.Context, subjectID, userID string) error {
	args := m.Called(ctx, subjectID, userID)

	return args.Error(0)
}

func (m *MockSubjectStore) CreateTask(ctx context.Context, task *models.Task) error {
	args := m.Called(ctx, task)

	return args.Error(0)
}

// MockMessageSender is a mock implementation of protocol.MessageSender interface.
type MockMessageSender struct {
	mock.Mock
}

func (m *MockMessageSender) SendMessage(ctx context.Context, message protocol.OutboundMessage) (string, error) {
	args := m.Called(ctx, message)

	return args.String(0), args.Error(1)
}

// MockNotifier is a mock implementation of protocol.Notifier interface.
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, alert protocol.Alert) error {
	args := m.Called(ctx, alert)

	return args.Error(0)
}
