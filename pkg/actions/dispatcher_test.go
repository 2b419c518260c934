package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/funnelflow/funnelflow/pkg/mocks"
	"github.com/funnelflow/funnelflow/pkg/models"
	"github.com/funnelflow/funnelflow/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func actionContext() Context {
	return Context{
		RunID:          "run-1",
		GraphID:        "graph-1",
		OrganizationID: "org-1",
		NodeID:         "node-1",
		Attempt:        1,
		Subject: models.Subject{
			ID:         "lead-1",
			Name:       "Ana",
			StageID:    "new",
			Phone:      "+5511999990000",
			Email:      "ana@example.com",
			AssigneeID: "user-7",
		},
		Event: models.Event{ID: "evt-1", Type: models.EventLeadStageChanged},
		Now:   testNow,
	}
}

func actionConfig(kind models.ActionKind, params map[string]any) models.ActionConfig {
	return models.ActionConfig{Kind: kind, Params: params}
}

func TestDispatcher_SendMessage(t *testing.T) {
	sender := &mocks.MockMessageSender{}
	sender.On("SendMessage", mock.Anything, mock.MatchedBy(func(msg protocol.OutboundMessage) bool {
		return msg.Body == "Olá Ana" &&
			msg.Channel == "whatsapp" &&
			msg.To == "+5511999990000" &&
			msg.RunID == "run-1" &&
			msg.NodeID == "node-1"
	})).Return("wamid-1", nil).Once()

	dispatcher := NewDispatcher(Collaborators{Messages: sender}, testLogger())

	result, err := dispatcher.Dispatch(context.Background(),
		actionConfig(models.ActionSendMessage, map[string]any{"template": "Olá {{lead.name}}"}),
		actionContext())

	require.NoError(t, err)
	assert.Equal(t, "wamid-1", result["reference"])
	assert.Equal(t, "Olá Ana", result["body"])
	assert.Equal(t, actionContext().IdempotencyKey(), result["message_id"])
	sender.AssertExpectations(t)
}

func TestDispatcher_SendMessageEmailChannel(t *testing.T) {
	sender := &mocks.MockMessageSender{}
	sender.On("SendMessage", mock.Anything, mock.MatchedBy(func(msg protocol.OutboundMessage) bool {
		return msg.To == "ana@example.com" && msg.Channel == "email"
	})).Return("mail-1", nil).Once()

	dispatcher := NewDispatcher(Collaborators{Messages: sender}, testLogger())

	_, err := dispatcher.Dispatch(context.Background(),
		actionConfig(models.ActionSendMessage, map[string]any{"template": "Hi", "channel": "email"}),
		actionContext())

	require.NoError(t, err)
	sender.AssertExpectations(t)
}

func TestDispatcher_SendMessageWithoutRecipient(t *testing.T) {
	dispatcher := NewDispatcher(Collaborators{Messages: &mocks.MockMessageSender{}}, testLogger())

	actx := actionContext()
	actx.Subject.Phone = ""

	_, err := dispatcher.Dispatch(context.Background(),
		actionConfig(models.ActionSendMessage, map[string]any{"template": "Hi"}), actx)

	require.ErrorIs(t, err, ErrMissingRecipient)
	assert.False(t, IsTransient(err))
	assert.False(t, IsConfiguration(err))
}

func TestDispatcher_SubjectMutations(t *testing.T) {
	ctx := context.Background()
	store := &mocks.MockSubjectStore{}
	store.On("MoveStage", ctx, "lead-1", "qualified").Return(nil).Once()
	store.On("AddTag", ctx, "lead-1", "vip").Return(nil).Once()
	store.On("RemoveTag", ctx, "lead-1", "cold").Return(nil).Once()
	store.On("AssignUser", ctx, "lead-1", "user-9").Return(nil).Once()

	dispatcher := NewDispatcher(Collaborators{Subjects: store}, testLogger())

	result, err := dispatcher.Dispatch(ctx, actionConfig(models.ActionMoveStage, map[string]any{"stage_id": "qualified"}), actionContext())
	require.NoError(t, err)
	assert.Equal(t, "new", result["from_stage_id"])

	_, err = dispatcher.Dispatch(ctx, actionConfig(models.ActionAddTag, map[string]any{"tag_id": "vip"}), actionContext())
	require.NoError(t, err)

	_, err = dispatcher.Dispatch(ctx, actionConfig(models.ActionRemoveTag, map[string]any{"tag_id": "cold"}), actionContext())
	require.NoError(t, err)

	result, err = dispatcher.Dispatch(ctx, actionConfig(models.ActionAssignUser, map[string]any{"user_id": "user-9"}), actionContext())
	require.NoError(t, err)
	assert.Equal(t, "user-7", result["previous_user_id"])

	store.AssertExpectations(t)
}

func TestDispatcher_CreateTask(t *testing.T) {
	store := &mocks.MockSubjectStore{}

	var created *models.Task

	store.On("CreateTask", mock.Anything, mock.AnythingOfType("*models.Task")).
		Run(func(args mock.Arguments) { created = args.Get(1).(*models.Task) }).
		Return(nil).Once()

	dispatcher := NewDispatcher(Collaborators{Tasks: store}, testLogger())

	_, err := dispatcher.Dispatch(context.Background(), actionConfig(models.ActionCreateTask, map[string]any{
		"title":        "Call {{lead.name}}",
		"due_in_hours": 2,
	}), actionContext())

	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Equal(t, "Call Ana", created.Title)
	assert.Equal(t, "user-7", created.AssigneeID)
	assert.Equal(t, testNow.Add(2*time.Hour), created.DueAt)
	assert.Equal(t, actionContext().IdempotencyKey(), created.ID)
}

func TestDispatcher_Alert(t *testing.T) {
	notifier := &mocks.MockNotifier{}
	notifier.On("Notify", mock.Anything, mock.MatchedBy(func(alert protocol.Alert) bool {
		return alert.Message == "Ana went quiet" && alert.UserID == "user-7" && alert.Severity == "warning"
	})).Return(nil).Once()

	dispatcher := NewDispatcher(Collaborators{Notifier: notifier}, testLogger())

	_, err := dispatcher.Dispatch(context.Background(), actionConfig(models.ActionAlert, map[string]any{
		"message":  "{{lead.name}} went quiet",
		"severity": "warning",
	}), actionContext())

	require.NoError(t, err)
	notifier.AssertExpectations(t)
}

func TestDispatcher_ConfigurationErrors(t *testing.T) {
	dispatcher := NewDispatcher(Collaborators{}, testLogger())

	testCases := []struct {
		name   string
		cfg    models.ActionConfig
		target error
	}{
		{"unknown kind", actionConfig("send_fax", nil), ErrUnknownAction},
		{"missing stage", actionConfig(models.ActionMoveStage, map[string]any{}), ErrInvalidParams},
		{"missing collaborator", actionConfig(models.ActionAddTag, map[string]any{"tag_id": "vip"}), ErrNotConfigured},
		{"missing url", actionConfig(models.ActionCallWebhook, map[string]any{}), ErrInvalidParams},
		{"bad url", actionConfig(models.ActionCallWebhook, map[string]any{"url": "ftp://example.com"}), ErrInvalidParams},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := dispatcher.Dispatch(context.Background(), tc.cfg, actionContext())
			require.ErrorIs(t, err, tc.target)
			assert.True(t, IsConfiguration(err))
			assert.False(t, IsTransient(err))
		})
	}
}

func TestDispatcher_CollaboratorErrorsPassThrough(t *testing.T) {
	store := &mocks.MockSubjectStore{}
	store.On("AddTag", mock.Anything, "lead-1", "vip").Return(Transient(errors.New("connection reset"))).Once()
	store.On("MoveStage", mock.Anything, "lead-1", "won").Return(protocol.ErrSubjectNotFound).Once()

	dispatcher := NewDispatcher(Collaborators{Subjects: store}, testLogger())

	_, err := dispatcher.Dispatch(context.Background(), actionConfig(models.ActionAddTag, map[string]any{"tag_id": "vip"}), actionContext())
	assert.True(t, IsTransient(err))

	_, err = dispatcher.Dispatch(context.Background(), actionConfig(models.ActionMoveStage, map[string]any{"stage_id": "won"}), actionContext())
	require.ErrorIs(t, err, protocol.ErrSubjectNotFound)
	assert.False(t, IsTransient(err))
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestDispatcher_CollaboratorFailuresAreClassified(t *testing.T) {
	testCases := []struct {
		name      string
		err       error
		transient bool
	}{
		{"deadline exceeded", fmt.Errorf("publish: %w", context.DeadlineExceeded), true},
		{"unavailable collaborator", fmt.Errorf("broker down: %w", protocol.ErrUnavailable), true},
		{"network timeout", &net.OpError{Op: "dial", Err: timeoutError{}}, true},
		{"rejected message", errors.New("recipient blocked"), false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sender := &mocks.MockMessageSender{}
			sender.On("SendMessage", mock.Anything, mock.Anything).Return("", tc.err).Once()

			notifier := &mocks.MockNotifier{}
			notifier.On("Notify", mock.Anything, mock.Anything).Return(tc.err).Once()

			store := &mocks.MockSubjectStore{}
			store.On("CreateTask", mock.Anything, mock.Anything).Return(tc.err).Once()

			dispatcher := NewDispatcher(Collaborators{
				Subjects: store,
				Tasks:    store,
				Messages: sender,
				Notifier: notifier,
			}, testLogger())

			configs := []models.ActionConfig{
				actionConfig(models.ActionSendMessage, map[string]any{"template": "Oi {{lead.name}}"}),
				actionConfig(models.ActionAlert, map[string]any{"message": "{{lead.name}} is stuck"}),
				actionConfig(models.ActionCreateTask, map[string]any{"title": "Call {{lead.name}}"}),
			}

			for _, cfg := range configs {
				_, err := dispatcher.Dispatch(context.Background(), cfg, actionContext())
				require.ErrorIs(t, err, tc.err)
				assert.Equal(t, tc.transient, IsTransient(err), string(cfg.Kind))
				assert.False(t, IsConfiguration(err))
			}

			sender.AssertExpectations(t)
			notifier.AssertExpectations(t)
			store.AssertExpectations(t)
		})
	}
}

func TestContext_IdempotencyKeyPerVisit(t *testing.T) {
	first := actionContext()
	first.Visit = 1

	retry := first
	retry.Attempt = 2

	again := first
	again.Visit = 2

	assert.Equal(t, first.IdempotencyKey(), retry.IdempotencyKey())
	assert.NotEqual(t, first.IdempotencyKey(), again.IdempotencyKey())
	assert.Equal(t, actionContext().IdempotencyKey(), first.IdempotencyKey())
}

func TestDispatcher_CallWebhook(t *testing.T) {
	var received map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		assert.NotEmpty(t, r.Header.Get("Idempotency-Key"))

		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	dispatcher := NewDispatcher(Collaborators{}, testLogger())

	result, err := dispatcher.Dispatch(context.Background(), actionConfig(models.ActionCallWebhook, map[string]any{
		"url":     server.URL + "/leads/{{lead.id}}",
		"method":  "put",
		"headers": map[string]any{"X-Token": "secret"},
		"body":    map[string]any{"name": "{{lead.name}}", "run": "{{ .run.id }}"},
	}), actionContext())

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result["status_code"])
	assert.Equal(t, map[string]any{"ok": true}, result["body"])
	assert.Equal(t, map[string]any{"name": "Ana", "run": "run-1"}, received)
}

func TestDispatcher_CallWebhookExtractsTypedFields(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"score":87,"qualified":true,"owner":{"id":"user-9"}}`))
	}))
	defer server.Close()

	dispatcher := NewDispatcher(Collaborators{}, testLogger())

	result, err := dispatcher.Dispatch(context.Background(), actionConfig(models.ActionCallWebhook, map[string]any{
		"url": server.URL,
		"extract": map[string]any{
			"score":     "{{response.body.score}}",
			"qualified": "{{ .response.body.qualified }}",
			"owner":     "{{response.body.owner.id}}",
			"summary":   `{"lead":"{{lead.name}}","status":{{ .response.status_code }}}`,
		},
	}), actionContext())

	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"score":     87.0,
		"qualified": true,
		"owner":     "user-9",
		"summary":   map[string]any{"lead": "Ana", "status": 200.0},
	}, result["extracted"])
}

func TestDispatcher_CallWebhookBadExtractIsConfiguration(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	dispatcher := NewDispatcher(Collaborators{}, testLogger())

	_, err := dispatcher.Dispatch(context.Background(), actionConfig(models.ActionCallWebhook, map[string]any{
		"url":     server.URL,
		"extract": map[string]any{"broken": "{{ .response.body"},
	}), actionContext())

	require.ErrorIs(t, err, ErrInvalidParams)
	assert.False(t, IsTransient(err))
}

func TestDispatcher_CallWebhookErrorClassification(t *testing.T) {
	testCases := []struct {
		name      string
		status    int
		transient bool
	}{
		{"server error is transient", http.StatusBadGateway, true},
		{"rate limit is transient", http.StatusTooManyRequests, true},
		{"client error is permanent", http.StatusUnprocessableEntity, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer server.Close()

			dispatcher := NewDispatcher(Collaborators{}, testLogger())

			_, err := dispatcher.Dispatch(context.Background(),
				actionConfig(models.ActionCallWebhook, map[string]any{"url": server.URL}), actionContext())

			require.ErrorIs(t, err, ErrWebhookStatus)
			assert.Equal(t, tc.transient, IsTransient(err))
		})
	}
}

func TestDispatcher_CallWebhookRetriesWithinCall(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)

			return
		}

		_, _ = w.Write([]byte("done"))
	}))
	defer server.Close()

	dispatcher := NewDispatcher(Collaborators{}, testLogger(), WithWebhookRetryInterval(time.Millisecond))

	result, err := dispatcher.Dispatch(context.Background(),
		actionConfig(models.ActionCallWebhook, map[string]any{"url": server.URL, "retries": 2}), actionContext())

	require.NoError(t, err)
	assert.Equal(t, "done", result["body"])
	assert.Equal(t, int32(3), calls.Load())
}

func TestDispatcher_CallWebhookTimeoutIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	dispatcher := NewDispatcher(Collaborators{}, testLogger(), WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}))

	_, err := dispatcher.Dispatch(context.Background(),
		actionConfig(models.ActionCallWebhook, map[string]any{"url": server.URL}), actionContext())

	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestDispatcher_CircuitBreakerOpensAfterRepeatedFailures(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	dispatcher := NewDispatcher(Collaborators{}, testLogger())
	cfg := actionConfig(models.ActionCallWebhook, map[string]any{"url": server.URL})

	for range 5 {
		_, err := dispatcher.Dispatch(context.Background(), cfg, actionContext())
		require.True(t, IsTransient(err))
	}

	_, err := dispatcher.Dispatch(context.Background(), cfg, actionContext())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "unavailable")
	assert.Equal(t, int32(5), calls.Load())
}

func TestDispatcher_WithHandlerOverride(t *testing.T) {
	dispatcher := NewDispatcher(Collaborators{}, testLogger(), WithHandler(models.ActionAlert,
		func(_ context.Context, _ models.ActionConfig, actx Context) (map[string]any, error) {
			return map[string]any{"node": actx.NodeID}, nil
		}))

	result, err := dispatcher.Dispatch(context.Background(), actionConfig(models.ActionAlert, nil), actionContext())
	require.NoError(t, err)
	assert.Equal(t, "node-1", result["node"])
}
