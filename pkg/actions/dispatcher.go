// Package actions performs the side effects of action nodes: messaging, CRM mutations,
// follow-up tasks, alerts and outbound webhooks.
package actions

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/funnelflow/funnelflow/pkg/models"
	"github.com/funnelflow/funnelflow/pkg/protocol"
	"github.com/google/uuid"
)

// Context is what a handler knows about the step it runs in.
type Context struct {
	RunID          string
	GraphID        string
	OrganizationID string
	NodeID         string
	Attempt        int
	Visit          int // how often the run has entered the node; retries of one visit share it
	Subject        models.Subject
	Event          models.Event
	Now            time.Time
}

// TemplateData exposes the context to message and payload templates.
func (c Context) TemplateData() map[string]any {
	return map[string]any{
		"lead": c.Subject.TemplateData(),
		"event": map[string]any{
			"id":          c.Event.ID,
			"type":        string(c.Event.Type),
			"payload":     c.Event.Payload,
			"occurred_at": c.Event.OccurredAt.Format(time.RFC3339),
		},
		"run": map[string]any{
			"id":       c.RunID,
			"graph_id": c.GraphID,
			"node_id":  c.NodeID,
			"attempt":  c.Attempt,
		},
	}
}

// IdempotencyKey derives a stable id for the effect of one visit of this node within
// this run. Retries and crash replays of the visit yield the same key; a loop that
// enters the node again gets a new one.
func (c Context) IdempotencyKey() string {
	name := c.RunID + "/" + c.NodeID
	if c.Visit > 1 {
		name += "/" + strconv.Itoa(c.Visit)
	}

	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// Handler performs one action kind and returns a result recorded in the run ledger.
type Handler func(ctx context.Context, cfg models.ActionConfig, actx Context) (map[string]any, error)

// Collaborators are the external systems handlers act upon. Nil collaborators make the
// corresponding actions fail with a configuration error.
type Collaborators struct {
	Subjects protocol.SubjectWriter
	Tasks    protocol.TaskCreator
	Messages protocol.MessageSender
	Notifier protocol.Notifier
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the client used by call_webhook.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		d.webhooks.client = client
	}
}

// WithWebhookRetryInterval sets the initial backoff between in-call webhook retries.
func WithWebhookRetryInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		d.webhooks.retryInterval = interval
	}
}

// WithHandler registers or overrides the handler for an action kind.
func WithHandler(kind models.ActionKind, handler Handler) Option {
	return func(d *Dispatcher) {
		d.handlers[kind] = handler
	}
}

// Dispatcher routes action nodes to their handler through a lookup table.
type Dispatcher struct {
	collaborators Collaborators
	handlers      map[models.ActionKind]Handler
	webhooks      *webhookCaller
	logger        *slog.Logger
}

// NewDispatcher creates a dispatcher with the built-in handlers.
func NewDispatcher(collaborators Collaborators, logger *slog.Logger, opts ...Option) *Dispatcher {
	logger = logger.With("module", "action_dispatcher")

	d := &Dispatcher{
		collaborators: collaborators,
		webhooks:      newWebhookCaller(logger),
		logger:        logger,
	}

	d.handlers = map[models.ActionKind]Handler{
		models.ActionSendMessage: d.sendMessage,
		models.ActionMoveStage:   d.moveStage,
		models.ActionAddTag:      d.addTag,
		models.ActionRemoveTag:   d.removeTag,
		models.ActionAssignUser:  d.assignUser,
		models.ActionCreateTask:  d.createTask,
		models.ActionCallWebhook: d.webhooks.call,
		models.ActionAlert:       d.alert,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Dispatch runs the handler for cfg.Kind. Errors are classified with IsTransient and
// IsConfiguration; anything else is a permanent action failure. Collaborator timeouts
// and ErrUnavailable failures are transient.
func (d *Dispatcher) Dispatch(ctx context.Context, cfg models.ActionConfig, actx Context) (map[string]any, error) {
	handler, ok := d.handlers[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, cfg.Kind)
	}

	if actx.Now.IsZero() {
		actx.Now = time.Now().UTC()
	}

	d.logger.DebugContext(ctx, "dispatching action",
		"run_id", actx.RunID,
		"node_id", actx.NodeID,
		"action", cfg.Kind,
		"attempt", actx.Attempt)

	result, err := handler(ctx, cfg, actx)
	if err != nil {
		return nil, fmt.Errorf("action %s: %w", cfg.Kind, classify(err))
	}

	if result == nil {
		result = map[string]any{}
	}

	return result, nil
}
