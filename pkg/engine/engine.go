// Package engine executes automation runs: it creates a run for every trigger match,
// walks the graph node by node, writes the run ledger, and parks runs on delays and
// retries until the scheduler resumes them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/funnelflow/funnelflow/pkg/actions"
	"github.com/funnelflow/funnelflow/pkg/condition"
	"github.com/funnelflow/funnelflow/pkg/graph"
	"github.com/funnelflow/funnelflow/pkg/metrics"
	"github.com/funnelflow/funnelflow/pkg/models"
	"github.com/funnelflow/funnelflow/pkg/otelhelper"
	"github.com/funnelflow/funnelflow/pkg/persistence"
	"github.com/funnelflow/funnelflow/pkg/protocol"
	"github.com/funnelflow/funnelflow/pkg/scheduler"
	"github.com/funnelflow/funnelflow/pkg/trigger"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ActionDispatcher performs the side effect of an action node.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, cfg models.ActionConfig, actx actions.Context) (map[string]any, error)
}

// LifecyclePublisher receives run lifecycle events.
type LifecyclePublisher interface {
	PublishRunEvent(ctx context.Context, event models.RunEvent) error
}

// Dependencies are the collaborators every engine needs.
type Dependencies struct {
	Graphs     persistence.GraphRepository
	Runs       persistence.RunRepository
	Scheduler  *scheduler.Scheduler
	Subjects   protocol.SubjectReader
	Evaluator  *condition.Evaluator
	Dispatcher ActionDispatcher
	Matcher    *trigger.Matcher
}

// Option configures optional engine collaborators.
type Option func(*Engine)

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func WithPublisher(publisher LifecyclePublisher) Option {
	return func(e *Engine) {
		e.publisher = publisher
	}
}

type Engine struct {
	graphs     persistence.GraphRepository
	runs       persistence.RunRepository
	scheduler  *scheduler.Scheduler
	subjects   protocol.SubjectReader
	evaluator  *condition.Evaluator
	dispatcher ActionDispatcher
	matcher    *trigger.Matcher
	publisher  LifecyclePublisher
	tracer     trace.Tracer
	metrics    *metrics.Metrics
	config     Config
	logger     *slog.Logger
}

func New(deps Dependencies, config Config, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if deps.Graphs == nil || deps.Runs == nil || deps.Scheduler == nil || deps.Dispatcher == nil {
		return nil, errors.New("engine requires graph and run repositories, a scheduler and a dispatcher")
	}

	if deps.Evaluator == nil {
		deps.Evaluator = condition.NewEvaluator()
	}

	if deps.Matcher == nil {
		deps.Matcher = trigger.NewMatcher(deps.Graphs, logger)
	}

	e := &Engine{
		graphs:     deps.Graphs,
		runs:       deps.Runs,
		scheduler:  deps.Scheduler,
		subjects:   deps.Subjects,
		evaluator:  deps.Evaluator,
		dispatcher: deps.Dispatcher,
		matcher:    deps.Matcher,
		tracer:     otelhelper.NoopTracer(),
		config:     config,
		logger:     logger.With("module", "engine", "worker_id", config.WorkerID),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// HandleEvent matches the event against every enabled graph and starts one run per match.
// Runs are independent: a persistence failure of one does not stop the others.
func (e *Engine) HandleEvent(ctx context.Context, event models.Event) ([]*models.Run, error) {
	e.metrics.EventReceived(string(event.Type))

	logger := e.logger.With("event_id", event.ID, "event_type", event.Type)

	matches, err := e.matcher.Match(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("failed to match event %s: %w", event.ID, err)
	}

	logger.DebugContext(ctx, "event matched", "matches", len(matches))

	runs := make([]*models.Run, 0, len(matches))

	var errs []error

	for _, match := range matches {
		run, err := e.Start(ctx, match, event)
		if err != nil {
			logger.ErrorContext(ctx, "failed to start run",
				"graph_id", match.GraphID,
				"trigger_node_id", match.TriggerNodeID,
				"error", err)

			errs = append(errs, err)

			continue
		}

		if run != nil {
			runs = append(runs, run)
		}
	}

	return runs, errors.Join(errs...)
}

// Start creates a run for the match and advances it until it finishes or parks.
// A nil run with a nil error means the trigger's frequency forbids another run for the subject.
// Errors are returned only when the run could not be persisted; node failures end up on the run.
func (e *Engine) Start(ctx context.Context, match models.TriggerMatch, event models.Event) (*models.Run, error) {
	return e.start(ctx, match, event, true)
}

func (e *Engine) start(ctx context.Context, match models.TriggerMatch, event models.Event, honourFrequency bool) (*models.Run, error) {
	automation := match.Graph
	if automation == nil {
		loaded, err := e.graphs.GraphByID(ctx, match.GraphID)
		if err != nil {
			return nil, fmt.Errorf("failed to load graph %s: %w", match.GraphID, err)
		}

		automation = loaded
	}

	if !automation.IsExecutable() {
		return nil, fmt.Errorf("%w: %s", ErrGraphNotExecutable, automation.ID)
	}

	node := automation.NodeByID(match.TriggerNodeID)
	if node == nil || node.Kind != models.NodeKindTrigger {
		return nil, fmt.Errorf("%w: %s in graph %s", ErrTriggerNotFound, match.TriggerNodeID, automation.ID)
	}

	logger := e.logger.With("graph_id", automation.ID, "subject_id", event.SubjectID, "event_id", event.ID)

	if honourFrequency && event.SubjectID != "" {
		cfg, err := node.TriggerConfig()
		if err == nil && cfg.Frequency == models.FrequencyOnce {
			exists, err := e.runs.HasRun(ctx, automation.ID, event.SubjectID)
			if err != nil {
				return nil, fmt.Errorf("failed to check previous runs: %w", err)
			}

			if exists {
				logger.InfoContext(ctx, "trigger fires once per subject; skipping")

				return nil, nil
			}
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate run ID: %w", err)
	}

	now := e.scheduler.Now()

	run := &models.Run{
		ID:             id.String(),
		GraphID:        automation.ID,
		OrganizationID: automation.OrganizationID,
		SubjectID:      event.SubjectID,
		TriggerNodeID:  node.ID,
		Status:         models.RunStatusPending,
		CurrentNodeID:  node.ID,
		Attempt:        1,
		Event:          event,
		StartedAt:      now,
		UpdatedAt:      now,
	}

	if err := e.runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	e.metrics.RunStarted()
	logger.InfoContext(ctx, "run created", "run_id", run.ID, "trigger_node_id", node.ID)

	claimed, err := e.runs.Claim(ctx, run.ID, e.config.WorkerID, models.RunStatusPending)
	if err != nil {
		if persistence.IsClaimConflict(err) {
			logger.DebugContext(ctx, "run claimed by another worker", "run_id", run.ID)

			return run, nil
		}

		return nil, fmt.Errorf("failed to claim run %s: %w", run.ID, err)
	}

	if err := e.advance(ctx, graph.New(automation), claimed, node.ID, 1); err != nil {
		return nil, err
	}

	return e.reload(ctx, claimed)
}

// Resume continues a waiting run from a claimed continuation. When another worker holds
// the run it returns ErrRunBusy so the continuation is re-queued; a finished run is skipped.
func (e *Engine) Resume(ctx context.Context, continuation models.ScheduledContinuation) error {
	logger := e.logger.With("run_id", continuation.RunID, "node_id", continuation.ResumeNodeID)

	run, err := e.runs.Claim(ctx, continuation.RunID, e.config.WorkerID, models.RunStatusWaiting)
	if err != nil {
		if !persistence.IsClaimConflict(err) {
			if persistence.IsRunNotFound(err) {
				logger.WarnContext(ctx, "continuation for unknown run dropped")

				return nil
			}

			return fmt.Errorf("failed to claim run %s: %w", continuation.RunID, err)
		}

		e.metrics.ClaimConflict()

		current, loadErr := e.runs.RunByID(ctx, continuation.RunID)
		if loadErr != nil {
			return fmt.Errorf("failed to load run %s: %w", continuation.RunID, loadErr)
		}

		if current.Status.IsTerminal() {
			logger.DebugContext(ctx, "continuation for finished run dropped", "status", current.Status)

			return nil
		}

		logger.DebugContext(ctx, "run held by another worker", "status", current.Status, "claimed_by", current.ClaimedBy)

		return fmt.Errorf("%w: %s", ErrRunBusy, continuation.RunID)
	}

	automation, err := e.graphs.GraphByID(ctx, run.GraphID)
	if err != nil {
		if persistence.IsGraphNotFound(err) {
			return e.finish(ctx, run, models.RunStatusFailed, &models.RunError{
				Kind:    models.ErrorKindMissingNode,
				NodeID:  continuation.ResumeNodeID,
				Message: "graph no longer exists",
			})
		}

		e.release(ctx, run)

		return fmt.Errorf("failed to load graph %s: %w", run.GraphID, err)
	}

	attempt := 1
	if continuation.Reason == models.ContinuationRetry && run.CurrentNodeID == continuation.ResumeNodeID {
		attempt = max(run.Attempt, 1)
	}

	logger.DebugContext(ctx, "resuming run", "reason", continuation.Reason, "attempt", attempt)

	return e.advance(ctx, graph.New(automation), run, continuation.ResumeNodeID, attempt)
}

// Cancel stops a pending or waiting run. Its continuations are discarded and it fails
// with a cancelled error.
func (e *Engine) Cancel(ctx context.Context, runID, reason string) (*models.Run, error) {
	run, err := e.runs.Claim(ctx, runID, e.config.WorkerID, models.RunStatusPending, models.RunStatusWaiting)
	if err != nil {
		if !persistence.IsClaimConflict(err) {
			return nil, fmt.Errorf("failed to claim run %s: %w", runID, err)
		}

		current, loadErr := e.runs.RunByID(ctx, runID)
		if loadErr != nil {
			return nil, fmt.Errorf("failed to load run %s: %w", runID, loadErr)
		}

		if current.Status.IsTerminal() {
			return current, fmt.Errorf("%w: %s is %s", ErrRunTerminal, runID, current.Status)
		}

		return current, fmt.Errorf("%w: %s", ErrRunBusy, runID)
	}

	deleted, err := e.scheduler.Cancel(ctx, runID)
	if err != nil {
		e.release(ctx, run)

		return nil, err
	}

	if reason == "" {
		reason = "cancelled by operator"
	}

	e.logger.InfoContext(ctx, "run cancelled", "run_id", runID, "continuations", deleted, "reason", reason)

	if err := e.finish(ctx, run, models.RunStatusFailed, &models.RunError{
		Kind:    models.ErrorKindCancelled,
		NodeID:  run.CurrentNodeID,
		Message: reason,
	}); err != nil {
		return nil, err
	}

	return e.reload(ctx, run)
}

// Retrigger starts a fresh run with the graph, trigger node and event of a failed run.
func (e *Engine) Retrigger(ctx context.Context, runID string) (*models.Run, error) {
	previous, err := e.runs.RunByID(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}

	if previous.Status != models.RunStatusFailed {
		return nil, fmt.Errorf("%w: %s is %s", ErrRunNotFailed, runID, previous.Status)
	}

	e.logger.InfoContext(ctx, "retriggering run", "run_id", runID, "graph_id", previous.GraphID)

	return e.start(ctx, models.TriggerMatch{
		GraphID:       previous.GraphID,
		TriggerNodeID: previous.TriggerNodeID,
	}, previous.Event, false)
}

func (e *Engine) reload(ctx context.Context, run *models.Run) (*models.Run, error) {
	stored, err := e.runs.RunByID(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload run %s: %w", run.ID, err)
	}

	return stored, nil
}

// release hands a claimed run back to the waiting state after an infrastructure failure.
func (e *Engine) release(ctx context.Context, run *models.Run) {
	run.Status = models.RunStatusWaiting
	run.ClaimedBy = ""

	if err := e.runs.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
		e.logger.ErrorContext(ctx, "failed to release run", "run_id", run.ID, "error", err)
	}
}

func runAttributes(run *models.Run) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(otelhelper.RunIDKey, run.ID),
		attribute.String(otelhelper.GraphIDKey, run.GraphID),
		attribute.String(otelhelper.SubjectIDKey, run.SubjectID),
		attribute.String(otelhelper.TriggerNodeIDKey, run.TriggerNodeID),
		attribute.String(otelhelper.EventTypeKey, string(run.Event.Type)),
	}
}

func (e *Engine) now() time.Time {
	return e.scheduler.Now()
}
