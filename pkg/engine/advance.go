package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/funnelflow/funnelflow/pkg/actions"
	"github.com/funnelflow/funnelflow/pkg/condition"
	"github.com/funnelflow/funnelflow/pkg/graph"
	"github.com/funnelflow/funnelflow/pkg/models"
	"github.com/funnelflow/funnelflow/pkg/otelhelper"
	"github.com/funnelflow/funnelflow/pkg/protocol"
	"go.opentelemetry.io/otel/attribute"
)

const (
	kindTrigger          = "trigger"
	kindDelay            = "delay"
	kindNoMatchingBranch = "no_matching_branch"
)

type stepKind int

const (
	stepNext stepKind = iota
	stepComplete
	stepFail
	stepPark
)

// step is what the visit of one node asks the loop to do next.
type step struct {
	kind     stepKind
	next     string
	err      *models.RunError
	resumeAt time.Time
	reason   models.ContinuationReason
	attempt  int
}

func next(nodeID string) step { return step{kind: stepNext, next: nodeID} }

func complete() step { return step{kind: stepComplete} }

func fail(kind models.ErrorKind, nodeID, message string, retryable bool) step {
	return step{kind: stepFail, err: &models.RunError{
		Kind:      kind,
		NodeID:    nodeID,
		Message:   message,
		Retryable: retryable,
	}}
}

func park(resumeAt time.Time, nodeID string, reason models.ContinuationReason, attempt int) step {
	return step{kind: stepPark, next: nodeID, resumeAt: resumeAt, reason: reason, attempt: attempt}
}

// advance runs one episode: it visits nodes from nodeID until the run finishes, parks,
// or exhausts its step or time budget. It returns an error only for storage failures
// that could not be turned into a retry.
func (e *Engine) advance(ctx context.Context, dag *graph.DAG, run *models.Run, nodeID string, attempt int) error {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.advance", runAttributes(run)...)
	defer span.End()

	episodeCtx, cancel := context.WithTimeout(ctx, e.config.EpisodeTimeout)
	defer cancel()

	for {
		// run.Steps survives parking, so loops through delays share one budget.
		if run.Steps >= e.config.StepLimit {
			return e.finish(ctx, run, models.RunStatusFailed, &models.RunError{
				Kind:    models.ErrorKindStepLimitExceeded,
				NodeID:  nodeID,
				Message: fmt.Sprintf("run exceeded %d steps", e.config.StepLimit),
			})
		}

		if episodeCtx.Err() != nil {
			return e.finish(ctx, run, models.RunStatusFailed, &models.RunError{
				Kind:      models.ErrorKindTimeout,
				NodeID:    nodeID,
				Message:   fmt.Sprintf("episode exceeded %s", e.config.EpisodeTimeout),
				Retryable: true,
			})
		}

		node, ok := dag.Node(nodeID)
		if !ok {
			return e.finish(ctx, run, models.RunStatusFailed, &models.RunError{
				Kind:    models.ErrorKindMissingNode,
				NodeID:  nodeID,
				Message: fmt.Sprintf("node %s does not exist in graph %s", nodeID, run.GraphID),
			})
		}

		run.Steps++
		run.CurrentNodeID = node.ID
		run.Attempt = attempt

		result, err := e.visit(ctx, episodeCtx, dag, run, node, attempt)
		if err != nil {
			otelhelper.SetError(span, err, attribute.String(otelhelper.NodeIDKey, node.ID))

			// The retried visit reuses this step so an already written ledger row is not duplicated.
			run.Steps--

			return e.interrupt(ctx, run, node.ID, attempt, err)
		}

		switch result.kind {
		case stepNext:
			nodeID = result.next
			attempt = 1
		case stepComplete:
			return e.finish(ctx, run, models.RunStatusCompleted, nil)
		case stepFail:
			if result.err.Kind == models.ErrorKindTimeout {
				span.SetAttributes(attribute.Bool("funnelflow.run.timeout", true))
			}

			return e.finish(ctx, run, models.RunStatusFailed, result.err)
		case stepPark:
			return e.wait(ctx, run, result)
		}
	}
}

func (e *Engine) visit(
	ctx, episodeCtx context.Context,
	dag *graph.DAG,
	run *models.Run,
	node *models.Node,
	attempt int,
) (step, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.node",
		attribute.String(otelhelper.RunIDKey, run.ID),
		attribute.String(otelhelper.NodeIDKey, node.ID),
		attribute.String(otelhelper.NodeKindKey, string(node.Kind)),
		attribute.Int(otelhelper.AttemptKey, attempt),
	)
	defer span.End()

	switch node.Kind {
	case models.NodeKindTrigger:
		return e.visitTrigger(ctx, dag, run, node, attempt)
	case models.NodeKindCondition:
		return e.visitCondition(ctx, dag, run, node, attempt)
	case models.NodeKindAction:
		return e.visitAction(ctx, episodeCtx, dag, run, node, attempt)
	case models.NodeKindDelay:
		return e.visitDelay(ctx, dag, run, node, attempt)
	default:
		message := fmt.Sprintf("unknown node kind %q", node.Kind)
		if err := e.record(ctx, run, node, attempt, string(node.Kind), models.OutcomeFailed, nil, message); err != nil {
			return step{}, err
		}

		return fail(models.ErrorKindConfiguration, node.ID, message, false), nil
	}
}

func (e *Engine) visitTrigger(ctx context.Context, dag *graph.DAG, run *models.Run, node *models.Node, attempt int) (step, error) {
	result := map[string]any{"event_id": run.Event.ID, "event_type": string(run.Event.Type)}

	if err := e.record(ctx, run, node, attempt, kindTrigger, models.OutcomeRouted, result, ""); err != nil {
		return step{}, err
	}

	edge, ok := dag.Next(node.ID)
	if !ok {
		return complete(), nil
	}

	return next(edge.TargetNodeID), nil
}

func (e *Engine) visitCondition(ctx context.Context, dag *graph.DAG, run *models.Run, node *models.Node, attempt int) (step, error) {
	cfg, err := node.ConditionConfig()
	if err != nil {
		return e.failNode(ctx, run, node, attempt, string(models.NodeKindCondition), models.ErrorKindConfiguration, err)
	}

	kind := string(models.NodeKindCondition) + ":" + string(cfg.Predicate)

	subject, failure, err := e.subject(ctx, run)
	if err != nil {
		return step{}, err
	}

	if failure != nil {
		return e.failNode(ctx, run, node, attempt, kind, models.ErrorKindActionFailed, failure)
	}

	branch, err := e.evaluator.Evaluate(cfg, condition.Snapshot{Subject: subject, Event: run.Event})
	if err != nil {
		return e.failNode(ctx, run, node, attempt, kind, models.ErrorKindConfiguration, err)
	}

	edge, ok := dag.Branch(node.ID, branch)
	if !ok {
		result := map[string]any{"branch": branch}
		if err := e.record(ctx, run, node, attempt, kindNoMatchingBranch, models.OutcomeNoMatchingBranch, result, ""); err != nil {
			return step{}, err
		}

		return complete(), nil
	}

	result := map[string]any{"branch": branch, "next_node_id": edge.TargetNodeID}
	if err := e.record(ctx, run, node, attempt, kind, models.OutcomeBranched, result, ""); err != nil {
		return step{}, err
	}

	return next(edge.TargetNodeID), nil
}

func (e *Engine) visitAction(
	ctx, episodeCtx context.Context,
	dag *graph.DAG,
	run *models.Run,
	node *models.Node,
	attempt int,
) (step, error) {
	cfg, err := node.ActionConfig()
	if err != nil {
		return e.failNode(ctx, run, node, attempt, string(models.NodeKindAction), models.ErrorKindConfiguration, err)
	}

	kind := string(models.NodeKindAction) + ":" + string(cfg.Kind)

	subject, failure, err := e.subject(ctx, run)
	if err != nil {
		return step{}, err
	}

	if failure != nil {
		return e.failNode(ctx, run, node, attempt, kind, models.ErrorKindActionFailed, failure)
	}

	now := e.now()
	started := time.Now()

	result, err := e.dispatcher.Dispatch(episodeCtx, cfg, actions.Context{
		RunID:          run.ID,
		GraphID:        run.GraphID,
		OrganizationID: run.OrganizationID,
		NodeID:         node.ID,
		Attempt:        attempt,
		Visit:          visitOrdinal(run, node.ID, attempt),
		Subject:        subject,
		Event:          run.Event,
		Now:            now,
	})

	e.metrics.ObserveAction(string(cfg.Kind), time.Since(started), err)

	if err == nil {
		if err := e.record(ctx, run, node, attempt, kind, models.OutcomeSucceeded, result, ""); err != nil {
			return step{}, err
		}

		edge, ok := dag.Next(node.ID)
		if !ok {
			return complete(), nil
		}

		return next(edge.TargetNodeID), nil
	}

	if errors.Is(episodeCtx.Err(), context.DeadlineExceeded) {
		if err := e.record(ctx, run, node, attempt, kind, models.OutcomeFailed, nil, err.Error()); err != nil {
			return step{}, err
		}

		return fail(models.ErrorKindTimeout, node.ID, err.Error(), true), nil
	}

	if actions.IsTransient(err) && attempt < e.config.MaxAttempts {
		resumeAt := now.Add(e.retryDelay(attempt))
		retry := map[string]any{
			"next_attempt": attempt + 1,
			"retry_at":     resumeAt.Format(time.RFC3339),
		}

		if err := e.record(ctx, run, node, attempt, kind, models.OutcomeRetryScheduled, retry, err.Error()); err != nil {
			return step{}, err
		}

		return park(resumeAt, node.ID, models.ContinuationRetry, attempt+1), nil
	}

	errorKind := models.ErrorKindActionFailed

	switch {
	case actions.IsConfiguration(err):
		errorKind = models.ErrorKindConfiguration
	case actions.IsTransient(err):
		errorKind = models.ErrorKindTransient
	}

	return e.failNode(ctx, run, node, attempt, kind, errorKind, err)
}

func (e *Engine) visitDelay(ctx context.Context, dag *graph.DAG, run *models.Run, node *models.Node, attempt int) (step, error) {
	cfg, err := node.DelayConfig()
	if err != nil {
		return e.failNode(ctx, run, node, attempt, kindDelay, models.ErrorKindConfiguration, err)
	}

	duration, err := cfg.Duration()
	if err != nil {
		return e.failNode(ctx, run, node, attempt, kindDelay, models.ErrorKindConfiguration, err)
	}

	edge, ok := dag.Next(node.ID)
	if !ok {
		if err := e.record(ctx, run, node, attempt, kindDelay, models.OutcomeSucceeded, map[string]any{"next_node_id": ""}, ""); err != nil {
			return step{}, err
		}

		return complete(), nil
	}

	resumeAt := e.now().Add(duration)
	result := map[string]any{
		"resume_at":      resumeAt.Format(time.RFC3339),
		"resume_node_id": edge.TargetNodeID,
	}

	if err := e.record(ctx, run, node, attempt, kindDelay, models.OutcomeScheduled, result, ""); err != nil {
		return step{}, err
	}

	return park(resumeAt, edge.TargetNodeID, models.ContinuationDelay, 1), nil
}

// visitOrdinal numbers the entries of a node within a run. Every first attempt recorded
// before the current step started a visit; a retry belongs to the latest of them.
func visitOrdinal(run *models.Run, nodeID string, attempt int) int {
	visits := 0

	for _, entry := range run.Log {
		if entry.NodeID == nodeID && entry.Attempt == 1 && entry.Step < run.Steps {
			visits++
		}
	}

	if attempt == 1 {
		visits++
	}

	return visits
}

// subject loads the run's subject. A missing subject is a node failure; any other read
// error is a storage failure.
func (e *Engine) subject(ctx context.Context, run *models.Run) (models.Subject, error, error) {
	if run.SubjectID == "" || e.subjects == nil {
		return models.Subject{ID: run.SubjectID, OrganizationID: run.OrganizationID}, nil, nil
	}

	subject, err := e.subjects.Subject(ctx, run.SubjectID)
	if err != nil {
		if errors.Is(err, protocol.ErrSubjectNotFound) {
			return models.Subject{}, err, nil
		}

		return models.Subject{}, nil, fmt.Errorf("failed to load subject %s: %w", run.SubjectID, err)
	}

	return subject, nil, nil
}

func (e *Engine) failNode(
	ctx context.Context,
	run *models.Run,
	node *models.Node,
	attempt int,
	kind string,
	errorKind models.ErrorKind,
	cause error,
) (step, error) {
	if err := e.record(ctx, run, node, attempt, kind, models.OutcomeFailed, nil, cause.Error()); err != nil {
		return step{}, err
	}

	return fail(errorKind, node.ID, cause.Error(), errorKind == models.ErrorKindTransient), nil
}

// record appends the ledger row of a node visit. Replayed visits are not written twice.
func (e *Engine) record(
	ctx context.Context,
	run *models.Run,
	node *models.Node,
	attempt int,
	kind string,
	outcome models.LogOutcome,
	result map[string]any,
	message string,
) error {
	entry := models.LogEntry{
		Step:      run.Steps,
		NodeID:    node.ID,
		Attempt:   attempt,
		Kind:      kind,
		Outcome:   outcome,
		Result:    result,
		Error:     message,
		Timestamp: e.now(),
	}

	appended, err := e.runs.AppendLog(context.WithoutCancel(ctx), run.ID, entry)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry for node %s: %w", node.ID, err)
	}

	e.metrics.NodeVisited(string(node.Kind), string(outcome))

	if !appended {
		e.logger.DebugContext(ctx, "ledger entry already recorded",
			"run_id", run.ID, "step", run.Steps, "node_id", node.ID, "attempt", attempt)

		return nil
	}

	entry.Sequence = len(run.Log) + 1
	run.Log = append(run.Log, entry)

	return nil
}

// wait parks the run: the continuation is written before the run leaves the running state.
func (e *Engine) wait(ctx context.Context, run *models.Run, parked step) error {
	ctx = context.WithoutCancel(ctx)

	if _, err := e.scheduler.Schedule(ctx, run.ID, parked.resumeAt, parked.next, parked.reason); err != nil {
		return err
	}

	run.Status = models.RunStatusWaiting
	run.CurrentNodeID = parked.next
	run.Attempt = parked.attempt
	run.ClaimedBy = ""

	if err := e.runs.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("failed to park run %s: %w", run.ID, err)
	}

	e.logger.InfoContext(ctx, "run waiting",
		"run_id", run.ID,
		"node_id", parked.next,
		"resume_at", parked.resumeAt,
		"reason", parked.reason,
		"attempt", parked.attempt)

	e.publish(ctx, run)

	return nil
}

func (e *Engine) finish(ctx context.Context, run *models.Run, status models.RunStatus, runErr *models.RunError) error {
	ctx = context.WithoutCancel(ctx)
	now := e.now()

	run.Status = status
	run.Error = runErr
	run.CompletedAt = &now

	if err := e.runs.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("failed to finish run %s: %w", run.ID, err)
	}

	e.metrics.RunFinished(string(status))

	if runErr != nil {
		e.logger.WarnContext(ctx, "run failed",
			"run_id", run.ID,
			"graph_id", run.GraphID,
			"node_id", runErr.NodeID,
			"kind", runErr.Kind,
			"error", runErr.Message)
	} else {
		e.logger.InfoContext(ctx, "run completed", "run_id", run.ID, "graph_id", run.GraphID, "steps", run.Steps)
	}

	e.publish(ctx, run)

	return nil
}

// interrupt turns a storage failure in the middle of an episode into a retry of the
// current node, so the run is not left claimed.
func (e *Engine) interrupt(ctx context.Context, run *models.Run, nodeID string, attempt int, cause error) error {
	ctx = context.WithoutCancel(ctx)

	e.logger.ErrorContext(ctx, "episode interrupted; retrying node later",
		"run_id", run.ID, "node_id", nodeID, "attempt", attempt, "error", cause)

	retry := park(e.now().Add(e.config.RetryBase), nodeID, models.ContinuationRetry, attempt)
	if err := e.wait(ctx, run, retry); err != nil {
		return errors.Join(cause, err)
	}

	return nil
}

func (e *Engine) publish(ctx context.Context, run *models.Run) {
	if e.publisher == nil {
		return
	}

	if err := e.publisher.PublishRunEvent(ctx, models.NewRunEvent(run, e.now())); err != nil {
		e.logger.WarnContext(ctx, "failed to publish run lifecycle event", "run_id", run.ID, "error", err)
	}
}

// retryDelay is the exponential backoff before the given failed attempt is retried.
func (e *Engine) retryDelay(attempt int) time.Duration {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.config.RetryBase
	policy.MaxInterval = e.config.RetryMax
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	policy.Reset()

	delay := policy.NextBackOff()
	for range attempt - 1 {
		delay = policy.NextBackOff()
	}

	return delay
}
