package services

import (
	"context"
	"fmt"
	"time"

	"github.com/funnelflow/funnelflow/pkg/models"
	"github.com/funnelflow/funnelflow/pkg/persistence"
	"github.com/google/uuid"
)

const (
	DefaultRunLimit = 50
	MaxRunLimit     = 200
)

// RunController performs operator actions on runs.
type RunController interface {
	Cancel(ctx context.Context, runID, reason string) (*models.Run, error)
	Retrigger(ctx context.Context, runID string) (*models.Run, error)
}

// EventPublisher hands an ingested event to whatever feeds the engine.
type EventPublisher func(ctx context.Context, event models.Event) error

type Run struct {
	runs       persistence.RunRepository
	controller RunController
	publish    EventPublisher
}

func NewRun(runs persistence.RunRepository, controller RunController, publish EventPublisher) *Run {
	return &Run{
		runs:       runs,
		controller: controller,
		publish:    publish,
	}
}

// ListRunsRequest filters run history.
type ListRunsRequest struct {
	GraphID   string
	SubjectID string
	Status    string
	Limit     int
	Offset    int
}

// List returns run history, newest first.
func (r *Run) List(ctx context.Context, req ListRunsRequest) ([]*models.Run, error) {
	filter, err := r.filter(req)
	if err != nil {
		return nil, err
	}

	runs, err := r.runs.Runs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	return runs, nil
}

func (r *Run) filter(req ListRunsRequest) (models.RunFilter, error) {
	filter := models.RunFilter{
		GraphID:   req.GraphID,
		SubjectID: req.SubjectID,
		Limit:     req.Limit,
		Offset:    req.Offset,
	}

	if filter.Limit <= 0 {
		filter.Limit = DefaultRunLimit
	}

	if filter.Limit > MaxRunLimit {
		filter.Limit = MaxRunLimit
	}

	if filter.Offset < 0 {
		filter.Offset = 0
	}

	if req.Status != "" {
		status := models.RunStatus(req.Status)
		if !status.IsValid() {
			return filter, NewValidationError(
				"List",
				"INVALID_STATUS",
				fmt.Sprintf("invalid status '%s'", req.Status),
				ErrInvalidStatus,
			)
		}

		filter.Status = status
	}

	return filter, nil
}

// FetchByID returns a run with its ledger.
func (r *Run) FetchByID(ctx context.Context, id string) (*models.Run, error) {
	return r.runs.RunByID(ctx, id)
}

func (r *Run) Cancel(ctx context.Context, id, reason string) (*models.Run, error) {
	return r.controller.Cancel(ctx, id, reason)
}

func (r *Run) Retrigger(ctx context.Context, id string) (*models.Run, error) {
	return r.controller.Retrigger(ctx, id)
}

// Ingest stamps a CRM event with an id and time when missing and forwards it.
func (r *Run) Ingest(ctx context.Context, event models.Event) (models.Event, error) {
	if !event.Type.IsValid() {
		return event, NewValidationError(
			"Ingest",
			"INVALID_EVENT_TYPE",
			fmt.Sprintf("invalid event type '%s'", event.Type),
			ErrInvalidEventType,
		)
	}

	if event.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return event, fmt.Errorf("failed to generate event id: %w", err)
		}

		event.ID = id.String()
	}

	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	if err := r.publish(ctx, event); err != nil {
		return event, fmt.Errorf("failed to publish event: %w", err)
	}

	return event, nil
}
