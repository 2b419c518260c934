// Package scheduler persists the continuations of waiting runs and resumes them when
// they fall due. It also drives cron-based scheduled_tick triggers and inactivity sweeps.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/funnelflow/funnelflow/pkg/metrics"
	"github.com/funnelflow/funnelflow/pkg/models"
	"github.com/funnelflow/funnelflow/pkg/persistence"
	"github.com/google/uuid"
)

const (
	DefaultPollInterval = 15 * time.Second
	DefaultBatchSize    = 100
)

// Resumer continues a waiting run from a claimed continuation.
type Resumer interface {
	Resume(ctx context.Context, continuation models.ScheduledContinuation) error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithPollInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.pollInterval = interval
		}
	}
}

func WithBatchSize(size int) Option {
	return func(s *Scheduler) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// Scheduler owns the durable queue of parked runs.
type Scheduler struct {
	continuations persistence.ContinuationRepository
	clock         Clock
	pollInterval  time.Duration
	batchSize     int
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

func New(continuations persistence.ContinuationRepository, clock Clock, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		continuations: continuations,
		clock:         clock,
		pollInterval:  DefaultPollInterval,
		batchSize:     DefaultBatchSize,
		logger:        logger.With("module", "scheduler"),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Now returns the scheduler's notion of the current time.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// Schedule persists a continuation that resumes runID at nodeID once resumeAt has passed.
func (s *Scheduler) Schedule(
	ctx context.Context,
	runID string,
	resumeAt time.Time,
	nodeID string,
	reason models.ContinuationReason,
) (*models.ScheduledContinuation, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate continuation ID: %w", err)
	}

	continuation := &models.ScheduledContinuation{
		ID:           id.String(),
		RunID:        runID,
		ResumeAt:     resumeAt.UTC(),
		ResumeNodeID: nodeID,
		Reason:       reason,
		CreatedAt:    s.clock.Now(),
	}

	if err := s.continuations.SaveContinuation(ctx, continuation); err != nil {
		return nil, fmt.Errorf("failed to schedule continuation for run %s: %w", runID, err)
	}

	s.logger.DebugContext(ctx, "continuation scheduled",
		"run_id", runID,
		"node_id", nodeID,
		"resume_at", continuation.ResumeAt,
		"reason", reason)

	return continuation, nil
}

// Poll claims every due continuation and hands each to the resumer. A failing resume is
// logged and its continuation re-queued one poll interval later; the batch goes on.
func (s *Scheduler) Poll(ctx context.Context, resumer Resumer) (int, error) {
	resumed := 0

	for {
		now := s.clock.Now()

		due, err := s.continuations.ClaimDue(ctx, now, s.batchSize)
		if err != nil {
			return resumed, fmt.Errorf("failed to claim due continuations: %w", err)
		}

		s.metrics.ContinuationClaimed(len(due))

		for _, continuation := range due {
			if err := resumer.Resume(ctx, *continuation); err != nil {
				s.logger.ErrorContext(ctx, "failed to resume run",
					"run_id", continuation.RunID,
					"node_id", continuation.ResumeNodeID,
					"error", err)

				s.requeue(ctx, continuation, now)

				continue
			}

			resumed++
		}

		if len(due) < s.batchSize {
			return resumed, nil
		}
	}
}

func (s *Scheduler) requeue(ctx context.Context, continuation *models.ScheduledContinuation, now time.Time) {
	retry := *continuation
	retry.ResumeAt = now.Add(s.pollInterval)

	if err := s.continuations.SaveContinuation(context.WithoutCancel(ctx), &retry); err != nil {
		s.logger.ErrorContext(ctx, "failed to re-queue continuation; run stays waiting",
			"run_id", continuation.RunID,
			"error", err)
	}
}

// Start polls on every tick until ctx is done.
func (s *Scheduler) Start(ctx context.Context, resumer Resumer) error {
	s.logger.InfoContext(ctx, "starting continuation poller", "poll_interval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := s.Poll(ctx, resumer); err != nil {
			s.logger.ErrorContext(ctx, "poll failed", "error", err)
		}

		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "continuation poller stopped")

			return nil
		case <-ticker.C:
		}
	}
}

// Cancel discards every pending continuation of the run.
func (s *Scheduler) Cancel(ctx context.Context, runID string) (int, error) {
	deleted, err := s.continuations.DeleteContinuations(ctx, runID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel continuations of run %s: %w", runID, err)
	}

	return deleted, nil
}
