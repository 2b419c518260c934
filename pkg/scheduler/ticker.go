package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/funnelflow/funnelflow/pkg/metrics"
	"github.com/funnelflow/funnelflow/pkg/models"
	"github.com/funnelflow/funnelflow/pkg/persistence"
	"github.com/funnelflow/funnelflow/pkg/protocol"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

const (
	DefaultTickSpec  = "@every 30s"
	DefaultSweepSpec = "0 * * * *"

	day = 24 * time.Hour
)

// TickerOption configures a Ticker.
type TickerOption func(*Ticker)

// WithTickSpec sets how often due cron schedules are checked.
func WithTickSpec(spec string) TickerOption {
	return func(t *Ticker) {
		t.tickSpec = spec
	}
}

// WithSweepSpec sets the cron expression of the inactivity sweep.
func WithSweepSpec(spec string) TickerOption {
	return func(t *Ticker) {
		t.sweepSpec = spec
	}
}

func WithTickerMetrics(m *metrics.Metrics) TickerOption {
	return func(t *Ticker) {
		t.metrics = m
	}
}

// Ticker turns time into domain events: scheduled_tick for cron trigger nodes and
// inactivity_check for subjects that went quiet. Events are handed to emit, which
// normally publishes them on the event bus.
type Ticker struct {
	graphs    persistence.GraphRepository
	schedules persistence.ScheduleRepository
	subjects  protocol.SubjectReader
	emit      protocol.EventCallback
	clock     Clock
	tickSpec  string
	sweepSpec string
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewTicker(
	graphs persistence.GraphRepository,
	schedules persistence.ScheduleRepository,
	subjects protocol.SubjectReader,
	emit protocol.EventCallback,
	clock Clock,
	logger *slog.Logger,
	opts ...TickerOption,
) *Ticker {
	t := &Ticker{
		graphs:    graphs,
		schedules: schedules,
		subjects:  subjects,
		emit:      emit,
		clock:     clock,
		tickSpec:  DefaultTickSpec,
		sweepSpec: DefaultSweepSpec,
		logger:    logger.With("module", "ticker"),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// SyncSchedules makes the schedule table mirror the cron trigger nodes of enabled graphs.
// Unchanged schedules keep their next fire time.
func (t *Ticker) SyncSchedules(ctx context.Context) error {
	graphs, err := t.graphs.EnabledGraphs(ctx, "", models.EventScheduledTick)
	if err != nil {
		return fmt.Errorf("failed to load scheduled graphs: %w", err)
	}

	now := t.clock.Now()

	for _, graph := range graphs {
		existing, err := t.schedules.SchedulesByGraph(ctx, graph.ID)
		if err != nil {
			return fmt.Errorf("failed to load schedules of graph %s: %w", graph.ID, err)
		}

		byNode := make(map[string]*models.Schedule, len(existing))
		for _, schedule := range existing {
			byNode[schedule.TriggerNodeID] = schedule
		}

		for _, node := range graph.TriggerNodes() {
			cfg, err := node.TriggerConfig()
			if err != nil || cfg.Cron == "" {
				t.logger.WarnContext(ctx, "scheduled trigger without usable cron expression",
					"graph_id", graph.ID, "node_id", node.ID, "error", err)

				continue
			}

			current, found := byNode[node.ID]
			delete(byNode, node.ID)

			if found && current.CronExpression == cfg.Cron && current.Active {
				continue
			}

			schedule, err := models.NewSchedule("", graph.OrganizationID, graph.ID, node.ID, cfg.Cron, now)
			if err != nil {
				t.logger.WarnContext(ctx, "invalid cron expression",
					"graph_id", graph.ID, "node_id", node.ID, "error", err)

				continue
			}

			if found {
				schedule.ID = current.ID
				schedule.CreatedAt = current.CreatedAt
			}

			if err := t.schedules.SaveSchedule(ctx, schedule); err != nil {
				return fmt.Errorf("failed to save schedule for graph %s: %w", graph.ID, err)
			}
		}

		for _, stale := range byNode {
			if err := t.schedules.DeleteSchedule(ctx, stale.ID); err != nil && !persistence.IsScheduleNotFound(err) {
				return fmt.Errorf("failed to delete stale schedule %s: %w", stale.ID, err)
			}
		}
	}

	return nil
}

// Tick emits one scheduled_tick event per due schedule and advances it to its next fire time.
// Schedules whose graph is gone or disabled are dropped.
func (t *Ticker) Tick(ctx context.Context) (int, error) {
	now := t.clock.Now()

	due, err := t.schedules.DueSchedules(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to load due schedules: %w", err)
	}

	emitted := 0

	for _, schedule := range due {
		graph, err := t.graphs.GraphByID(ctx, schedule.GraphID)
		if err != nil && !persistence.IsGraphNotFound(err) {
			return emitted, fmt.Errorf("failed to load graph %s: %w", schedule.GraphID, err)
		}

		if graph == nil || !graph.IsExecutable() {
			if err := t.schedules.DeleteSchedule(ctx, schedule.ID); err != nil && !persistence.IsScheduleNotFound(err) {
				return emitted, fmt.Errorf("failed to delete schedule %s: %w", schedule.ID, err)
			}

			continue
		}

		event, err := newEvent(models.EventScheduledTick, schedule.OrganizationID, "", map[string]any{
			models.PayloadGraphID:       schedule.GraphID,
			models.PayloadTriggerNodeID: schedule.TriggerNodeID,
			"scheduled_for":             schedule.NextDueAt.Format(time.RFC3339),
		}, now)
		if err != nil {
			return emitted, err
		}

		if err := t.emit(ctx, event); err != nil {
			t.logger.ErrorContext(ctx, "failed to emit scheduled tick",
				"graph_id", schedule.GraphID, "node_id", schedule.TriggerNodeID, "error", err)

			continue
		}

		emitted++
		t.metrics.TickEmitted()

		if err := schedule.Advance(now); err != nil {
			return emitted, err
		}

		if err := t.schedules.SaveSchedule(ctx, schedule); err != nil {
			return emitted, fmt.Errorf("failed to advance schedule %s: %w", schedule.ID, err)
		}
	}

	return emitted, nil
}

// Sweep emits one inactivity_check event per quiet subject of every organization that has
// an enabled inactivity graph. The shortest configured threshold of the organization
// decides who is swept; each graph's own threshold is applied by the trigger matcher.
func (t *Ticker) Sweep(ctx context.Context) (int, error) {
	graphs, err := t.graphs.EnabledGraphs(ctx, "", models.EventInactivityCheck)
	if err != nil {
		return 0, fmt.Errorf("failed to load inactivity graphs: %w", err)
	}

	thresholds := make(map[string]int)

	for _, graph := range graphs {
		for _, node := range graph.TriggerNodes() {
			cfg, err := node.TriggerConfig()
			if err != nil {
				continue
			}

			days := max(cfg.Days, 1)

			if current, ok := thresholds[graph.OrganizationID]; !ok || days < current {
				thresholds[graph.OrganizationID] = days
			}
		}
	}

	now := t.clock.Now()
	emitted := 0

	for organizationID, days := range thresholds {
		subjects, err := t.subjects.InactiveSubjects(ctx, organizationID, now.Add(-time.Duration(days)*day))
		if err != nil {
			return emitted, fmt.Errorf("failed to list inactive subjects of %s: %w", organizationID, err)
		}

		for _, subject := range subjects {
			inactiveDays := int(now.Sub(subject.LastActivityAt) / day)

			event, err := newEvent(models.EventInactivityCheck, organizationID, subject.ID, map[string]any{
				models.PayloadInactiveDays: inactiveDays,
			}, now)
			if err != nil {
				return emitted, err
			}

			if err := t.emit(ctx, event); err != nil {
				t.logger.ErrorContext(ctx, "failed to emit inactivity check",
					"subject_id", subject.ID, "error", err)

				continue
			}

			emitted++
			t.metrics.TickEmitted()
		}
	}

	return emitted, nil
}

// Start runs schedule sync, ticks and sweeps on a cron runner until ctx is done.
func (t *Ticker) Start(ctx context.Context) error {
	runner := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(
			cron.SkipIfStillRunning(cron.DefaultLogger),
			cron.Recover(cron.DefaultLogger),
		),
	)

	_, err := runner.AddFunc(t.tickSpec, func() {
		if err := t.SyncSchedules(ctx); err != nil {
			t.logger.ErrorContext(ctx, "schedule sync failed", "error", err)
		}

		if _, err := t.Tick(ctx); err != nil {
			t.logger.ErrorContext(ctx, "tick failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid tick spec %q: %w", t.tickSpec, err)
	}

	_, err = runner.AddFunc(t.sweepSpec, func() {
		count, err := t.Sweep(ctx)
		if err != nil {
			t.logger.ErrorContext(ctx, "inactivity sweep failed", "error", err)

			return
		}

		t.logger.InfoContext(ctx, "inactivity sweep finished", "events", count)
	})
	if err != nil {
		return fmt.Errorf("invalid sweep spec %q: %w", t.sweepSpec, err)
	}

	t.logger.InfoContext(ctx, "starting ticker", "tick", t.tickSpec, "sweep", t.sweepSpec)

	runner.Start()
	<-ctx.Done()

	stopped := runner.Stop()
	<-stopped.Done()

	t.logger.InfoContext(ctx, "ticker stopped")

	return nil
}

func newEvent(
	eventType models.EventType,
	organizationID, subjectID string,
	payload map[string]any,
	now time.Time,
) (models.Event, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return models.Event{}, errors.Join(errors.New("failed to generate event ID"), err)
	}

	return models.Event{
		ID:             id.String(),
		Type:           eventType,
		OrganizationID: organizationID,
		SubjectID:      subjectID,
		Payload:        payload,
		OccurredAt:     now,
	}, nil
}
