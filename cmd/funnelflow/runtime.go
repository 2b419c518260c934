package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/funnelflow/funnelflow/pkg/actions"
	"github.com/funnelflow/funnelflow/pkg/cmd"
	"github.com/funnelflow/funnelflow/pkg/engine"
	"github.com/funnelflow/funnelflow/pkg/eventbus"
	"github.com/funnelflow/funnelflow/pkg/log"
	"github.com/funnelflow/funnelflow/pkg/metrics"
	"github.com/funnelflow/funnelflow/pkg/models"
	"github.com/funnelflow/funnelflow/pkg/otelhelper"
	"github.com/funnelflow/funnelflow/pkg/scheduler"
	"github.com/funnelflow/funnelflow/pkg/trigger"
	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"
)

const serviceName = "funnelflow"

// runtime holds what every process role shares: storage, the bus and instrumentation.
type runtime struct {
	logger  *slog.Logger
	stores  *cmd.Stores
	bus     eventbus.EventBus
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func newRuntime(ctx context.Context, command *cli.Command, module string) (*runtime, error) {
	log.Setup(command.String("log-level"))

	logger := log.WithModule(module)

	tracer := otelhelper.NoopTracer()

	if command.Bool("otel-enabled") {
		var err error

		tracer, err = otelhelper.NewTracer(ctx, serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
	}

	stores, err := cmd.NewStores(ctx, logger, command.String("database-url"))
	if err != nil {
		return nil, fmt.Errorf("failed to open persistence: %w", err)
	}

	bus, err := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), logger)
	if err != nil {
		_ = stores.Persistence.Close(ctx)

		return nil, err
	}

	return &runtime{
		logger:  logger,
		stores:  stores,
		bus:     bus,
		metrics: metrics.New(),
		tracer:  tracer,
	}, nil
}

func (r *runtime) close(ctx context.Context) {
	if err := r.bus.Close(); err != nil {
		r.logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
	}

	if err := r.stores.Persistence.Close(ctx); err != nil {
		r.logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
	}
}

func (r *runtime) scheduler(command *cli.Command) *scheduler.Scheduler {
	return scheduler.New(
		r.stores.Persistence.ContinuationRepository(),
		scheduler.SystemClock{},
		r.logger,
		scheduler.WithPollInterval(pollInterval(command)),
		scheduler.WithMetrics(r.metrics),
	)
}

// engine wires the execution engine with the bus as messaging, notification and
// lifecycle transport.
func (r *runtime) engine(command *cli.Command, sched *scheduler.Scheduler) (*engine.Engine, error) {
	persistence := r.stores.Persistence

	dispatcher := actions.NewDispatcher(actions.Collaborators{
		Subjects: r.stores.Subjects,
		Tasks:    r.stores.Subjects,
		Messages: r.bus,
		Notifier: r.bus,
	}, r.logger)

	return engine.New(
		engine.Dependencies{
			Graphs:     persistence.GraphRepository(),
			Runs:       persistence.RunRepository(),
			Scheduler:  sched,
			Subjects:   r.stores.Subjects,
			Dispatcher: dispatcher,
			Matcher:    trigger.NewMatcher(persistence.GraphRepository(), r.logger),
		},
		engineConfig(command),
		r.logger,
		engine.WithTracer(r.tracer),
		engine.WithMetrics(r.metrics),
		engine.WithPublisher(r.bus),
	)
}

// handleEvent adapts the engine to an event source callback. Only storage failures are
// returned, which makes the source redeliver the event.
func handleEvent(e *engine.Engine) func(ctx context.Context, event models.Event) error {
	return func(ctx context.Context, event models.Event) error {
		_, err := e.HandleEvent(ctx, event)

		return err
	}
}
