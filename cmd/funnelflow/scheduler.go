package main

import (
	"context"

	"github.com/funnelflow/funnelflow/pkg/scheduler"
	cli "github.com/urfave/cli/v3"
)

func NewSchedulerCommand() *cli.Command {
	return &cli.Command{
		Name:  "scheduler",
		Usage: "Emit scheduled_tick and inactivity_check events (run a single instance)",
		Flags: join(commonFlags(), tickerFlags()),
		Action: func(ctx context.Context, command *cli.Command) error {
			rt, err := newRuntime(ctx, command, "scheduler")
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			rt.logger.InfoContext(ctx, "Initializing funnelflow scheduler")

			return rt.ticker(command).Start(ctx)
		},
	}
}

// ticker publishes the events it emits on the bus so every worker can pick them up.
func (r *runtime) ticker(command *cli.Command) *scheduler.Ticker {
	persistence := r.stores.Persistence

	return scheduler.NewTicker(
		persistence.GraphRepository(),
		persistence.ScheduleRepository(),
		r.stores.Subjects,
		r.bus.PublishEvent,
		scheduler.SystemClock{},
		r.logger,
		scheduler.WithTickSpec(command.String("tick-spec")),
		scheduler.WithSweepSpec(command.String("sweep-spec")),
		scheduler.WithTickerMetrics(r.metrics),
	)
}
