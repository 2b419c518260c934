package main

import (
	"context"
	"fmt"

	"github.com/funnelflow/funnelflow/pkg/cmd"
	"github.com/funnelflow/funnelflow/pkg/engine"
	"github.com/funnelflow/funnelflow/pkg/protocol"
	"github.com/funnelflow/funnelflow/pkg/scheduler"
	cli "github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func NewWorkerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Consume domain events and resume parked runs",
		Flags: join(commonFlags(), engineFlags(), sourceFlags()),
		Action: func(ctx context.Context, command *cli.Command) error {
			rt, err := newRuntime(ctx, command, "worker")
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			sched := rt.scheduler(command)

			e, err := rt.engine(command, sched)
			if err != nil {
				return err
			}

			source, err := cmd.NewEventSource(
				command.String("event-source"),
				rt.bus,
				command.String("redis-url"),
				engineConfig(command).WorkerID,
				rt.logger,
			)
			if err != nil {
				return err
			}

			rt.logger.InfoContext(ctx, "Initializing funnelflow worker", "worker_id", engineConfig(command).WorkerID)

			return runWorker(ctx, e, sched, source)
		},
	}
}

// runWorker consumes events and polls continuations until ctx is done.
func runWorker(ctx context.Context, e *engine.Engine, sched *scheduler.Scheduler, source protocol.EventSource) error {
	if err := source.Start(ctx, handleEvent(e)); err != nil {
		return fmt.Errorf("failed to start event source: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sched.Start(gctx, e)
	})

	g.Go(func() error {
		<-gctx.Done()

		return source.Stop(context.WithoutCancel(gctx))
	})

	return g.Wait()
}
