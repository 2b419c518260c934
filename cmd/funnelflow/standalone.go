package main

import (
	"context"

	cli "github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func NewStandaloneCommand() *cli.Command {
	return &cli.Command{
		Name:  "standalone",
		Usage: "Run worker, scheduler and API in one process (development)",
		Flags: join(commonFlags(), engineFlags(), tickerFlags(), []cli.Flag{portFlag()}),
		Action: func(ctx context.Context, command *cli.Command) error {
			rt, err := newRuntime(ctx, command, "standalone")
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			sched := rt.scheduler(command)

			e, err := rt.engine(command, sched)
			if err != nil {
				return err
			}

			api := NewAPI(rt.logger, rt.stores.Persistence, e, rt.bus.PublishEvent, rt.metrics)

			rt.logger.InfoContext(ctx, "Initializing funnelflow standalone", "worker_id", engineConfig(command).WorkerID)

			g, gctx := errgroup.WithContext(ctx)

			g.Go(func() error { return runWorker(gctx, e, sched, rt.bus) })
			g.Go(func() error { return rt.ticker(command).Start(gctx) })
			g.Go(func() error { return serve(gctx, api.App(), command.Int("port")) })

			return g.Wait()
		},
	}
}
