package main

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/funnelflow/funnelflow/pkg/metrics"
	"github.com/funnelflow/funnelflow/pkg/persistence"
	"github.com/funnelflow/funnelflow/pkg/services"
	"github.com/funnelflow/funnelflow/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	cli "github.com/urfave/cli/v3"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	controller  services.RunController
	publish     services.EventPublisher
	metrics     *metrics.Metrics
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	controller services.RunController,
	publish services.EventPublisher,
	m *metrics.Metrics,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		controller:  controller,
		publish:     publish,
		metrics:     m,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(
		services.NewGraph(a.persistence),
		services.NewRun(a.persistence.RunRepository(), a.controller, a.publish),
		a.validate,
	)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("funnelflow API")
	})

	app.Get("/metrics", adaptor.HTTPHandler(a.metrics.Handler()))

	handlers.Mount(app)

	return app
}

func (a *API) Start(port int) error {
	return a.App().Listen(":" + strconv.Itoa(port))
}

func NewAPICommand() *cli.Command {
	return &cli.Command{
		Name:  "api",
		Usage: "Serve graph authoring, event ingestion and run history over HTTP",
		Flags: join(commonFlags(), engineFlags(), []cli.Flag{portFlag()}),
		Action: func(ctx context.Context, command *cli.Command) error {
			rt, err := newRuntime(ctx, command, "api")
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			e, err := rt.engine(command, rt.scheduler(command))
			if err != nil {
				return err
			}

			rt.logger.InfoContext(ctx, "Initializing funnelflow API")

			api := NewAPI(rt.logger, rt.stores.Persistence, e, rt.bus.PublishEvent, rt.metrics)

			return serve(ctx, api.App(), command.Int("port"))
		},
	}
}

// serve listens until ctx is done, then shuts the app down.
func serve(ctx context.Context, app *fiber.App, port int) error {
	errCh := make(chan error, 1)

	go func() {
		errCh <- app.Listen(":"+strconv.Itoa(port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return app.Shutdown()
	}
}
