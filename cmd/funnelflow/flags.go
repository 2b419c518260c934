package main

import (
	"time"

	"github.com/funnelflow/funnelflow/pkg/engine"
	"github.com/funnelflow/funnelflow/pkg/scheduler"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "database-url",
			Usage:    "Database connection URL (postgres://, memory://, file://)",
			Required: true,
			Sources:  cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (kafka, gochannel)",
			Value:   "gochannel",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "Comma separated Kafka broker addresses",
			Value:   "localhost:9092",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.BoolFlag{
			Name:    "otel-enabled",
			Usage:   "Export traces over OTLP/HTTP",
			Sources: cli.EnvVars("OTEL_ENABLED"),
		},
	}
}

func engineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "worker-id",
			Aliases: []string{"id"},
			Usage:   "Worker ID recorded on claimed runs (host-pid if not provided)",
			Sources: cli.EnvVars("WORKER_ID"),
		},
		&cli.IntFlag{
			Name:    "step-limit",
			Usage:   "Maximum node visits of one run",
			Value:   engine.DefaultStepLimit,
			Sources: cli.EnvVars("STEP_LIMIT"),
		},
		&cli.DurationFlag{
			Name:    "episode-timeout",
			Usage:   "Wall clock budget of one uninterrupted advance",
			Value:   engine.DefaultEpisodeTimeout,
			Sources: cli.EnvVars("EPISODE_TIMEOUT"),
		},
		&cli.DurationFlag{
			Name:    "poll-interval",
			Usage:   "How often due continuations are claimed",
			Value:   scheduler.DefaultPollInterval,
			Sources: cli.EnvVars("POLL_INTERVAL"),
		},
	}
}

func sourceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "event-source",
			Usage:   "Where domain events are consumed from (bus, redis)",
			Value:   "bus",
			Sources: cli.EnvVars("EVENT_SOURCE"),
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "Redis URL of the domain event stream",
			Value:   "redis://localhost:6379/0",
			Sources: cli.EnvVars("REDIS_URL"),
		},
	}
}

func tickerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "tick-spec",
			Usage:   "Cron spec of the scheduled trigger tick",
			Value:   scheduler.DefaultTickSpec,
			Sources: cli.EnvVars("TICK_SPEC"),
		},
		&cli.StringFlag{
			Name:    "sweep-spec",
			Usage:   "Cron spec of the inactivity sweep",
			Value:   scheduler.DefaultSweepSpec,
			Sources: cli.EnvVars("SWEEP_SPEC"),
		},
	}
}

func portFlag() cli.Flag {
	return &cli.IntFlag{
		Name:    "port",
		Aliases: []string{"p"},
		Usage:   "Port to run the API server on",
		Value:   defaultPort,
		Sources: cli.EnvVars("PORT"),
	}
}

func join(groups ...[]cli.Flag) []cli.Flag {
	var flags []cli.Flag
	for _, group := range groups {
		flags = append(flags, group...)
	}

	return flags
}

func engineConfig(command *cli.Command) engine.Config {
	config := engine.DefaultConfig()

	if id := command.String("worker-id"); id != "" {
		config.WorkerID = id
	}

	config.StepLimit = command.Int("step-limit")
	config.EpisodeTimeout = command.Duration("episode-timeout")

	return config
}

func pollInterval(command *cli.Command) time.Duration {
	return command.Duration("poll-interval")
}
