package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/funnelflow/funnelflow/pkg/channels/gochannel"
	"github.com/funnelflow/funnelflow/pkg/channels/kafka"
	"github.com/funnelflow/funnelflow/pkg/eventbus"
	"github.com/funnelflow/funnelflow/pkg/eventsource/redisstream"
	"github.com/funnelflow/funnelflow/pkg/protocol"
	redis "github.com/redis/go-redis/v9"
)

const consumerGroup = "funnelflow"

var (
	ErrUnsupportedEventBus    = errors.New("unsupported event bus provider")
	ErrUnsupportedEventSource = errors.New("unsupported event source")
)

// NewEventBus builds the bus for provider: "kafka" for deployments, "gochannel" for a
// single process.
func NewEventBus(provider, brokers string, logger *slog.Logger) (eventbus.EventBus, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(wmLogger, kafka.ParseBrokers(brokers), consumerGroup)
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub, logger), nil
	case "gochannel", "":
		pub, sub, err := gochannel.CreateChannel(wmLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-process pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub, logger), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEventBus, provider)
	}
}

// NewEventSource picks where domain events come from: the bus itself or a Redis stream.
// nolint:ireturn // the source kind is chosen at runtime
func NewEventSource(kind string, bus eventbus.EventBus, redisURL, consumer string, logger *slog.Logger) (protocol.EventSource, error) {
	switch kind {
	case "bus", "":
		return bus, nil
	case "redis":
		config, err := RedisStreamConfig(redisURL, consumer)
		if err != nil {
			return nil, err
		}

		return redisstream.New(config, logger)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEventSource, kind)
	}
}

// RedisStreamConfig turns a redis:// URL into a stream consumer configuration.
func RedisStreamConfig(redisURL, consumer string) (redisstream.Config, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return redisstream.Config{}, fmt.Errorf("invalid redis url: %w", err)
	}

	config := redisstream.DefaultConfig(options.Addr, consumer)
	config.Password = options.Password
	config.DB = options.DB

	return config, nil
}
