// Package redisstream consumes CRM domain events from a Redis stream through a consumer group.
package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/funnelflow/funnelflow/pkg/models"
	"github.com/funnelflow/funnelflow/pkg/protocol"
	"github.com/go-playground/validator/v10"
	redis "github.com/redis/go-redis/v9"
)

const (
	DefaultStream = "funnelflow:events"
	DefaultGroup  = "funnelflow-engine"

	// eventField is the stream entry field holding the JSON encoded event.
	eventField = "event"
)

var (
	ErrMissingEventField = errors.New("stream entry has no event field")

	validate = validator.New()
)

type Config struct {
	Addr     string        `validate:"required"`
	Password string
	DB       int           `validate:"gte=0"`
	Stream   string        `validate:"required"`
	Group    string        `validate:"required"`
	Consumer string        `validate:"required"`
	Block    time.Duration `validate:"gt=0"`
	Count    int64         `validate:"gte=1"`
}

func DefaultConfig(addr, consumer string) Config {
	return Config{
		Addr:     addr,
		Stream:   DefaultStream,
		Group:    DefaultGroup,
		Consumer: consumer,
		Block:    time.Second,
		Count:    16,
	}
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid redis stream config: %w", err)
	}

	return nil
}

// Source reads a stream with XREADGROUP. An entry is acknowledged after the callback
// succeeds; failed entries stay pending and are claimed again on restart.
type Source struct {
	config Config
	client *redis.Client
	logger *slog.Logger

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func New(config Config, logger *slog.Logger) (*Source, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Source{
		config: config,
		client: redis.NewClient(&redis.Options{
			Addr:     config.Addr,
			Password: config.Password,
			DB:       config.DB,
		}),
		stopCh: make(chan struct{}),
		logger: logger.With(
			"module", "redis_stream_source",
			"stream", config.Stream,
			"group", config.Group,
		),
	}, nil
}

func (s *Source) Start(ctx context.Context, callback protocol.EventCallback) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	err := s.client.XGroupCreateMkStream(ctx, s.config.Stream, s.config.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	s.logger.InfoContext(ctx, "consuming domain events", "consumer", s.config.Consumer)

	s.wg.Add(1)

	go s.consume(ctx, callback)

	return nil
}

func (s *Source) consume(ctx context.Context, callback protocol.EventCallback) {
	defer s.wg.Done()

	// Pending entries of this consumer first, then new ones.
	cursor := "0"

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.config.Group,
			Consumer: s.config.Consumer,
			Streams:  []string{s.config.Stream, cursor},
			Count:    s.config.Count,
			Block:    s.config.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}

			if ctx.Err() != nil {
				return
			}

			s.logger.ErrorContext(ctx, "failed to read stream", "error", err)
			time.Sleep(time.Second)

			continue
		}

		delivered := 0

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				delivered++

				s.handle(ctx, entry, callback)
			}
		}

		if cursor == "0" && delivered == 0 {
			cursor = ">"
		}
	}
}

func (s *Source) handle(ctx context.Context, entry redis.XMessage, callback protocol.EventCallback) {
	event, err := DecodeMessage(entry)
	if err != nil {
		s.logger.WarnContext(ctx, "dropping malformed stream entry", "entry_id", entry.ID, "error", err)
		s.ack(ctx, entry.ID)

		return
	}

	if err := callback(ctx, event); err != nil {
		s.logger.ErrorContext(ctx, "event handling failed; leaving entry pending",
			"entry_id", entry.ID,
			"event_id", event.ID,
			"error", err)

		return
	}

	s.ack(ctx, entry.ID)
}

func (s *Source) ack(ctx context.Context, id string) {
	if err := s.client.XAck(ctx, s.config.Stream, s.config.Group, id).Err(); err != nil {
		s.logger.ErrorContext(ctx, "failed to ack stream entry", "entry_id", id, "error", err)
	}
}

// Publish appends an event to the stream. Used by producers and tests.
func (s *Source) Publish(ctx context.Context, event models.Event) (string, error) {
	values, err := EncodeEvent(event)
	if err != nil {
		return "", err
	}

	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.config.Stream,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to append event: %w", err)
	}

	return id, nil
}

func (s *Source) Stop(ctx context.Context) error {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()

	if err := s.client.Close(); err != nil {
		s.logger.ErrorContext(ctx, "error closing Redis client", "error", err)
	}

	return nil
}

func EncodeEvent(event models.Event) (map[string]any, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}

	return map[string]any{eventField: string(body)}, nil
}

// DecodeMessage turns a stream entry back into a domain event.
func DecodeMessage(entry redis.XMessage) (models.Event, error) {
	raw, ok := entry.Values[eventField]
	if !ok {
		return models.Event{}, ErrMissingEventField
	}

	var body []byte

	switch v := raw.(type) {
	case string:
		body = []byte(v)
	case []byte:
		body = v
	default:
		return models.Event{}, fmt.Errorf("unexpected event field type %T", raw)
	}

	var event models.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return models.Event{}, fmt.Errorf("failed to decode event: %w", err)
	}

	if !event.Type.IsValid() {
		return models.Event{}, fmt.Errorf("unknown event type %q", event.Type)
	}

	return event, nil
}
