package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/funnelflow/funnelflow/pkg/models"
	"github.com/funnelflow/funnelflow/pkg/protocol"
)

// ErrAlreadyStarted is returned when Start is called twice on the same bus.
var ErrAlreadyStarted = errors.New("event bus already consuming")

type WatermillEventBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     *slog.Logger

	mu      sync.Mutex
	started bool
	done    chan struct{}
}

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber, logger *slog.Logger) *WatermillEventBus {
	return &WatermillEventBus{
		publisher:  pub,
		subscriber: sub,
		logger:     logger.With("module", "eventbus"),
	}
}

// PublishEvent puts a domain event on the events topic, keyed by subject so a partitioned
// broker keeps one subject's events in order.
func (eb *WatermillEventBus) PublishEvent(_ context.Context, event models.Event) error {
	key := event.SubjectID
	if key == "" {
		key = event.OrganizationID
	}

	return eb.publish(EventsTopic, TypeDomainEvent, key, event.OrganizationID, event)
}

// SendMessage forwards a rendered message to the messaging transport. The returned
// reference is the message id, which the transport uses to drop duplicates.
func (eb *WatermillEventBus) SendMessage(_ context.Context, msg protocol.OutboundMessage) (string, error) {
	if err := eb.publish(OutboundTopic, TypeSendMessage, msg.SubjectID, msg.OrganizationID, msg); err != nil {
		return "", err
	}

	return msg.ID, nil
}

func (eb *WatermillEventBus) Notify(_ context.Context, alert protocol.Alert) error {
	return eb.publish(OutboundTopic, TypeAlert, alert.SubjectID, alert.OrganizationID, alert)
}

func (eb *WatermillEventBus) PublishRunEvent(_ context.Context, event models.RunEvent) error {
	return eb.publish(OutboundTopic, string(event.Type), event.RunID, event.OrganizationID, event)
}

func (eb *WatermillEventBus) publish(topic, messageType, key, organizationID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", messageType, err)
	}

	msg := message.NewMessage(watermill.NewULID(), body)
	msg.Metadata.Set(KeyMetadataKey, key)
	msg.Metadata.Set(MessageTypeMetadataKey, messageType)
	msg.Metadata.Set(OrganizationMetadataKey, organizationID)

	if err := eb.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish %s to %s: %w: %w", messageType, topic, protocol.ErrUnavailable, err)
	}

	return nil
}

// Start consumes domain events until ctx is done or Stop is called. Malformed events are
// acknowledged and dropped; a callback error nacks the message for redelivery.
func (eb *WatermillEventBus) Start(ctx context.Context, callback protocol.EventCallback) error {
	eb.mu.Lock()
	if eb.started {
		eb.mu.Unlock()

		return ErrAlreadyStarted
	}

	eb.started = true
	eb.done = make(chan struct{})
	eb.mu.Unlock()

	messages, err := eb.subscriber.Subscribe(ctx, EventsTopic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", EventsTopic, err)
	}

	eb.logger.InfoContext(ctx, "consuming domain events", "topic", EventsTopic)

	go func() {
		defer close(eb.done)

		for msg := range messages {
			eb.handle(ctx, msg, callback)
		}
	}()

	return nil
}

func (eb *WatermillEventBus) handle(ctx context.Context, msg *message.Message, callback protocol.EventCallback) {
	if msg.Metadata.Get(MessageTypeMetadataKey) != TypeDomainEvent {
		msg.Ack()

		return
	}

	var event models.Event

	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		eb.logger.WarnContext(ctx, "dropping malformed domain event", "message_id", msg.UUID, "error", err)
		msg.Ack()

		return
	}

	if !event.Type.IsValid() {
		eb.logger.WarnContext(ctx, "dropping event of unknown type", "message_id", msg.UUID, "event_type", event.Type)
		msg.Ack()

		return
	}

	if err := callback(msg.Context(), event); err != nil {
		eb.logger.ErrorContext(ctx, "event handling failed; requesting redelivery",
			"event_id", event.ID,
			"event_type", event.Type,
			"error", err)
		msg.Nack()

		return
	}

	msg.Ack()
}

// Stop closes the subscriber and waits for the in-flight message to finish.
func (eb *WatermillEventBus) Stop(_ context.Context) error {
	eb.mu.Lock()
	started, done := eb.started, eb.done
	eb.mu.Unlock()

	if err := eb.subscriber.Close(); err != nil {
		return fmt.Errorf("failed to close subscriber: %w", err)
	}

	if started {
		<-done
	}

	return nil
}

func (eb *WatermillEventBus) Close() error {
	err := eb.publisher.Close()
	if err != nil {
		return err
	}

	return eb.subscriber.Close()
}
