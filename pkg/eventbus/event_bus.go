// Package eventbus carries CRM domain events into the engine and hands outbound commands
// (messages, alerts, run lifecycle events) to the transports that live outside it.
package eventbus

import (
	"context"

	"github.com/funnelflow/funnelflow/pkg/models"
	"github.com/funnelflow/funnelflow/pkg/protocol"
)

const (
	// EventsTopic carries inbound CRM domain events.
	EventsTopic = "funnelflow.crm.events"

	// OutboundTopic carries commands for the messaging and notification transports
	// and run lifecycle events.
	OutboundTopic = "funnelflow.outbound"

	KeyMetadataKey          = "funnelflow_key"
	MessageTypeMetadataKey  = "funnelflow_message_type"
	OrganizationMetadataKey = "funnelflow_organization_id"
)

// Outbound message types.
const (
	TypeDomainEvent = "domain_event"
	TypeSendMessage = "send_message"
	TypeAlert       = "alert"
)

// EventBus is the full surface the processes use: publishing domain events, consuming them,
// and emitting outbound commands.
type EventBus interface {
	protocol.EventSource
	protocol.MessageSender
	protocol.Notifier

	PublishEvent(ctx context.Context, event models.Event) error
	PublishRunEvent(ctx context.Context, event models.RunEvent) error
	Close() error
}
