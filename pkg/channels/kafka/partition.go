package kafka

import (
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/funnelflow/funnelflow/pkg/eventbus"
)

// partitionKey keeps every message of one subject on the same partition.
func partitionKey(_ string, msg *message.Message) (string, error) {
	return msg.Metadata.Get(eventbus.KeyMetadataKey), nil
}
