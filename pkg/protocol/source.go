package protocol

import (
	"context"

	"github.com/funnelflow/funnelflow/pkg/models"
)

// EventCallback is called for every domain event a source delivers.
// Returning an error asks the source to redeliver the event when it supports it.
type EventCallback func(ctx context.Context, event models.Event) error

// EventSource is a long-running consumer of CRM domain events (message bus, stream, ...).
type EventSource interface {
	// Start consumes events until ctx is done, invoking callback for each one.
	Start(ctx context.Context, callback EventCallback) error

	// Stop gracefully shuts down the source.
	Stop(ctx context.Context) error
}
