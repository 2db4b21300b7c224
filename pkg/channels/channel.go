// Package channels connects inbound producers to the pipeline and routes
// replies back to the producer an item came from.
package channels

import (
	"context"

	"github.com/harun/aide/pkg/ingest"
)

// Delivery is a reply addressed to the producer of an item.
type Delivery struct {
	Source    ingest.Source
	SenderKey string
	SessionID string
	Text      string
}

// EnqueueFunc hands an item to the pipeline. It blocks while the queue is full.
type EnqueueFunc func(ctx context.Context, item ingest.InboundItem) error

// Channel is a producer of inbound items (telegram, http, control, ...).
type Channel interface {
	Name() ingest.Source
	Start(ctx context.Context, enqueue EnqueueFunc) error
	Stop(ctx context.Context) error
	// Deliver sends an asynchronous reply. Channels whose callers wait on
	// reply handles may treat it as a no-op.
	Deliver(ctx context.Context, d Delivery) error
}
