package bus

import (
	"context"

	"github.com/openconvo/convo-backend/internal/realtime"
)

// Bus fans SSE messages out across instances. A message published on one
// instance reaches the hubs of all instances, including the publisher's.
type Bus interface {
	Publish(ctx context.Context, msg realtime.SSEMessage) error
	StartForwarder(ctx context.Context, onMsg func(m realtime.SSEMessage)) error
	Close() error
}
