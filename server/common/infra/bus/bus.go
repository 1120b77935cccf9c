package bus

import "context"

type Handler func(payload []byte)

// Bus carries fan-out events between every process serving sessions.
// A process that publishes also receives its own events.
type Bus interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(ctx context.Context, handler Handler) error
	Close() error
}
