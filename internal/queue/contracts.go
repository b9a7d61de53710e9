package queue

import (
	"context"

	"github.com/iago/session-insights/internal/domain"
)

// Producer hands generation work to a queue backend.
type Producer interface {
	Enqueue(ctx context.Context, message domain.GenerationMessage) error
}

// Consumer receives generation work and runs handler for each message.
// A handler error is retried until the backend's attempt limit, then the
// message is dead-lettered.
type Consumer interface {
	Consume(ctx context.Context, handler func(context.Context, domain.GenerationMessage) error) error
}
