package messaging

import (
	"context"

	"github.com/vibebot/vibebot-go/contracts"
)

// Handler processes one decoded message and returns the messages to publish.
// A nil slice is the same as an empty one. Handlers run on the consumer's event
// loop and must not block it indefinitely.
type Handler interface {
	Handle(ctx context.Context, msg any) ([]contracts.OutboundMessage, error)
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, msg any) ([]contracts.OutboundMessage, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, msg any) ([]contracts.OutboundMessage, error) {
	return f(ctx, msg)
}
