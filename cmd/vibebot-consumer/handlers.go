package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vibebot/vibebot-go/config"
	"github.com/vibebot/vibebot-go/contracts"
	"github.com/vibebot/vibebot-go/messaging"
)

// Built-in handler names accepted in consumer.handler
const (
	HandlerLog     = "log"
	HandlerForward = "forward"
)

// newHandler builds the handler named in the consumer configuration
func newHandler(cfg config.ConsumerConfig, logger *slog.Logger) (messaging.Handler, error) {
	switch cfg.Handler {
	case "", HandlerLog:
		return logHandler(logger), nil
	case HandlerForward:
		if cfg.ForwardExchange == "" && cfg.ForwardQueue == "" {
			return nil, fmt.Errorf("forward handler requires forward_exchange or forward_queue")
		}
		return forwardHandler(cfg.ForwardExchange, cfg.ForwardQueue), nil
	default:
		return nil, fmt.Errorf("unknown handler %q (want %s or %s)", cfg.Handler, HandlerLog, HandlerForward)
	}
}

// logHandler logs every message and publishes nothing
func logHandler(logger *slog.Logger) messaging.Handler {
	return messaging.HandlerFunc(func(ctx context.Context, msg any) ([]contracts.OutboundMessage, error) {
		logger.InfoContext(ctx, "message", "body", msg)
		return nil, nil
	})
}

// forwardHandler republishes every message as JSON. An empty exchange is the
// default exchange; an empty queue keeps the consumer's own routing key.
func forwardHandler(exchange, queue string) messaging.Handler {
	return messaging.HandlerFunc(func(ctx context.Context, msg any) ([]contracts.OutboundMessage, error) {
		out, err := contracts.NewJSONMessage(msg)
		if err != nil {
			return nil, err
		}
		out = out.WithExchange(exchange)
		if queue != "" {
			out = out.WithQueue(queue)
		}
		return []contracts.OutboundMessage{out}, nil
	})
}
