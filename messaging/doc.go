// Package messaging turns deliveries into handler calls and outbound publishes.
//
// This package implements:
//   - Dispatcher: acknowledges, decodes, invokes the Handler, publishes results and
//     dead-letters failures to the consumer's error queue
//   - Handler / HandlerFunc: the user-supplied processing function
//   - Codec / JSONCodec: the body decoding boundary
//   - MetricsSink: counters and timings namespaced by exchange
//   - RollingStats: average processing time over fixed windows
//
// Deliveries are acknowledged before the handler runs. A crash during handling
// loses the message; the broker will not redeliver it.
//
// Example usage:
//
//	handler := messaging.HandlerFunc(func(ctx context.Context, msg any) ([]contracts.OutboundMessage, error) {
//		reply, err := contracts.NewJSONMessage(map[string]any{"seen": msg})
//		if err != nil {
//			return nil, err
//		}
//		return []contracts.OutboundMessage{reply.WithExchange("").WithQueue("replies")}, nil
//	})
//
//	dispatcher := messaging.NewDispatcher(identity, handler,
//		messaging.WithDispatcherLogger(logger),
//		messaging.WithMetrics(sink),
//	)
package messaging
