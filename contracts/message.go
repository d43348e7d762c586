package contracts

import (
	"encoding/json"
	"fmt"
)

// OutboundMessage is produced by a handler and published by the dispatcher.
// A nil Exchange or Queue means "use the consumer's own".
type OutboundMessage struct {
	Exchange    *string
	Queue       *string
	Body        []byte
	ContentType string
}

// NewOutboundMessage creates a message routed to the consumer's own exchange and queue
func NewOutboundMessage(body []byte) OutboundMessage {
	return OutboundMessage{Body: body}
}

// NewJSONMessage encodes v as the message body
func NewJSONMessage(v interface{}) (OutboundMessage, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return OutboundMessage{}, fmt.Errorf("failed to encode outbound message: %w", err)
	}
	return OutboundMessage{Body: body, ContentType: "application/json"}, nil
}

// WithExchange routes the message to the given exchange. The empty string is the
// default exchange, which routes directly to the queue named by the routing key.
func (m OutboundMessage) WithExchange(exchange string) OutboundMessage {
	m.Exchange = &exchange
	return m
}

// WithQueue sets the routing key (the target queue when publishing to the default exchange)
func (m OutboundMessage) WithQueue(queue string) OutboundMessage {
	m.Queue = &queue
	return m
}

// Target resolves the exchange and routing key against the consumer's defaults
func (m OutboundMessage) Target(id Identity) (exchange, routingKey string) {
	exchange = id.Exchange
	if m.Exchange != nil {
		exchange = *m.Exchange
	}
	routingKey = id.QueueName()
	if m.Queue != nil {
		routingKey = *m.Queue
	}
	return exchange, routingKey
}
