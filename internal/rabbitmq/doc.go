// Package rabbitmq provides the broker transport used by the consumer.
//
// This package includes:
//   - Dialer, Connection, Channel: the transport surface, satisfied by amqp091-go
//   - TopologyManager: the passive exchange check, queue declares and binding a consumer needs
//   - Typed errors (ConnectionError, ChannelError, PublishError, TopologyError) with IsFatal
//
// Dialing uses a fixed socket timeout and PLAIN credentials. Reconnection is not handled
// here; the consumer's state machine owns that decision.
package rabbitmq
