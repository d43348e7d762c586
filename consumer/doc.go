// Package consumer runs the connection lifecycle of a queue consumer.
//
// A Consumer owns one broker connection and one channel at a time. Its Run method
// is a single event loop: every broker notification (connection close, channel
// close, consumer cancel, delivery) and every local event (stop request, reconnect
// timer) is one select case mapped to one transition:
//
//	Disconnected -> Connecting -> Connected -> ChannelOpening -> ChannelOpen -> Consuming
//	Consuming    -> Closing (Stop) -> Closed
//	any          -> Connecting (unexpected close, reconnect after ReconnectDelay)
//
// A channel close always takes the connection down with it and the next connection
// starts over from scratch, including topology setup. Topology failures are not
// retried: Run returns the *rabbitmq.TopologyError.
//
// Group runs several instances of the same consumer and reports abnormal exits on
// an optional failure channel. It never restarts an instance on its own.
package consumer
