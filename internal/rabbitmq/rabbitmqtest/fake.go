// Package rabbitmqtest provides an in-memory broker implementing the rabbitmq
// transport interfaces. It records every operation in order and lets tests inject
// failures, deliveries, broker-side closes and consumer cancellations.
package rabbitmqtest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/vibebot/vibebot-go/internal/rabbitmq"
)

// Published is a message the broker received
type Published struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

// QueueState is the broker-side state of a declared queue
type QueueState struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
}

// BindingKey identifies a binding
type BindingKey struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// Broker is the shared in-memory broker state
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]string
	queues    map[string]QueueState
	bindings  map[BindingKey]struct{}
	published []Published
	acks      []uint64
	calls     []string
	failures  map[string]error
	tagSeq    int
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]string),
		queues:    make(map[string]QueueState),
		bindings:  make(map[BindingKey]struct{}),
		failures:  make(map[string]error),
	}
}

// AddExchange creates an exchange, as an operator would before the consumer starts
func (b *Broker) AddExchange(name, kind string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges[name] = kind
}

// FailOn makes the next operation named op fail with err.
// Operation names: "dial", "channel", "qos", "exchange.check:<name>", "queue.declare:<name>",
// "queue.bind:<queue>", "consume:<queue>", "ack", "publish:<routingKey>", "cancel".
func (b *Broker) FailOn(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = err
}

func (b *Broker) takeFailure(op string) error {
	err, ok := b.failures[op]
	if ok {
		delete(b.failures, op)
	}
	return err
}

func (b *Broker) record(call string) {
	b.calls = append(b.calls, call)
}

// Calls returns every recorded operation in order
func (b *Broker) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

// CountCalls counts recorded operations equal to call
func (b *Broker) CountCalls(call string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c == call {
			n++
		}
	}
	return n
}

// Queue returns the state of a declared queue
func (b *Broker) Queue(name string) (QueueState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	return q, ok
}

// Queues returns the declared queue names, sorted
func (b *Broker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bindings returns all bindings
func (b *Broker) Bindings() []BindingKey {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BindingKey, 0, len(b.bindings))
	for k := range b.bindings {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Queue < out[j].Queue })
	return out
}

// Published returns every published message in order
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// PublishedTo returns published messages with the given routing key
func (b *Broker) PublishedTo(routingKey string) []Published {
	var out []Published
	for _, p := range b.Published() {
		if p.RoutingKey == routingKey {
			out = append(out, p)
		}
	}
	return out
}

// Acks returns acknowledged delivery tags in order
func (b *Broker) Acks() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint64(nil), b.acks...)
}

func notFound(reason string) *amqp.Error {
	return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - " + reason, Server: true}
}

func preconditionFailed(reason string) *amqp.Error {
	return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - " + reason, Server: true}
}

// Dialer hands out connections to the broker
type Dialer struct {
	Broker *Broker

	mu    sync.Mutex
	conns []*Connection
}

// NewDialer creates a dialer for the broker
func NewDialer(b *Broker) *Dialer {
	return &Dialer{Broker: b}
}

// Dial implements rabbitmq.Dialer
func (d *Dialer) Dial(ctx context.Context) (rabbitmq.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.Broker.mu.Lock()
	d.Broker.record("dial")
	err := d.Broker.takeFailure("dial")
	d.Broker.mu.Unlock()
	if err != nil {
		return nil, err
	}

	conn := &Connection{broker: d.Broker}
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

// Dials returns the number of successful dials
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// Last returns the most recent connection
func (d *Dialer) Last() *Connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Connection is an in-memory connection
type Connection struct {
	broker *Broker

	mu       sync.Mutex
	closed   bool
	notify   []chan *amqp.Error
	channels []*Channel
}

// Channel implements rabbitmq.Connection
func (c *Connection) Channel() (rabbitmq.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}

	c.broker.mu.Lock()
	c.broker.record("channel")
	err := c.broker.takeFailure("channel")
	c.broker.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ch := &Channel{broker: c.broker, consumers: make(map[string]chan amqp.Delivery)}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// NotifyClose implements rabbitmq.Connection
func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// Close implements rabbitmq.Connection
func (c *Connection) Close() error {
	c.broker.mu.Lock()
	c.broker.record("connection.close")
	c.broker.mu.Unlock()

	if !c.shutdown(nil) {
		return amqp.ErrClosed
	}
	return nil
}

// CloseWithError simulates a broker-initiated or network close
func (c *Connection) CloseWithError(err *amqp.Error) {
	c.shutdown(err)
}

// IsClosed implements rabbitmq.Connection
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LastChannel returns the most recently opened channel
func (c *Connection) LastChannel() *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.channels) == 0 {
		return nil
	}
	return c.channels[len(c.channels)-1]
}

func (c *Connection) shutdown(err *amqp.Error) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	receivers := c.notify
	c.notify = nil
	channels := c.channels
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(err)
	}
	for _, r := range receivers {
		if err != nil {
			r <- err
		}
		close(r)
	}
	return true
}

// Channel is an in-memory channel
type Channel struct {
	broker *Broker

	mu           sync.Mutex
	closed       bool
	prefetch     int
	notifyClose  []chan *amqp.Error
	notifyCancel []chan string
	consumers    map[string]chan amqp.Delivery
	deliveryTag  uint64
}

// Qos implements rabbitmq.Channel
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	if err := ch.op("qos"); err != nil {
		return err
	}
	ch.mu.Lock()
	ch.prefetch = prefetchCount
	ch.mu.Unlock()
	return nil
}

// Prefetch returns the prefetch count set by Qos
func (ch *Channel) Prefetch() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.prefetch
}

// ExchangeDeclarePassive implements rabbitmq.Channel
func (ch *Channel) ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if err := ch.op("exchange.check:" + name); err != nil {
		return err
	}
	ch.broker.mu.Lock()
	_, ok := ch.broker.exchanges[name]
	ch.broker.mu.Unlock()
	if !ok {
		err := notFound("no exchange '" + name + "'")
		ch.shutdown(err)
		return err
	}
	return nil
}

// QueueDeclare implements rabbitmq.Channel
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if err := ch.op("queue.declare:" + name); err != nil {
		return amqp.Queue{}, err
	}
	want := QueueState{Name: name, Durable: durable, AutoDelete: autoDelete, Exclusive: exclusive}

	ch.broker.mu.Lock()
	existing, ok := ch.broker.queues[name]
	if !ok {
		ch.broker.queues[name] = want
	}
	ch.broker.mu.Unlock()

	if ok && existing != want {
		err := preconditionFailed("inequivalent arg for queue '" + name + "'")
		ch.shutdown(err)
		return amqp.Queue{}, err
	}
	return amqp.Queue{Name: name}, nil
}

// QueueBind implements rabbitmq.Channel
func (ch *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	if err := ch.op("queue.bind:" + name); err != nil {
		return err
	}
	ch.broker.mu.Lock()
	_, hasQueue := ch.broker.queues[name]
	_, hasExchange := ch.broker.exchanges[exchange]
	if hasQueue && hasExchange {
		ch.broker.bindings[BindingKey{Queue: name, Exchange: exchange, RoutingKey: key}] = struct{}{}
	}
	ch.broker.mu.Unlock()

	if !hasQueue || !hasExchange {
		err := notFound("no queue '" + name + "' or exchange '" + exchange + "'")
		ch.shutdown(err)
		return err
	}
	return nil
}

// Consume implements rabbitmq.Channel
func (ch *Channel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if err := ch.op("consume:" + queue); err != nil {
		return nil, err
	}

	ch.broker.mu.Lock()
	_, ok := ch.broker.queues[queue]
	if consumer == "" {
		ch.broker.tagSeq++
		consumer = "ctag-" + strconv.Itoa(ch.broker.tagSeq)
	}
	ch.broker.mu.Unlock()
	if !ok {
		err := notFound("no queue '" + queue + "'")
		ch.shutdown(err)
		return nil, err
	}

	deliveries := make(chan amqp.Delivery, 16)
	ch.mu.Lock()
	ch.consumers[consumer] = deliveries
	ch.mu.Unlock()
	return deliveries, nil
}

// ConsumerTags returns the active consumer tags
func (ch *Channel) ConsumerTags() []string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	tags := make([]string, 0, len(ch.consumers))
	for tag := range ch.consumers {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Deliver pushes a message to the channel's consumer. It returns the delivery tag,
// or false if there is no active consumer.
func (ch *Channel) Deliver(body []byte) (uint64, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return 0, false
	}
	for tag, deliveries := range ch.consumers {
		ch.deliveryTag++
		d := amqp.Delivery{
			ConsumerTag: tag,
			DeliveryTag: ch.deliveryTag,
			Body:        body,
		}
		select {
		case deliveries <- d:
		default:
			return 0, false
		}

		ch.broker.mu.Lock()
		ch.broker.record(fmt.Sprintf("deliver:%d", d.DeliveryTag))
		ch.broker.mu.Unlock()
		return d.DeliveryTag, true
	}
	return 0, false
}

// Ack implements rabbitmq.Channel
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	if err := ch.opNamed(fmt.Sprintf("ack:%d", tag), "ack"); err != nil {
		return err
	}
	ch.broker.mu.Lock()
	ch.broker.acks = append(ch.broker.acks, tag)
	ch.broker.mu.Unlock()
	return nil
}

// PublishWithContext implements rabbitmq.Channel
func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ch.op("publish:" + key); err != nil {
		return err
	}
	ch.broker.mu.Lock()
	ch.broker.published = append(ch.broker.published, Published{Exchange: exchange, RoutingKey: key, Msg: msg})
	ch.broker.mu.Unlock()
	return nil
}

// Cancel implements rabbitmq.Channel
func (ch *Channel) Cancel(consumer string, noWait bool) error {
	if err := ch.op("cancel"); err != nil {
		return err
	}
	ch.mu.Lock()
	if deliveries, ok := ch.consumers[consumer]; ok {
		close(deliveries)
		delete(ch.consumers, consumer)
	}
	ch.mu.Unlock()
	return nil
}

// CancelFromBroker simulates the broker cancelling every consumer on the channel
// (for example when the queue is deleted).
func (ch *Channel) CancelFromBroker() {
	ch.mu.Lock()
	var tags []string
	for tag, deliveries := range ch.consumers {
		close(deliveries)
		delete(ch.consumers, tag)
		tags = append(tags, tag)
	}
	receivers := append([]chan string(nil), ch.notifyCancel...)
	ch.mu.Unlock()

	for _, tag := range tags {
		for _, r := range receivers {
			r <- tag
		}
	}
}

// NotifyClose implements rabbitmq.Channel
func (ch *Channel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		close(c)
		return c
	}
	ch.notifyClose = append(ch.notifyClose, c)
	return c
}

// NotifyCancel implements rabbitmq.Channel
func (ch *Channel) NotifyCancel(c chan string) chan string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		close(c)
		return c
	}
	ch.notifyCancel = append(ch.notifyCancel, c)
	return c
}

// Close implements rabbitmq.Channel
func (ch *Channel) Close() error {
	ch.broker.mu.Lock()
	ch.broker.record("channel.close")
	ch.broker.mu.Unlock()

	if !ch.shutdown(nil) {
		return amqp.ErrClosed
	}
	return nil
}

// CloseWithError simulates the broker closing the channel
func (ch *Channel) CloseWithError(err *amqp.Error) {
	ch.shutdown(err)
}

// IsClosed reports whether the channel is closed
func (ch *Channel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// op records an operation and returns an injected failure or ErrClosed
func (ch *Channel) op(name string) error {
	return ch.opNamed(name, name)
}

func (ch *Channel) opNamed(call, failKey string) error {
	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()
	if closed {
		return amqp.ErrClosed
	}

	ch.broker.mu.Lock()
	ch.broker.record(call)
	err := ch.broker.takeFailure(failKey)
	ch.broker.mu.Unlock()
	return err
}

func (ch *Channel) shutdown(err *amqp.Error) bool {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return false
	}
	ch.closed = true
	closeReceivers := ch.notifyClose
	cancelReceivers := ch.notifyCancel
	ch.notifyClose = nil
	ch.notifyCancel = nil
	for tag, deliveries := range ch.consumers {
		close(deliveries)
		delete(ch.consumers, tag)
	}
	ch.mu.Unlock()

	for _, r := range closeReceivers {
		if err != nil {
			r <- err
		}
		close(r)
	}
	for _, r := range cancelReceivers {
		close(r)
	}
	return true
}

var (
	_ rabbitmq.Dialer     = (*Dialer)(nil)
	_ rabbitmq.Connection = (*Connection)(nil)
	_ rabbitmq.Channel    = (*Channel)(nil)
)
