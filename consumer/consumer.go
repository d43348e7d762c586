package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/vibebot/vibebot-go/contracts"
	"github.com/vibebot/vibebot-go/internal/rabbitmq"
	"github.com/vibebot/vibebot-go/messaging"
)

var (
	// ErrAlreadyRunning is returned when Run is called more than once
	ErrAlreadyRunning = errors.New("consumer: already running")
	// ErrLoopPanic is returned by Run when the event loop panicked
	ErrLoopPanic = errors.New("consumer: event loop panicked")
	// ErrStopTimeout is returned by Stop when ctx expires before the loop finishes
	ErrStopTimeout = errors.New("consumer: timed out waiting for stop")
)

const (
	// DefaultReconnectDelay is the fixed wait before reconnecting after an unexpected close
	DefaultReconnectDelay = 5 * time.Second
	// DefaultPrefetch bounds unacknowledged deliveries per consumer
	DefaultPrefetch = 1
)

// Consumer consumes one queue over a self-healing connection
type Consumer struct {
	identity       contracts.Identity
	dialer         rabbitmq.Dialer
	topology       *rabbitmq.TopologyManager
	dispatcher     *messaging.Dispatcher
	logger         *slog.Logger
	clock          clockwork.Clock
	reconnectDelay time.Duration
	exchangeType   string
	dispatcherOpts []messaging.DispatcherOption

	state        atomic.Int32
	subscription atomic.Pointer[Subscription]
	running      atomic.Bool
	stopOnce     sync.Once
	stopCh       chan struct{}
	done         chan struct{}

	// Owned by the event loop
	session      *session
	closing      bool
	reconnect    <-chan time.Time
	stopRequests <-chan struct{}
	ctxDone      <-chan struct{}
	fatalErr     error
}

// Option configures a Consumer
type Option func(*Consumer)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithClock sets the clock driving reconnect timers and processing times
func WithClock(clock clockwork.Clock) Option {
	return func(c *Consumer) {
		c.clock = clock
	}
}

// WithReconnectDelay sets the wait before reconnecting
func WithReconnectDelay(delay time.Duration) Option {
	return func(c *Consumer) {
		if delay > 0 {
			c.reconnectDelay = delay
		}
	}
}

// WithExchangeType sets the exchange kind sent with the passive exchange check
func WithExchangeType(kind string) Option {
	return func(c *Consumer) {
		c.exchangeType = kind
	}
}

// WithDispatcherOptions passes options to the message dispatcher
func WithDispatcherOptions(options ...messaging.DispatcherOption) Option {
	return func(c *Consumer) {
		c.dispatcherOpts = append(c.dispatcherOpts, options...)
	}
}

// New creates a consumer for the given identity
func New(identity contracts.Identity, dialer rabbitmq.Dialer, handler messaging.Handler, options ...Option) (*Consumer, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	if dialer == nil {
		return nil, fmt.Errorf("%w: dialer is required", rabbitmq.ErrInvalidConfiguration)
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: handler is required", rabbitmq.ErrInvalidConfiguration)
	}

	c := &Consumer{
		identity:       identity,
		dialer:         dialer,
		logger:         slog.Default(),
		clock:          clockwork.NewRealClock(),
		reconnectDelay: DefaultReconnectDelay,
		exchangeType:   rabbitmq.DefaultExchangeType,
		stopCh:         make(chan struct{}),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(c)
	}

	c.logger = c.logger.With(slog.Any("consumer", identity))
	c.topology = rabbitmq.NewTopologyManager(rabbitmq.WithTopologyLogger(c.logger))

	dispatcherOpts := []messaging.DispatcherOption{
		messaging.WithDispatcherLogger(c.logger),
		messaging.WithClock(c.clock),
	}
	c.dispatcher = messaging.NewDispatcher(identity, handler, append(dispatcherOpts, c.dispatcherOpts...)...)

	return c, nil
}

// Identity returns the consumer's identity
func (c *Consumer) Identity() contracts.Identity {
	return c.identity
}

// State returns the current lifecycle state
func (c *Consumer) State() State {
	return State(c.state.Load())
}

// Subscription returns the active subscription, if consuming
func (c *Consumer) Subscription() (Subscription, bool) {
	sub := c.subscription.Load()
	if sub == nil {
		return Subscription{}, false
	}
	return *sub, true
}

// Done is closed when Run returns
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

// Run drives the consumer until it reaches Closed. It returns nil after a requested
// stop, the setup error when topology could not be declared, or ErrLoopPanic.
// Cancelling ctx is the same as calling Stop.
func (c *Consumer) Run(ctx context.Context) (err error) {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(c.done)
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("consumer event loop panicked",
				"panic", r,
				"stack", string(debug.Stack()),
			)
			c.abandon()
			c.setState(StateClosed)
			err = fmt.Errorf("%w: %v", ErrLoopPanic, r)
		}
	}()

	c.stopRequests = c.stopCh
	c.ctxDone = ctx.Done()

	c.logger.Info("starting consumer", "queue", c.identity.QueueName())
	c.connect(ctx)

	for !c.State().Terminal() {
		c.step(ctx)
	}

	c.logger.Info("consumer stopped")
	return c.fatalErr
}

// Stop requests a graceful shutdown and waits until Run returns or ctx expires.
// It can be called any number of times.
func (c *Consumer) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })

	if !c.running.Load() {
		return nil
	}

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrStopTimeout, ctx.Err())
	}
}

// step waits for one event and runs its transition
func (c *Consumer) step(ctx context.Context) {
	// A pending stop wins over buffered deliveries.
	select {
	case <-c.stopRequests:
		c.stopRequests = nil
		c.onStopRequested()
		return
	case <-c.ctxDone:
		c.ctxDone = nil
		c.onStopRequested()
		return
	default:
	}

	var (
		connClosed <-chan *amqp.Error
		chanClosed <-chan *amqp.Error
		cancelled  <-chan string
		deliveries <-chan amqp.Delivery
	)
	if s := c.session; s != nil {
		connClosed = s.connClosed
		chanClosed = s.chanClosed
		cancelled = s.cancelled
		deliveries = s.deliveries
	}

	select {
	case <-c.stopRequests:
		c.stopRequests = nil
		c.onStopRequested()

	case <-c.ctxDone:
		c.ctxDone = nil
		c.onStopRequested()

	case <-c.reconnect:
		c.reconnect = nil
		c.onReconnectTimer(ctx)

	case amqpErr := <-connClosed:
		c.session.connClosed = nil
		c.onConnectionClosed(closeReason(amqpErr))

	case amqpErr := <-chanClosed:
		c.session.chanClosed = nil
		c.onChannelClosed(closeReason(amqpErr))

	case tag, ok := <-cancelled:
		if !ok {
			c.session.cancelled = nil
			return
		}
		c.onConsumerCancelled(tag)

	case d, ok := <-deliveries:
		if !ok {
			c.session.deliveries = nil
			return
		}
		c.onDelivery(ctx, d)
	}
}

func (c *Consumer) setState(next State) {
	prev := State(c.state.Swap(int32(next)))
	if prev != next {
		c.logger.Debug("consumer state changed", "from", prev.String(), "to", next.String())
	}
}

// connect dials a new connection. A dial failure is handled like a connection close.
func (c *Consumer) connect(ctx context.Context) {
	c.setState(StateConnecting)

	conn, err := c.dialer.Dial(ctx)
	if err != nil {
		c.logger.Warn("failed to connect", "error", err)
		c.onConnectionClosed(err)
		return
	}

	c.onConnectionOpen(conn)
}

func (c *Consumer) onConnectionOpen(conn rabbitmq.Connection) {
	s := newSession(conn)
	c.session = s
	c.setState(StateConnected)
	c.logger.Info("connection opened")

	c.openChannel(s)
}

func (c *Consumer) openChannel(s *session) {
	c.setState(StateChannelOpening)

	ch, err := s.conn.Channel()
	if err != nil {
		c.logger.Warn("failed to open channel", "error", &rabbitmq.ChannelError{
			Op:        "open",
			Consumer:  c.identity.String(),
			Err:       err,
			Timestamp: c.clock.Now(),
		})
		c.closeConnection(s)
		return
	}

	c.onChannelOpen(s, ch)
}

func (c *Consumer) onChannelOpen(s *session, ch rabbitmq.Channel) {
	s.attach(ch)
	c.setState(StateChannelOpen)
	c.logger.Info("channel opened")

	if err := ch.Qos(DefaultPrefetch, 0, false); err != nil {
		c.logger.Warn("failed to set prefetch", "error", &rabbitmq.ChannelError{
			Op:        "qos",
			Consumer:  c.identity.String(),
			Err:       err,
			Timestamp: c.clock.Now(),
		})
		c.closeChannel(s)
		return
	}

	topology := rabbitmq.NewConsumerTopology(
		c.identity.Exchange,
		c.exchangeType,
		c.identity.QueueName(),
		c.identity.ErrorQueueName(),
	)
	if err := c.topology.Setup(ch, topology); err != nil {
		c.onSetupFailed(s, err)
		return
	}

	c.onTopologyReady(s)
}

// onSetupFailed stops the consumer for good when the broker rejected a declaration.
// Anything else, such as the connection dropping mid-setup, goes through the
// reconnect path and setup runs again on the next connection.
func (c *Consumer) onSetupFailed(s *session, err error) {
	if !rabbitmq.IsFatal(err) {
		c.logger.Warn("topology setup failed, closing channel", "error", err)
		c.closeChannel(s)
		return
	}

	code, text := rabbitmq.ReplyInfo(err)
	c.logger.Error("topology setup failed, stopping consumer",
		"error", err,
		"replyCode", code,
		"replyText", text,
	)
	c.fatalErr = err
	c.closing = true
	c.reconnect = nil
	c.setState(StateClosing)
	c.closeChannel(s)
}

func (c *Consumer) onTopologyReady(s *session) {
	queue := c.identity.QueueName()
	tag := fmt.Sprintf("%s.%d.%s", c.identity.BotID, c.identity.Index, uuid.NewString())

	s.cancelled = s.ch.NotifyCancel(make(chan string, 1))

	deliveries, err := s.ch.Consume(
		queue,
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		c.logger.Warn("failed to start consuming", "error", &rabbitmq.ConsumerError{
			Queue:       queue,
			ConsumerTag: tag,
			Op:          "consume",
			Err:         err,
			Timestamp:   c.clock.Now(),
		})
		c.closeChannel(s)
		return
	}

	s.deliveries = deliveries
	c.subscription.Store(&Subscription{ConsumerTag: tag, Queue: queue, Prefetch: DefaultPrefetch})
	c.setState(StateConsuming)
	c.logger.Info("consuming", "queue", queue, "consumerTag", tag)
}

func (c *Consumer) onDelivery(ctx context.Context, d amqp.Delivery) {
	// Stop and ctx cancellation never interrupt a message mid-flight.
	c.dispatcher.Dispatch(context.WithoutCancel(ctx), c.session.ch, d)
}

func (c *Consumer) onConsumerCancelled(tag string) {
	s := c.session
	c.logger.Warn("consumer cancelled by broker, closing channel", "error", &rabbitmq.ConsumerError{
		Queue:       c.identity.QueueName(),
		ConsumerTag: tag,
		Op:          "cancel",
		Err:         rabbitmq.ErrConsumerCancelled,
		Timestamp:   c.clock.Now(),
	})

	s.cancelled = nil
	s.deliveries = nil
	c.subscription.Store(nil)
	c.closeChannel(s)
}

func (c *Consumer) onCancelOk(s *session, tag string) {
	c.logger.Info("consumer cancel acknowledged, closing channel", "consumerTag", tag)
	c.subscription.Store(nil)
	c.closeChannel(s)
}

// onChannelClosed closes the connection; channels are not reopened on their own
func (c *Consumer) onChannelClosed(err error) {
	s := c.session
	s.channelDone = true
	s.cancelled = nil
	s.deliveries = nil
	c.subscription.Store(nil)

	code, text := rabbitmq.ReplyInfo(err)
	if c.closing {
		c.logger.Info("channel closed", "replyCode", code, "replyText", text)
	} else {
		c.logger.Warn("channel closed, closing connection", "replyCode", code, "replyText", text)
	}

	c.closeConnection(s)
}

func (c *Consumer) onConnectionClosed(err error) {
	c.session = nil
	c.subscription.Store(nil)

	if c.closing {
		c.logger.Info("connection closed")
		c.setState(StateClosed)
		return
	}

	code, text := rabbitmq.ReplyInfo(err)
	c.logger.Warn("connection closed, reopening",
		"replyCode", code,
		"replyText", text,
		"delay", c.reconnectDelay,
	)
	c.setState(StateConnecting)
	c.scheduleReconnect()
}

func (c *Consumer) scheduleReconnect() {
	if c.reconnect != nil {
		return
	}
	c.reconnect = c.clock.After(c.reconnectDelay)
}

func (c *Consumer) onReconnectTimer(ctx context.Context) {
	if c.closing {
		return
	}
	c.logger.Info("reconnecting")
	c.connect(ctx)
}

func (c *Consumer) onStopRequested() {
	if c.closing {
		return
	}
	c.closing = true
	c.reconnect = nil
	c.logger.Info("stopping consumer")

	s := c.session
	if s == nil {
		c.setState(StateClosed)
		return
	}

	c.setState(StateClosing)
	s.deliveries = nil

	sub := c.subscription.Load()
	if sub == nil || s.ch == nil || s.channelDone {
		c.closeChannel(s)
		return
	}

	// Cancel blocks until the broker confirms.
	if err := s.ch.Cancel(sub.ConsumerTag, false); err != nil {
		c.logger.Warn("failed to cancel consumer", "consumerTag", sub.ConsumerTag, "error", err)
	}
	c.onCancelOk(s, sub.ConsumerTag)
}

// closeChannel starts closing the session's channel. The close notification
// continues the cascade; with no open channel it moves on to the connection.
func (c *Consumer) closeChannel(s *session) {
	if s.ch == nil || s.channelDone {
		c.closeConnection(s)
		return
	}
	if s.closingChannel {
		return
	}
	s.closingChannel = true

	if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		c.logger.Warn("failed to close channel", "error", err)
	}
}

func (c *Consumer) closeConnection(s *session) {
	if s.closingConnection {
		return
	}
	s.closingConnection = true

	if err := s.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		c.logger.Warn("failed to close connection", "error", err)
	}
}

// abandon closes whatever is open without waiting for notifications
func (c *Consumer) abandon() {
	s := c.session
	c.session = nil
	c.subscription.Store(nil)
	if s == nil {
		return
	}
	_ = s.conn.Close()
}
