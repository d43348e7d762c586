package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/vibebot/vibebot-go/contracts"
	"github.com/vibebot/vibebot-go/internal/rabbitmq"
)

var (
	// ErrDecode wraps body decoding failures
	ErrDecode = errors.New("messaging: invalid message body")
	// ErrHandler wraps errors returned by the handler
	ErrHandler = errors.New("messaging: handler failed")
	// ErrHandlerPanic is returned when the handler panics
	ErrHandlerPanic = errors.New("messaging: handler panicked")
	// ErrPublish wraps failures publishing a handler result
	ErrPublish = errors.New("messaging: publish failed")
	// ErrAck is returned when the delivery could not be acknowledged
	ErrAck = errors.New("messaging: acknowledge failed")
)

// Channel is the part of a broker channel the dispatcher needs
type Channel interface {
	Ack(tag uint64, multiple bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Result describes the outcome of one dispatch
type Result struct {
	DeliveryTag  uint64
	Invocation   int64
	Published    int
	DeadLettered bool
	Err          error
	Elapsed      time.Duration
}

// Dispatcher processes deliveries for one consumer instance. It is driven by the
// consumer's event loop and is not safe for concurrent use.
type Dispatcher struct {
	identity contracts.Identity
	handler  Handler
	codec    Codec
	metrics  MetricsSink
	logger   *slog.Logger
	clock    clockwork.Clock
	stats    *RollingStats
	prefix   string
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithCodec sets the body codec
func WithCodec(codec Codec) DispatcherOption {
	return func(d *Dispatcher) {
		d.codec = codec
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(sink MetricsSink) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = sink
	}
}

// WithClock sets the clock used for timing
func WithClock(clock clockwork.Clock) DispatcherOption {
	return func(d *Dispatcher) {
		d.clock = clock
	}
}

// WithStatsWindow sets how many invocations are averaged per report
func WithStatsWindow(window int) DispatcherOption {
	return func(d *Dispatcher) {
		d.stats = NewRollingStats(window)
	}
}

// NewDispatcher creates a dispatcher for the given consumer identity
func NewDispatcher(identity contracts.Identity, handler Handler, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		identity: identity,
		handler:  handler,
		codec:    JSONCodec{},
		metrics:  NoopMetrics{},
		logger:   slog.Default(),
		clock:    clockwork.NewRealClock(),
		stats:    NewRollingStats(DefaultStatsWindow),
		prefix:   identity.Exchange + ".",
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// Stats returns the dispatcher's rolling statistics
func (d *Dispatcher) Stats() *RollingStats {
	return d.stats
}

// Dispatch acknowledges the delivery, then decodes it, runs the handler and publishes
// the results in order. Any decode, handler or publish failure sends the original body
// to the error queue. Failures never propagate to the caller except through Result.
func (d *Dispatcher) Dispatch(ctx context.Context, ch Channel, delivery amqp.Delivery) Result {
	start := d.clock.Now()
	result := Result{
		DeliveryTag: delivery.DeliveryTag,
		Invocation:  d.stats.Begin(),
	}
	logger := d.logger.With("deliveryTag", delivery.DeliveryTag)

	logger.Info("received message",
		"invocation", result.Invocation,
		"exchange", d.identity.Exchange,
		"body", string(delivery.Body),
	)
	d.metrics.Incr(d.prefix + MetricReceive)

	// Acknowledged before processing: a crash while handling loses this message.
	// An unacknowledged delivery is not processed; the broker redelivers it.
	if err := ch.Ack(delivery.DeliveryTag, false); err != nil {
		logger.Error("failed to acknowledge message", "error", err)
		result.Err = fmt.Errorf("%w: %w", ErrAck, err)
	} else {
		published, err := d.process(ctx, ch, delivery, logger)
		result.Published = published
		if err != nil {
			result.Err = err
			result.DeadLettered = d.deadLetter(ctx, ch, delivery, err, logger)
		}
	}

	result.Elapsed = d.clock.Since(start)
	logger.Debug("message handling time",
		"consumerIndex", d.identity.Index,
		"elapsedMs", result.Elapsed.Milliseconds(),
	)
	if average, ok := d.stats.Record(result.Elapsed); ok {
		d.logger.Info("average message handling time",
			"consumerIndex", d.identity.Index,
			"window", d.stats.window,
			"averageMs", average.Milliseconds(),
		)
	}
	d.metrics.Timing(d.prefix+MetricProcessTime, result.Elapsed)

	return result
}

// process decodes, invokes the handler and publishes its output
func (d *Dispatcher) process(ctx context.Context, ch Channel, delivery amqp.Delivery, logger *slog.Logger) (int, error) {
	msg, err := d.codec.Decode(delivery.Body)
	if err != nil {
		logger.Error("invalid message body",
			"exchange", d.identity.Exchange,
			"error", err,
			"body", string(delivery.Body),
		)
		return 0, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	out, err := d.invoke(ctx, msg)
	if err != nil {
		return 0, err
	}

	logger.Info("sending response messages", "count", len(out))

	for i, m := range out {
		exchange, routingKey := m.Target(d.identity)
		err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
			ContentType: m.ContentType,
			MessageId:   uuid.NewString(),
			Timestamp:   d.clock.Now(),
			Body:        m.Body,
		})
		if err != nil {
			return i, fmt.Errorf("%w: %w", ErrPublish, &rabbitmq.PublishError{
				Exchange:   exchange,
				RoutingKey: routingKey,
				Err:        err,
				Timestamp:  d.clock.Now(),
			})
		}

		logger.Info("published message",
			"exchange", exchange,
			"routingKey", routingKey,
			"body", string(m.Body),
		)
		d.metrics.Incr(d.prefix + MetricPublish)
	}

	return len(out), nil
}

// invoke calls the handler, turning panics into errors
func (d *Dispatcher) invoke(ctx context.Context, msg any) (out []contracts.OutboundMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()

	out, err = d.handler.Handle(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandler, err)
	}
	return out, nil
}

// deadLetter publishes the original body, unmodified, to the error queue through the
// default exchange. It reports whether the publish succeeded.
func (d *Dispatcher) deadLetter(ctx context.Context, ch Channel, delivery amqp.Delivery, cause error, logger *slog.Logger) bool {
	errorQueue := d.identity.ErrorQueueName()
	d.metrics.Incr(d.prefix + MetricError)

	logger.Error("unexpected error, sending to error queue",
		"error", cause,
		"body", string(delivery.Body),
		"exchange", d.identity.Exchange,
		"errorQueue", errorQueue,
	)

	err := ch.PublishWithContext(ctx, "", errorQueue, false, false, amqp.Publishing{
		Headers: amqp.Table{
			"x-error":             cause.Error(),
			"x-original-exchange": d.identity.Exchange,
			"x-bot-id":            d.identity.BotID,
		},
		ContentType: delivery.ContentType,
		Timestamp:   d.clock.Now(),
		Body:        delivery.Body,
	})
	if err != nil {
		logger.Error("failed to publish to error queue",
			"errorQueue", errorQueue,
			"error", err,
		)
		return false
	}
	return true
}
