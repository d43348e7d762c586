// Copyright 2024 Vibebot Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vibebot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/vibebot/vibebot-go/config"
	"github.com/vibebot/vibebot-go/consumer"
	"github.com/vibebot/vibebot-go/contracts"
	"github.com/vibebot/vibebot-go/health"
	"github.com/vibebot/vibebot-go/internal/rabbitmq"
	"github.com/vibebot/vibebot-go/messaging"
	"github.com/vibebot/vibebot-go/monitor"
)

// Version is reported by the CLI and the health endpoint
var Version = "dev"

// Client provides the main entry point: a consumer group built from configuration
type Client struct {
	cfg      *config.Config
	identity contracts.Identity
	dialer   rabbitmq.Dialer
	group    *consumer.Group
	metrics  messaging.MetricsSink
	health   *health.Registry
	logger   *slog.Logger
}

// NewClient creates a client running cfg.Consumer.Instances instances of handler
func NewClient(cfg *config.Config, handler messaging.Handler, options ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("vibebot: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	opts := &clientConfig{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(opts)
	}

	identity, err := contracts.NewIdentity(cfg.Consumer.BotID, cfg.Consumer.Exchange, 0)
	if err != nil {
		return nil, err
	}

	dialer := opts.dialer
	if dialer == nil {
		dialer = rabbitmq.NewDialer(cfg.BrokerConnection(), rabbitmq.WithLogger(opts.logger))
	}

	var sink messaging.MetricsSink = messaging.NoopMetrics{}
	if opts.registerer != nil {
		promSink, err := monitor.NewPrometheusSink(cfg.Metrics.Namespace, opts.registerer)
		if err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		sink = promSink
	}

	consumerOpts := []consumer.Option{
		consumer.WithReconnectDelay(cfg.Consumer.ReconnectDelay),
		consumer.WithExchangeType(cfg.Consumer.ExchangeType),
		consumer.WithDispatcherOptions(
			messaging.WithMetrics(sink),
			messaging.WithStatsWindow(cfg.Consumer.StatsWindow),
		),
	}
	if opts.clock != nil {
		consumerOpts = append(consumerOpts, consumer.WithClock(opts.clock))
	}

	groupOpts := []consumer.GroupOption{
		consumer.WithGroupLogger(opts.logger),
		consumer.WithConsumerOptions(consumerOpts...),
	}
	if opts.failures != nil {
		groupOpts = append(groupOpts, consumer.WithFailures(opts.failures))
	}

	group, err := consumer.NewGroup(identity, cfg.Consumer.Instances, dialer, handler, groupOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	if opts.registerer != nil {
		if err := monitor.RegisterConsumerGauges(cfg.Metrics.Namespace, opts.registerer, group); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	registry := health.NewRegistry()
	registry.Register(health.NewConsumerChecker(group))
	registry.Register(health.NewRuntimeChecker(5000, 20000))
	registry.SetMetadata("version", Version)
	registry.SetMetadata("botId", identity.BotID)
	registry.SetMetadata("exchange", identity.Exchange)

	return &Client{
		cfg:      cfg,
		identity: identity,
		dialer:   dialer,
		group:    group,
		metrics:  sink,
		health:   registry,
		logger:   opts.logger,
	}, nil
}

// Start launches every consumer instance
func (c *Client) Start(ctx context.Context) error {
	c.logger.Info("starting consumers",
		"botId", c.identity.BotID,
		"exchange", c.identity.Exchange,
		"queue", c.identity.QueueName(),
		"instances", c.cfg.Consumer.Instances,
	)
	return c.group.Start(ctx)
}

// Stop stops every consumer instance and waits for them
func (c *Client) Stop(ctx context.Context) error {
	return c.group.Stop(ctx)
}

// Wait blocks until every consumer instance has exited
func (c *Client) Wait() {
	c.group.Wait()
}

// CheckTopology connects once and runs the topology setup the consumers run,
// then disconnects. It fails when the exchange does not exist.
func (c *Client) CheckTopology(ctx context.Context) error {
	conn, err := c.dialer.Dial(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Debug("failed to close topology connection", "error", err)
		}
	}()

	ch, err := conn.Channel()
	if err != nil {
		return &rabbitmq.ChannelError{Op: "open", Consumer: c.identity.String(), Err: err}
	}

	topology := rabbitmq.NewConsumerTopology(
		c.identity.Exchange,
		c.cfg.Consumer.ExchangeType,
		c.identity.QueueName(),
		c.identity.ErrorQueueName(),
	)
	manager := rabbitmq.NewTopologyManager(rabbitmq.WithTopologyLogger(c.logger))
	if err := manager.Setup(ch, topology); err != nil {
		return err
	}

	if err := ch.Close(); err != nil {
		c.logger.Debug("failed to close topology channel", "error", err)
	}
	return nil
}

// Identity returns the identity of instance 0
func (c *Client) Identity() contracts.Identity {
	return c.identity
}

// Group returns the consumer group
func (c *Client) Group() *consumer.Group {
	return c.group
}

// Health returns the health registry
func (c *Client) Health() *health.Registry {
	return c.health
}

// Metrics returns the sink the dispatchers report to
func (c *Client) Metrics() messaging.MetricsSink {
	return c.metrics
}

// clientConfig holds client configuration
type clientConfig struct {
	logger     *slog.Logger
	dialer     rabbitmq.Dialer
	registerer prometheus.Registerer
	failures   chan<- consumer.Failure
	clock      clockwork.Clock
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithDialer replaces the RabbitMQ dialer built from the broker configuration
func WithDialer(dialer rabbitmq.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dialer
	}
}

// WithMetricsRegisterer exports consumer metrics to reg
func WithMetricsRegisterer(reg prometheus.Registerer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.registerer = reg
	}
}

// WithFailures sets the channel abnormal instance exits are reported on
func WithFailures(failures chan<- consumer.Failure) ClientOption {
	return func(cfg *clientConfig) {
		cfg.failures = failures
	}
}

// WithClock sets the clock used for reconnect delays and processing times
func WithClock(clock clockwork.Clock) ClientOption {
	return func(cfg *clientConfig) {
		cfg.clock = clock
	}
}
