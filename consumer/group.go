package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/vibebot/vibebot-go/contracts"
	"github.com/vibebot/vibebot-go/internal/rabbitmq"
	"github.com/vibebot/vibebot-go/messaging"
)

// ErrGroupStarted is returned when a group is started twice
var ErrGroupStarted = errors.New("consumer: group already started")

// Failure reports an instance whose event loop exited abnormally
type Failure struct {
	Identity contracts.Identity
	Err      error
}

// Status is a point-in-time view of one instance
type Status struct {
	Identity     contracts.Identity
	State        State
	Subscription *Subscription
}

// Group runs several independent instances of the same consumer, one connection each
type Group struct {
	consumers []*Consumer
	failures  chan<- Failure
	logger    *slog.Logger
	started   atomic.Bool
	wg        sync.WaitGroup
}

// GroupOption configures a Group
type GroupOption func(*groupConfig)

type groupConfig struct {
	failures chan<- Failure
	logger   *slog.Logger
	options  []Option
}

// WithFailures sets the channel abnormal exits are reported on. Sends never block;
// the channel should be buffered for at least the group size.
func WithFailures(failures chan<- Failure) GroupOption {
	return func(g *groupConfig) {
		g.failures = failures
	}
}

// WithGroupLogger sets the logger for the group and its instances
func WithGroupLogger(logger *slog.Logger) GroupOption {
	return func(g *groupConfig) {
		g.logger = logger
	}
}

// WithConsumerOptions applies options to every instance
func WithConsumerOptions(options ...Option) GroupOption {
	return func(g *groupConfig) {
		g.options = append(g.options, options...)
	}
}

// NewGroup creates size instances of the consumer, indexed 0..size-1
func NewGroup(identity contracts.Identity, size int, dialer rabbitmq.Dialer, handler messaging.Handler, options ...GroupOption) (*Group, error) {
	if size < 1 {
		return nil, fmt.Errorf("%w: group size must be at least 1, got %d", rabbitmq.ErrInvalidConfiguration, size)
	}

	cfg := &groupConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}

	g := &Group{
		consumers: make([]*Consumer, 0, size),
		failures:  cfg.failures,
		logger:    cfg.logger,
	}

	for i := 0; i < size; i++ {
		opts := append([]Option{WithLogger(cfg.logger)}, cfg.options...)
		c, err := New(identity.WithIndex(i), dialer, handler, opts...)
		if err != nil {
			return nil, err
		}
		g.consumers = append(g.consumers, c)
	}

	return g, nil
}

// Start launches every instance on its own goroutine
func (g *Group) Start(ctx context.Context) error {
	if !g.started.CompareAndSwap(false, true) {
		return ErrGroupStarted
	}

	for _, c := range g.consumers {
		g.wg.Add(1)
		go func(c *Consumer) {
			defer g.wg.Done()
			if err := c.Run(ctx); err != nil {
				g.report(c.Identity(), err)
			}
		}(c)
	}

	g.logger.Info("consumer group started", "size", len(g.consumers))
	return nil
}

func (g *Group) report(identity contracts.Identity, err error) {
	g.logger.Error("consumer exited abnormally", "consumer", identity, "error", err)
	if g.failures == nil {
		return
	}

	select {
	case g.failures <- Failure{Identity: identity, Err: err}:
	default:
		g.logger.Warn("failure channel full, dropping report", "consumer", identity)
	}
}

// Wait blocks until every instance has exited
func (g *Group) Wait() {
	g.wg.Wait()
}

// Stop stops every instance concurrently and waits for all of them
func (g *Group) Stop(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)

	for _, c := range g.consumers {
		wg.Add(1)
		go func(c *Consumer) {
			defer wg.Done()
			if err := c.Stop(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", c.Identity(), err))
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	g.logger.Info("consumer group stopped", "size", len(g.consumers))
	return errors.Join(errs...)
}

// Consumers returns the instances in index order
func (g *Group) Consumers() []*Consumer {
	return append([]*Consumer(nil), g.consumers...)
}

// Statuses returns the state of every instance in index order
func (g *Group) Statuses() []Status {
	statuses := make([]Status, 0, len(g.consumers))
	for _, c := range g.consumers {
		status := Status{Identity: c.Identity(), State: c.State()}
		if sub, ok := c.Subscription(); ok {
			status.Subscription = &sub
		}
		statuses = append(statuses, status)
	}
	return statuses
}
