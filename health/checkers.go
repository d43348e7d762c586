package health

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/vibebot/vibebot-go/consumer"
	"github.com/vibebot/vibebot-go/internal/rabbitmq"
)

// StatusSource reports the state of running consumer instances.
// *consumer.Group satisfies it.
type StatusSource interface {
	Statuses() []consumer.Status
}

// ConsumerChecker is healthy when every instance is consuming, degraded when
// some are and unhealthy when none are.
type ConsumerChecker struct {
	source StatusSource
}

// NewConsumerChecker creates a checker over the given instances
func NewConsumerChecker(source StatusSource) *ConsumerChecker {
	return &ConsumerChecker{source: source}
}

func (c *ConsumerChecker) Name() string {
	return "consumers"
}

func (c *ConsumerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	statuses := c.source.Statuses()
	consuming := 0
	for _, s := range statuses {
		result.Details[s.Identity.String()] = s.State.String()
		if s.State == consumer.StateConsuming {
			consuming++
		}
	}
	result.Details["consuming"] = consuming
	result.Details["instances"] = len(statuses)

	switch {
	case len(statuses) > 0 && consuming == len(statuses):
		result.Status = StatusHealthy
		result.Message = "All consumers are consuming"
	case consuming > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d of %d consumers are consuming", consuming, len(statuses))
	default:
		result.Status = StatusUnhealthy
		result.Message = "No consumer is consuming"
	}

	result.Duration = time.Since(start)
	return result
}

// BrokerChecker opens a short-lived connection and checks that the exchange exists
type BrokerChecker struct {
	dialer   rabbitmq.Dialer
	exchange string
	kind     string
	logger   *slog.Logger
}

// NewBrokerChecker creates a new broker health checker
func NewBrokerChecker(dialer rabbitmq.Dialer, exchange, kind string, logger *slog.Logger) *BrokerChecker {
	if kind == "" {
		kind = rabbitmq.DefaultExchangeType
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BrokerChecker{
		dialer:   dialer,
		exchange: exchange,
		kind:     kind,
		logger:   logger,
	}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	conn, err := c.dialer.Dial(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to connect"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	defer func() {
		if err := conn.Close(); err != nil {
			c.logger.Debug("failed to close health check connection", "error", err)
		}
	}()

	ch, err := conn.Channel()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to create channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	err = ch.ExchangeDeclarePassive(
		c.exchange, // name
		c.kind,     // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Exchange %s not accessible", c.exchange)
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	}

	result.Duration = time.Since(start)
	result.Details["exchange"] = c.exchange
	result.Details["response_time_ms"] = result.Duration.Milliseconds()

	return result
}

// RuntimeChecker flags goroutine leaks
type RuntimeChecker struct {
	warningGoroutines  int
	criticalGoroutines int
}

// NewRuntimeChecker creates a new runtime checker
func NewRuntimeChecker(warningGoroutines, criticalGoroutines int) *RuntimeChecker {
	return &RuntimeChecker{
		warningGoroutines:  warningGoroutines,
		criticalGoroutines: criticalGoroutines,
	}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	goroutines := runtime.NumGoroutine()
	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warningGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}
