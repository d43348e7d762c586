package messaging

import "time"

// Metric names, prefixed with "<exchange>." when emitted
const (
	MetricReceive     = "message.receive"
	MetricPublish     = "message.publish"
	MetricError       = "message.error"
	MetricProcessTime = "message.process.time"
)

// MetricsSink receives counter increments and timings
type MetricsSink interface {
	Incr(name string)
	Timing(name string, d time.Duration)
}

// NoopMetrics discards everything
type NoopMetrics struct{}

func (NoopMetrics) Incr(string)                 {}
func (NoopMetrics) Timing(string, time.Duration) {}
