package monitor

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vibebot/vibebot-go/messaging"
)

// DefaultNamespace prefixes every exported metric
const DefaultNamespace = "vibebot"

var knownMetrics = []string{
	messaging.MetricProcessTime,
	messaging.MetricReceive,
	messaging.MetricPublish,
	messaging.MetricError,
}

// PrometheusSink implements messaging.MetricsSink. Counter names of the form
// "<exchange>.message.<event>" become <namespace>_messages_total{exchange, event};
// timings become the <namespace>_message_process_seconds{exchange} histogram.
type PrometheusSink struct {
	messages *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewPrometheusSink creates the collectors and registers them with reg
func NewPrometheusSink(namespace string, reg prometheus.Registerer) (*PrometheusSink, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	s := &PrometheusSink{
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Messages handled by consumers, by exchange and event (receive, publish, error)",
			},
			[]string{"exchange", "event"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "message_process_seconds",
				Help:      "Time from receiving a message to finishing its publishes or error routing",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
			},
			[]string{"exchange"},
		),
	}

	for _, c := range []prometheus.Collector{s.messages, s.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Incr implements messaging.MetricsSink
func (s *PrometheusSink) Incr(name string) {
	exchange, metric := splitMetric(name)
	event := strings.TrimPrefix(metric, "message.")
	s.messages.WithLabelValues(exchange, event).Inc()
}

// Timing implements messaging.MetricsSink
func (s *PrometheusSink) Timing(name string, d time.Duration) {
	exchange, _ := splitMetric(name)
	s.duration.WithLabelValues(exchange).Observe(d.Seconds())
}

// splitMetric separates the exchange prefix from a metric name. Exchange names
// may contain dots, so the known suffix is matched rather than the first dot.
func splitMetric(name string) (exchange, metric string) {
	for _, m := range knownMetrics {
		if strings.HasSuffix(name, "."+m) {
			return strings.TrimSuffix(name, "."+m), m
		}
	}
	return "", name
}

var _ messaging.MetricsSink = (*PrometheusSink)(nil)
