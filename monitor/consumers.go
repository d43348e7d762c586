package monitor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vibebot/vibebot-go/consumer"
)

// StatusSource reports the state of running consumer instances
type StatusSource interface {
	Statuses() []consumer.Status
}

// RegisterConsumerGauges exports how many instances exist and how many are consuming
func RegisterConsumerGauges(namespace string, reg prometheus.Registerer, source StatusSource) error {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	instances := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "consumer_instances",
		Help:      "Number of consumer instances in this process",
	}, func() float64 {
		return float64(len(source.Statuses()))
	})

	consuming := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "consumer_instances_consuming",
		Help:      "Number of consumer instances currently consuming",
	}, func() float64 {
		n := 0
		for _, s := range source.Statuses() {
			if s.State == consumer.StateConsuming {
				n++
			}
		}
		return float64(n)
	})

	for _, c := range []prometheus.Collector{instances, consuming} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
