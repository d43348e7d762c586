// Package monitor exports consumer activity as Prometheus metrics.
package monitor
