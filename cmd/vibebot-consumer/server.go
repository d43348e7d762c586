package main

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vibebot/vibebot-go/health"
)

const healthTimeout = 5 * time.Second

// newServer serves Prometheus metrics and the health endpoints
func newServer(addr string, gatherer prometheus.Gatherer, registry *health.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health.NewHandler(registry, healthTimeout))
	mux.Handle("/readyz", health.ReadinessHandler(registry, healthTimeout))
	mux.Handle("/livez", health.LivenessHandler())

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
