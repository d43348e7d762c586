package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibebot/vibebot-go/health"
)

func TestServerRoutes(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	registry := health.NewRegistry()
	var down atomic.Bool
	registry.Register(health.NewCheckerFunc("consumers", func(ctx context.Context) health.CheckResult {
		if down.Load() {
			return health.CheckResult{Name: "consumers", Status: health.StatusUnhealthy}
		}
		return health.CheckResult{Name: "consumers", Status: health.StatusHealthy}
	}))

	srv := httptest.NewServer(newServer(":0", reg, registry).Handler)
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		var buf bytes.Buffer
		_, err = buf.ReadFrom(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, buf.String()
	}

	code, body := get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "test_total 1")

	code, _ = get("/healthz")
	assert.Equal(t, http.StatusOK, code)

	code, body = get("/readyz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", body)

	down.Store(true)
	code, _ = get("/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	code, _ = get("/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, body = get("/livez")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alive", body)
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "commit: unknown")
}
