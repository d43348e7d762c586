package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Consumer.BotID = "bot1"
	cfg.Consumer.Exchange = "chat"
	return cfg
}

func clearEnv(t *testing.T) {
	for _, key := range []string{
		EnvRabbitHost, EnvRabbitPort, EnvRabbitVHost, EnvRabbitUser, EnvRabbitPassword,
		EnvBotID, EnvExchange, EnvInstances, EnvLogLevel, EnvLogFormat,
	} {
		t.Setenv(key, "")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "fanout", cfg.Consumer.ExchangeType)
	assert.Equal(t, 1, cfg.Consumer.Instances)
	assert.Equal(t, 5*time.Second, cfg.Consumer.ReconnectDelay)
	assert.Equal(t, 100, cfg.Consumer.StatsWindow)
	assert.Equal(t, 5672, cfg.Broker.Port)
	assert.Equal(t, "/", cfg.Broker.VHost)
	assert.Equal(t, time.Second, cfg.Broker.SocketTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"missing bot id", func(c *Config) { c.Consumer.BotID = "" }, true},
		{"missing exchange", func(c *Config) { c.Consumer.Exchange = "" }, true},
		{"no instances", func(c *Config) { c.Consumer.Instances = 0 }, true},
		{"zero reconnect delay", func(c *Config) { c.Consumer.ReconnectDelay = 0 }, true},
		{"zero stats window", func(c *Config) { c.Consumer.StatsWindow = 0 }, true},
		{"bad port", func(c *Config) { c.Broker.Port = 70000 }, true},
		{"empty host", func(c *Config) { c.Broker.Host = "" }, true},
		{"zero socket timeout", func(c *Config) { c.Broker.SocketTimeout = 0 }, true},
		{"metrics without addr", func(c *Config) { c.Metrics.Addr = "" }, true},
		{"metrics disabled without addr", func(c *Config) { c.Metrics.Enabled = false; c.Metrics.Addr = "" }, false},
		{"bad log level", func(c *Config) { c.Log.Level = "trace" }, true},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, true},
		{"uppercase log level", func(c *Config) { c.Log.Level = "DEBUG" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvRabbitHost:     "rabbit.internal",
		EnvRabbitPort:     "5673",
		EnvRabbitPassword: "secret",
		EnvBotID:          "bot9",
		EnvInstances:      "4",
		EnvLogFormat:      "",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg := validConfig()
	require.NoError(t, cfg.ApplyEnv(lookup))

	assert.Equal(t, "rabbit.internal", cfg.Broker.Host)
	assert.Equal(t, 5673, cfg.Broker.Port)
	assert.Equal(t, "secret", cfg.Broker.Password)
	assert.Equal(t, "bot9", cfg.Consumer.BotID)
	assert.Equal(t, "chat", cfg.Consumer.Exchange)
	assert.Equal(t, 4, cfg.Consumer.Instances)
	assert.Equal(t, "json", cfg.Log.Format, "empty values do not override")

	env[EnvRabbitPort] = "not-a-port"
	assert.Error(t, cfg.ApplyEnv(lookup))
}

func TestLoad(t *testing.T) {
	t.Run("reads yaml with durations", func(t *testing.T) {
		clearEnv(t)
		path := filepath.Join(t.TempDir(), "consumer.yaml")
		data := `
consumer:
  bot_id: bot1
  exchange: chat
  instances: 3
  reconnect_delay: 2s
broker:
  host: rabbit
  socket_timeout: 500ms
log:
  format: text
`
		require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "bot1", cfg.Consumer.BotID)
		assert.Equal(t, 3, cfg.Consumer.Instances)
		assert.Equal(t, 2*time.Second, cfg.Consumer.ReconnectDelay)
		assert.Equal(t, "rabbit", cfg.Broker.Host)
		assert.Equal(t, 500*time.Millisecond, cfg.Broker.SocketTimeout)
		assert.Equal(t, 5672, cfg.Broker.Port, "unset fields keep defaults")
		assert.Equal(t, "text", cfg.Log.Format)
	})

	t.Run("environment overrides the file", func(t *testing.T) {
		clearEnv(t)
		t.Setenv(EnvExchange, "orders")
		path := filepath.Join(t.TempDir(), "consumer.yaml")
		require.NoError(t, os.WriteFile(path, []byte("consumer:\n  bot_id: bot1\n  exchange: chat\n"), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "orders", cfg.Consumer.Exchange)
	})

	t.Run("missing file uses defaults and env", func(t *testing.T) {
		clearEnv(t)
		t.Setenv(EnvBotID, "bot1")
		t.Setenv(EnvExchange, "chat")

		cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, "bot1", cfg.Consumer.BotID)
	})

	t.Run("invalid result is rejected", func(t *testing.T) {
		clearEnv(t)
		_, err := Load("")
		assert.ErrorContains(t, err, "bot_id")
	})

	t.Run("malformed yaml", func(t *testing.T) {
		clearEnv(t)
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("consumer: [unclosed"), 0o600))

		_, err := Load(path)
		assert.ErrorContains(t, err, "failed to parse")
	})
}

func TestBrokerConnection(t *testing.T) {
	cfg := validConfig()
	cfg.Broker.User = "u"
	conn := cfg.BrokerConnection()

	assert.Equal(t, "localhost", conn.Host)
	assert.Equal(t, 5672, conn.Port)
	assert.Equal(t, "u", conn.User)
	assert.Equal(t, time.Second, conn.SocketTimeout)
}
