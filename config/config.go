// Package config loads consumer configuration from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vibebot/vibebot-go/internal/rabbitmq"
)

// Config holds all configuration for a consumer process.
type Config struct {
	Consumer ConsumerConfig `yaml:"consumer"`
	Broker   BrokerConfig   `yaml:"broker"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// ConsumerConfig identifies the consumer and sizes the group.
type ConsumerConfig struct {
	BotID          string        `yaml:"bot_id"`
	Exchange       string        `yaml:"exchange"`
	ExchangeType   string        `yaml:"exchange_type"` // kind sent with the passive check
	Instances      int           `yaml:"instances"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	StatsWindow    int           `yaml:"stats_window"`
	Handler        string        `yaml:"handler"` // built-in handler name used by the CLI

	// Forward handler target; empty exchange means the default exchange
	ForwardExchange string `yaml:"forward_exchange"`
	ForwardQueue    string `yaml:"forward_queue"`
}

// BrokerConfig holds RabbitMQ connection settings.
type BrokerConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	VHost         string        `yaml:"vhost"`
	User          string        `yaml:"user"`
	Password      string        `yaml:"password"`
	SocketTimeout time.Duration `yaml:"socket_timeout"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// MetricsConfig holds the HTTP listener serving /metrics and health endpoints.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Environment variables that override file values
const (
	EnvRabbitHost     = "RABBIT_HOST"
	EnvRabbitPort     = "RABBIT_PORT"
	EnvRabbitVHost    = "RABBIT_VHOST"
	EnvRabbitUser     = "RABBIT_USER"
	EnvRabbitPassword = "RABBIT_PASSWORD"
	EnvBotID          = "BOT_ID"
	EnvExchange       = "EXCHANGE"
	EnvInstances      = "CONSUMER_INSTANCES"
	EnvLogLevel       = "LOG_LEVEL"
	EnvLogFormat      = "LOG_FORMAT"
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Consumer: ConsumerConfig{
			ExchangeType:   rabbitmq.DefaultExchangeType,
			Instances:      1,
			ReconnectDelay: 5 * time.Second,
			StatsWindow:    100,
			Handler:        "log",
		},
		Broker: BrokerConfig{
			Host:          "localhost",
			Port:          rabbitmq.DefaultPort,
			VHost:         rabbitmq.DefaultVHost,
			User:          "guest",
			Password:      "guest",
			SocketTimeout: rabbitmq.DefaultSocketTimeout,
			Heartbeat:     rabbitmq.DefaultHeartbeat,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Addr:      ":9090",
			Namespace: "vibebot",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the file (if any), applies environment overrides and validates.
// A missing file is not an error.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides fields from the environment
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", key, err)
		}
		*dst = n
		return nil
	}

	str(EnvRabbitHost, &c.Broker.Host)
	str(EnvRabbitVHost, &c.Broker.VHost)
	str(EnvRabbitUser, &c.Broker.User)
	str(EnvRabbitPassword, &c.Broker.Password)
	str(EnvBotID, &c.Consumer.BotID)
	str(EnvExchange, &c.Consumer.Exchange)
	str(EnvLogLevel, &c.Log.Level)
	str(EnvLogFormat, &c.Log.Format)

	if err := num(EnvRabbitPort, &c.Broker.Port); err != nil {
		return err
	}
	return num(EnvInstances, &c.Consumer.Instances)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Consumer.BotID == "" {
		return fmt.Errorf("consumer.bot_id cannot be empty")
	}
	if c.Consumer.Exchange == "" {
		return fmt.Errorf("consumer.exchange cannot be empty")
	}
	if c.Consumer.Instances < 1 {
		return fmt.Errorf("consumer.instances must be at least 1")
	}
	if c.Consumer.ReconnectDelay <= 0 {
		return fmt.Errorf("consumer.reconnect_delay must be positive")
	}
	if c.Consumer.StatsWindow < 1 {
		return fmt.Errorf("consumer.stats_window must be at least 1")
	}

	if c.Broker.Host == "" {
		return fmt.Errorf("broker.host cannot be empty")
	}
	if c.Broker.Port < 1 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker.port must be between 1 and 65535")
	}
	if c.Broker.SocketTimeout <= 0 {
		return fmt.Errorf("broker.socket_timeout must be positive")
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr required when metrics are enabled")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Log.Format)] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	return nil
}

// BrokerConnection converts the broker section to transport settings
func (c *Config) BrokerConnection() rabbitmq.Config {
	return rabbitmq.Config{
		Host:          c.Broker.Host,
		Port:          c.Broker.Port,
		VHost:         c.Broker.VHost,
		User:          c.Broker.User,
		Password:      c.Broker.Password,
		SocketTimeout: c.Broker.SocketTimeout,
		Heartbeat:     c.Broker.Heartbeat,
	}
}
