package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Default connection parameters
const (
	DefaultPort          = 5672
	DefaultVHost         = "/"
	DefaultSocketTimeout = time.Second
	DefaultHeartbeat     = 10 * time.Second
)

// Channel is the subset of *amqp.Channel the consumer drives.
// *amqp.Channel satisfies it directly.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Ack(tag uint64, multiple bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Cancel(consumer string, noWait bool) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	NotifyCancel(c chan string) chan string
	Close() error
}

// Connection is the subset of *amqp.Connection the consumer drives
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
	IsClosed() bool
}

// Dialer opens broker connections
type Dialer interface {
	Dial(ctx context.Context) (Connection, error)
}

// Config holds the broker connection parameters
type Config struct {
	Host          string
	Port          int
	VHost         string
	User          string
	Password      string
	SocketTimeout time.Duration
	Heartbeat     time.Duration
}

// withDefaults fills unset fields
func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.VHost == "" {
		c.VHost = DefaultVHost
	}
	if c.SocketTimeout <= 0 {
		c.SocketTimeout = DefaultSocketTimeout
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	return c
}

// URL returns the amqp:// URL for the configuration
func (c Config) URL() string {
	c = c.withDefaults()
	uri := amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.User,
		Password: c.Password,
		Vhost:    c.VHost,
	}
	return uri.String()
}

// AMQPDialer dials RabbitMQ with amqp091-go
type AMQPDialer struct {
	config Config
	logger *slog.Logger
}

// DialerOption configures the AMQPDialer
type DialerOption func(*AMQPDialer)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) DialerOption {
	return func(d *AMQPDialer) {
		d.logger = logger
	}
}

// NewDialer creates a dialer for the given broker configuration
func NewDialer(config Config, options ...DialerOption) *AMQPDialer {
	d := &AMQPDialer{
		config: config.withDefaults(),
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// Dial opens a connection. The socket timeout bounds the TCP connect and the
// protocol handshake; ctx can abandon the attempt earlier.
func (d *AMQPDialer) Dial(ctx context.Context) (Connection, error) {
	cfg := d.config
	uri := cfg.URL()

	amqpCfg := amqp.Config{
		SASL:      []amqp.Authentication{&amqp.PlainAuth{Username: cfg.User, Password: cfg.Password}},
		Vhost:     cfg.VHost,
		Heartbeat: cfg.Heartbeat,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(cfg.SocketTimeout),
	}

	connChan := make(chan *amqp.Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := amqp.DialConfig(uri, amqpCfg)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		d.logger.Info("connected to RabbitMQ", "url", SanitizeURL(uri))
		return amqpConnection{conn}, nil

	case err := <-errChan:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			err = fmt.Errorf("%w: %w", ErrConnectionTimeout, err)
		}
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(uri),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}

	case <-ctx.Done():
		// Close a connection that completes after we gave up on it
		go func() {
			select {
			case conn := <-connChan:
				_ = conn.Close()
			case <-errChan:
			}
		}()
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(uri),
			Err:       ctx.Err(),
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}
}

// amqpConnection adapts *amqp.Connection to Connection
type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// SanitizeURL removes the password from a connection URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}

// HostPort formats a host and port for logging
func HostPort(c Config) string {
	c = c.withDefaults()
	return c.Host + ":" + strconv.Itoa(c.Port)
}
