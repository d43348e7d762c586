package rabbitmq

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := Config{}.withDefaults()

		assert.Equal(t, "localhost", cfg.Host)
		assert.Equal(t, DefaultPort, cfg.Port)
		assert.Equal(t, "/", cfg.VHost)
		assert.Equal(t, time.Second, cfg.SocketTimeout)
	})

	t.Run("URL", func(t *testing.T) {
		cfg := Config{Host: "rabbit", Port: 5673, User: "bot", Password: "pw", VHost: "bots"}
		assert.Equal(t, "amqp://bot:pw@rabbit:5673/bots", cfg.URL())
		assert.Equal(t, "rabbit:5673", HostPort(cfg))
	})
}

func TestAMQPDialer(t *testing.T) {
	t.Run("NewDialer applies options", func(t *testing.T) {
		logger := slog.Default()
		d := NewDialer(Config{Host: "rabbit"}, WithLogger(logger))

		assert.Equal(t, "rabbit", d.config.Host)
		assert.Equal(t, DefaultSocketTimeout, d.config.SocketTimeout)
		assert.Equal(t, logger, d.logger)
	})

	t.Run("Dial with cancelled context fails", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		// Port 1 on localhost refuses or is cancelled first; either way no connection.
		d := NewDialer(Config{Host: "127.0.0.1", Port: 1, SocketTimeout: 50 * time.Millisecond})
		conn, err := d.Dial(ctx)

		require.Error(t, err)
		assert.Nil(t, conn)
		var connErr *ConnectionError
		assert.ErrorAs(t, err, &connErr)
		assert.Equal(t, "connect", connErr.Op)
	})
}
