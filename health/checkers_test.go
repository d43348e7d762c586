package health

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"

	"github.com/vibebot/vibebot-go/consumer"
	"github.com/vibebot/vibebot-go/contracts"
	"github.com/vibebot/vibebot-go/internal/rabbitmq/rabbitmqtest"
)

type staticSource []consumer.Status

func (s staticSource) Statuses() []consumer.Status {
	return s
}

func statuses(states ...consumer.State) staticSource {
	id := contracts.Identity{BotID: "bot1", Exchange: "chat"}
	out := make(staticSource, 0, len(states))
	for i, state := range states {
		out = append(out, consumer.Status{Identity: id.WithIndex(i), State: state})
	}
	return out
}

func TestConsumerChecker(t *testing.T) {
	tests := []struct {
		name   string
		source staticSource
		want   Status
	}{
		{"all consuming", statuses(consumer.StateConsuming, consumer.StateConsuming), StatusHealthy},
		{"some consuming", statuses(consumer.StateConsuming, consumer.StateConnecting), StatusDegraded},
		{"none consuming", statuses(consumer.StateConnecting, consumer.StateClosed), StatusUnhealthy},
		{"no instances", statuses(), StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NewConsumerChecker(tt.source).Check(context.Background())
			assert.Equal(t, "consumers", result.Name)
			assert.Equal(t, tt.want, result.Status)
			assert.Equal(t, len(tt.source), result.Details["instances"])
		})
	}

	t.Run("details list every instance", func(t *testing.T) {
		result := NewConsumerChecker(statuses(consumer.StateConsuming, consumer.StateClosing)).Check(context.Background())
		assert.Equal(t, "consuming", result.Details["bot1/chat#0"])
		assert.Equal(t, "closing", result.Details["bot1/chat#1"])
		assert.Equal(t, 1, result.Details["consuming"])
	})
}

func TestBrokerChecker(t *testing.T) {
	t.Run("healthy when the exchange exists", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.AddExchange("chat", amqp.ExchangeFanout)
		dialer := rabbitmqtest.NewDialer(broker)

		result := NewBrokerChecker(dialer, "chat", "", nil).Check(context.Background())
		assert.Equal(t, StatusHealthy, result.Status)
		assert.True(t, dialer.Last().IsClosed())
	})

	t.Run("unhealthy when the exchange is missing", func(t *testing.T) {
		dialer := rabbitmqtest.NewDialer(rabbitmqtest.NewBroker())

		result := NewBrokerChecker(dialer, "chat", "", nil).Check(context.Background())
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Contains(t, result.Error, "NOT_FOUND")
		assert.True(t, dialer.Last().IsClosed())
	})

	t.Run("unhealthy when the broker is unreachable", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.FailOn("dial", errors.New("connection refused"))

		result := NewBrokerChecker(rabbitmqtest.NewDialer(broker), "chat", "", nil).Check(context.Background())
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "Failed to connect", result.Message)
	})
}

func TestRuntimeChecker(t *testing.T) {
	assert.Equal(t, StatusHealthy, NewRuntimeChecker(100000, 200000).Check(context.Background()).Status)
	assert.Equal(t, StatusDegraded, NewRuntimeChecker(0, 200000).Check(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, NewRuntimeChecker(0, 0).Check(context.Background()).Status)
}
