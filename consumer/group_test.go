package consumer

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibebot/vibebot-go/internal/rabbitmq"
	"github.com/vibebot/vibebot-go/internal/rabbitmq/rabbitmqtest"
)

func TestGroup(t *testing.T) {
	t.Run("rejects empty group", func(t *testing.T) {
		_, err := NewGroup(testIdentity, 0, rabbitmqtest.NewDialer(rabbitmqtest.NewBroker()), echoHandler())
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)
	})

	t.Run("runs independent instances", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.AddExchange("chat", amqp.ExchangeFanout)
		dialer := rabbitmqtest.NewDialer(broker)

		g, err := NewGroup(testIdentity, 3, dialer, echoHandler(), WithGroupLogger(discardLogger))
		require.NoError(t, err)
		require.NoError(t, g.Start(context.Background()))
		assert.ErrorIs(t, g.Start(context.Background()), ErrGroupStarted)

		require.Eventually(t, func() bool {
			for _, s := range g.Statuses() {
				if s.State != StateConsuming {
					return false
				}
			}
			return true
		}, waitFor, tick)

		statuses := g.Statuses()
		require.Len(t, statuses, 3)
		for i, s := range statuses {
			assert.Equal(t, i, s.Identity.Index)
			require.NotNil(t, s.Subscription)
			assert.Equal(t, "chat-bot1", s.Subscription.Queue)
			assert.True(t, strings.HasPrefix(s.Subscription.ConsumerTag, "bot1."+strconv.Itoa(i)+"."))
		}
		assert.Equal(t, 3, dialer.Dials())
		assert.Equal(t, []string{"chat-bot1", "error-bot1-chat"}, broker.Queues())

		require.NoError(t, g.Stop(context.Background()))
		g.Wait()
		for _, c := range g.Consumers() {
			assert.Equal(t, StateClosed, c.State())
		}
	})

	t.Run("reports abnormal exits", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		dialer := rabbitmqtest.NewDialer(broker)
		failures := make(chan Failure, 2)

		g, err := NewGroup(testIdentity, 2, dialer, echoHandler(),
			WithGroupLogger(discardLogger),
			WithFailures(failures),
		)
		require.NoError(t, err)
		require.NoError(t, g.Start(context.Background()))
		g.Wait()

		close(failures)
		var indices []int
		for f := range failures {
			assert.ErrorIs(t, f.Err, rabbitmq.ErrTopologyDeclarationFailed)
			assert.Equal(t, "bot1", f.Identity.BotID)
			indices = append(indices, f.Identity.Index)
		}
		sort.Ints(indices)
		assert.Equal(t, []int{0, 1}, indices)
	})

	t.Run("clean stop reports nothing", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.AddExchange("chat", amqp.ExchangeFanout)
		failures := make(chan Failure, 1)

		g, err := NewGroup(testIdentity, 1, rabbitmqtest.NewDialer(broker), echoHandler(),
			WithGroupLogger(discardLogger),
			WithFailures(failures),
		)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		require.NoError(t, g.Start(ctx))
		require.Eventually(t, func() bool {
			return g.Statuses()[0].State == StateConsuming
		}, waitFor, tick)

		cancel()
		g.Wait()
		assert.Empty(t, failures)
	})
}
