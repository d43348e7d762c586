package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentity(t *testing.T) {
	t.Run("queue names are derived from identity", func(t *testing.T) {
		id, err := NewIdentity("bot42", "chat", 3)
		require.NoError(t, err)

		assert.Equal(t, "chat-bot42", id.QueueName())
		assert.Equal(t, "error-bot42-chat", id.ErrorQueueName())
		assert.Equal(t, "bot42/chat#3", id.String())
	})

	t.Run("WithIndex keeps queue names", func(t *testing.T) {
		id := Identity{BotID: "b", Exchange: "e"}
		other := id.WithIndex(7)

		assert.Equal(t, 0, id.Index)
		assert.Equal(t, 7, other.Index)
		assert.Equal(t, id.QueueName(), other.QueueName())
		assert.Equal(t, id.ErrorQueueName(), other.ErrorQueueName())
	})

	t.Run("validation", func(t *testing.T) {
		_, err := NewIdentity("", "e", 0)
		assert.ErrorIs(t, err, ErrMissingBotID)

		_, err = NewIdentity("b", "", 0)
		assert.ErrorIs(t, err, ErrMissingExchange)

		_, err = NewIdentity("b", "e", -1)
		assert.Error(t, err)
	})
}

func TestOutboundMessage(t *testing.T) {
	id := Identity{BotID: "bot", Exchange: "events"}

	t.Run("defaults to consumer exchange and queue", func(t *testing.T) {
		exchange, key := NewOutboundMessage([]byte("x")).Target(id)
		assert.Equal(t, "events", exchange)
		assert.Equal(t, "events-bot", key)
	})

	t.Run("explicit empty exchange is kept", func(t *testing.T) {
		msg := NewOutboundMessage([]byte("x")).WithExchange("").WithQueue("replies")
		exchange, key := msg.Target(id)
		assert.Equal(t, "", exchange)
		assert.Equal(t, "replies", key)
	})

	t.Run("NewJSONMessage encodes body", func(t *testing.T) {
		msg, err := NewJSONMessage(map[string]int{"n": 1})
		require.NoError(t, err)
		assert.JSONEq(t, `{"n":1}`, string(msg.Body))
		assert.Equal(t, "application/json", msg.ContentType)
	})
}
