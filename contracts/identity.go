package contracts

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrMissingBotID is returned when an identity has no bot identifier
	ErrMissingBotID = errors.New("contracts: bot id is required")
	// ErrMissingExchange is returned when an identity has no exchange
	ErrMissingExchange = errors.New("contracts: exchange is required")
)

// Identity identifies one consumer instance. It is immutable after construction.
type Identity struct {
	BotID    string
	Exchange string
	Index    int
}

// NewIdentity creates a validated identity
func NewIdentity(botID, exchange string, index int) (Identity, error) {
	id := Identity{BotID: botID, Exchange: exchange, Index: index}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// Validate checks the required fields
func (id Identity) Validate() error {
	if id.BotID == "" {
		return ErrMissingBotID
	}
	if id.Exchange == "" {
		return ErrMissingExchange
	}
	if id.Index < 0 {
		return fmt.Errorf("contracts: consumer index must not be negative, got %d", id.Index)
	}
	return nil
}

// QueueName returns the durable queue bound to the exchange: "<exchange>-<botId>".
func (id Identity) QueueName() string {
	return id.Exchange + "-" + id.BotID
}

// ErrorQueueName returns the dead-letter queue: "error-<botId>-<exchange>".
func (id Identity) ErrorQueueName() string {
	return "error-" + id.BotID + "-" + id.Exchange
}

// WithIndex returns a copy of the identity for another instance of the same consumer
func (id Identity) WithIndex(index int) Identity {
	id.Index = index
	return id
}

func (id Identity) String() string {
	return fmt.Sprintf("%s/%s#%d", id.BotID, id.Exchange, id.Index)
}

// LogValue implements slog.LogValuer
func (id Identity) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("botId", id.BotID),
		slog.String("exchange", id.Exchange),
		slog.Int("consumerIndex", id.Index),
	)
}
