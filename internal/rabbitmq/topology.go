package rabbitmq

import (
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchangeType is the kind sent with the passive exchange check
const DefaultExchangeType = amqp.ExchangeFanout

// TopologyManager declares the queues and bindings a consumer needs
type TopologyManager struct {
	logger *slog.Logger
}

// ExchangeDeclaration defines an exchange to be checked
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// ConsumerTopology is everything a consumer needs on the broker before it can consume
type ConsumerTopology struct {
	Exchange   ExchangeDeclaration
	Queue      QueueDeclaration
	Binding    Binding
	ErrorQueue QueueDeclaration
}

// NewConsumerTopology builds the topology for a consumer: a durable queue bound to the
// exchange with an empty routing key, plus a durable error queue.
func NewConsumerTopology(exchange, exchangeType, queue, errorQueue string) ConsumerTopology {
	if exchangeType == "" {
		exchangeType = DefaultExchangeType
	}
	return ConsumerTopology{
		Exchange: ExchangeDeclaration{
			Name:    exchange,
			Type:    exchangeType,
			Durable: true,
		},
		Queue: QueueDeclaration{
			Name:    queue,
			Durable: true,
		},
		Binding: Binding{
			Queue:      queue,
			Exchange:   exchange,
			RoutingKey: "",
		},
		ErrorQueue: QueueDeclaration{
			Name:    errorQueue,
			Durable: true,
		},
	}
}

// TopologyOption configures the topology manager
type TopologyOption func(*TopologyManager)

// WithTopologyLogger sets the logger
func WithTopologyLogger(logger *slog.Logger) TopologyOption {
	return func(tm *TopologyManager) {
		tm.logger = logger
	}
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(options ...TopologyOption) *TopologyManager {
	tm := &TopologyManager{
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(tm)
	}

	return tm
}

// Setup runs the four setup steps in order, each gated on the previous one:
// passive exchange check, queue declare, bind, error queue declare.
// The exchange is never created here; it must already exist.
func (tm *TopologyManager) Setup(ch Channel, topology ConsumerTopology) error {
	if err := tm.checkExchange(ch, topology.Exchange); err != nil {
		return err
	}

	tm.logger.Info("declaring queue", "queue", topology.Queue.Name)
	if _, err := tm.declareQueue(ch, topology.Queue); err != nil {
		return err
	}

	tm.logger.Info("binding queue",
		"exchange", topology.Binding.Exchange,
		"queue", topology.Binding.Queue,
		"routingKey", topology.Binding.RoutingKey,
	)
	if err := tm.bindQueue(ch, topology.Binding); err != nil {
		return err
	}

	tm.logger.Info("declaring error queue", "queue", topology.ErrorQueue.Name)
	if _, err := tm.declareQueue(ch, topology.ErrorQueue); err != nil {
		return err
	}

	tm.logger.Info("topology ready",
		"queue", topology.Queue.Name,
		"errorQueue", topology.ErrorQueue.Name,
	)
	return nil
}

// checkExchange verifies the exchange exists without creating it
func (tm *TopologyManager) checkExchange(ch Channel, exchange ExchangeDeclaration) error {
	err := ch.ExchangeDeclarePassive(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "check", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// declareQueue declares a queue on the given channel
func (tm *TopologyManager) declareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return q, &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return q, nil
}

// bindQueue binds a queue to an exchange on the given channel
func (tm *TopologyManager) bindQueue(ch Channel, binding Binding) error {
	err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "binding", Name: binding.Queue + "->" + binding.Exchange, Op: "create", Err: err, Timestamp: time.Now()}
	}
	return nil
}
