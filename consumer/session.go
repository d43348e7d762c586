package consumer

import (
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/vibebot/vibebot-go/internal/rabbitmq"
)

// Subscription is an active consume on the consumer's queue
type Subscription struct {
	ConsumerTag string
	Queue       string
	Prefetch    int
}

// session holds the handles of one connection. A reconnect builds a new session;
// an old one is never reused. Notification fields are set to nil once handled so
// the event loop stops selecting on them.
type session struct {
	conn       rabbitmq.Connection
	connClosed chan *amqp.Error

	ch         rabbitmq.Channel
	chanClosed chan *amqp.Error
	cancelled  chan string
	deliveries <-chan amqp.Delivery

	closingChannel    bool
	channelDone       bool
	closingConnection bool
}

func newSession(conn rabbitmq.Connection) *session {
	return &session{
		conn:       conn,
		connClosed: conn.NotifyClose(make(chan *amqp.Error, 1)),
	}
}

// attach registers the close notification for a newly opened channel
func (s *session) attach(ch rabbitmq.Channel) {
	s.ch = ch
	s.chanClosed = ch.NotifyClose(make(chan *amqp.Error, 1))
}

// closeReason converts a close notification to an error, keeping nil as nil
func closeReason(err *amqp.Error) error {
	if err == nil {
		return nil
	}
	return err
}
