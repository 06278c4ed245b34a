// Package broker defines the session-oriented messaging abstraction the
// connector is written against.
//
// A Dialer opens a Connection to one broker. Connections create Sessions,
// which are either transacted (sends and acknowledgements become visible on
// Commit and are undone by Rollback) or auto-acknowledged. Consumers are
// created from a session and inherit its transactional behaviour.
//
// Drivers live in internal/rabbitmq (AMQP 0-9-1) and broker/memory (in-process).
package broker

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed         = errors.New("broker: closed")
	ErrConnectionLost = errors.New("broker: connection lost")
	ErrNotTopic       = errors.New("broker: durable subscriptions require a topic")
	ErrUnavailable    = errors.New("broker: unavailable")
)

// DeliveryCountProperty is the property carrying the number of delivery
// attempts for a message, starting at 1.
const DeliveryCountProperty = "JMSXDeliveryCount"

// Options describe the connection a Dialer should open.
type Options struct {
	URL      string
	Username string
	Password string
	// ClientID identifies the connection; durable subscriptions are scoped by it.
	ClientID string
	Timeout  time.Duration
}

// Capabilities report optional broker features.
type Capabilities struct {
	// DeliveryCountSelector is true when consumers may filter on
	// JMSXDeliveryCount inside a selector.
	DeliveryCountSelector bool
}

// Dialer opens connections to a broker.
type Dialer interface {
	Dial(ctx context.Context, opts Options) (Connection, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, opts Options) (Connection, error)

func (f DialerFunc) Dial(ctx context.Context, opts Options) (Connection, error) {
	return f(ctx, opts)
}

// Connection is one physical connection to a broker.
type Connection interface {
	CreateSession(transacted bool) (Session, error)
	// Start begins delivery to message listeners. Synchronous receives work
	// before Start.
	Start() error
	// SetExceptionListener registers fn to be called when the connection is
	// lost. Drivers may call it more than once and from any goroutine.
	SetExceptionListener(fn func(error))
	Capabilities() Capabilities
	Close() error
}

// Session is a single-threaded context for producing and consuming.
type Session interface {
	Transacted() bool
	// Send delivers msg to dest and returns the assigned message id.
	Send(ctx context.Context, dest Address, msg *Message) (string, error)
	CreateConsumer(dest Address, selector string) (Consumer, error)
	CreateDurableSubscriber(topic Address, name, selector string) (Consumer, error)
	CreateTemporaryQueue() (Address, error)
	Commit() error
	Rollback() error
	Close() error
}

// Consumer receives messages from one destination.
type Consumer interface {
	// Receive blocks up to timeout for a message. It returns nil, nil when
	// the timeout expires.
	Receive(ctx context.Context, timeout time.Duration) (*Message, error)
	ReceiveNoWait() (*Message, error)
	// SetListener switches the consumer to asynchronous delivery. Messages
	// are passed to fn one at a time once the connection is started.
	SetListener(fn func(*Message)) error
	Close() error
}
