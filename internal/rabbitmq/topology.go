package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-connector/broker"
)

// topicExchange carries every topic address; the topic name is the routing
// key.
const topicExchange = "amq.topic"

// channel is the subset of *amqp.Channel a Session uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Cancel(consumer string, noWait bool) error
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	TxCommit() error
	TxRollback() error
	Close() error
}

var _ channel = (*amqp.Channel)(nil)

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

// route returns the exchange and routing key for a destination.
func route(dest broker.Address) (exchange, key string) {
	if dest.Kind == broker.Topic {
		return topicExchange, dest.Physical()
	}
	return "", dest.Physical()
}

// durableQueue is the declaration used for named queue addresses.
func durableQueue(name string) QueueDeclaration {
	return QueueDeclaration{Name: name, Durable: true}
}

// subscriptionQueue is the queue backing a topic consumer. Durable
// subscriptions get a stable name scoped by the client id; others get a
// server-named exclusive queue.
func subscriptionQueue(clientID, name string) QueueDeclaration {
	if name == "" {
		return QueueDeclaration{Exclusive: true, AutoDelete: true}
	}
	return QueueDeclaration{Name: clientID + "." + name, Durable: true}
}

// declareQueue declares a queue on the given channel
func declareQueue(ch channel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return q, &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: lost(err), Timestamp: time.Now()}
	}
	return q, nil
}

// bindQueue binds a queue to an exchange on the given channel
func bindQueue(ch channel, binding Binding) error {
	err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "binding", Name: binding.Queue, Op: "bind", Err: lost(err), Timestamp: time.Now()}
	}
	return nil
}
