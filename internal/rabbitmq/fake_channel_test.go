package rabbitmq

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type publishCall struct {
	exchange, key string
	msg           amqp.Publishing
}

// fakeChannel records channel operations. Queued deliveries are served by Get
// and Consume in order.
type fakeChannel struct {
	mu        sync.Mutex
	published []publishCall
	declared  []QueueDeclaration
	bindings  []Binding
	queue     []amqp.Delivery
	acks      []uint64
	nacks     []uint64
	commits   int
	rollbacks int
	cancelled []string
	closed    bool
	nextTag   uint64
	serverSeq int
	consumed  chan amqp.Delivery

	publishErr error
}

var _ channel = (*fakeChannel)(nil)

func (f *fakeChannel) push(d amqp.Delivery) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTag++
	d.DeliveryTag = f.nextTag
	f.queue = append(f.queue, d)
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishCall{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, _ bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declared = append(f.declared, QueueDeclaration{Name: name, Durable: durable, AutoDelete: autoDelete, Exclusive: exclusive, Arguments: args})
	if name == "" {
		f.serverSeq++
		name = fmt.Sprintf("amq.gen-%d", f.serverSeq)
	}
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, _ bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings = append(f.bindings, Binding{Queue: name, Exchange: exchange, RoutingKey: key, Arguments: args})
	return nil
}

func (f *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumed = make(chan amqp.Delivery, len(f.queue)+1)
	for _, d := range f.queue {
		f.consumed <- d
	}
	f.queue = nil
	return f.consumed, nil
}

func (f *fakeChannel) Get(string, bool) (amqp.Delivery, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return amqp.Delivery{}, false, nil
	}
	d := f.queue[0]
	f.queue = f.queue[1:]
	return d, true, nil
}

func (f *fakeChannel) Cancel(consumer string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, consumer)
	if f.consumed != nil {
		close(f.consumed)
		f.consumed = nil
	}
	return nil
}

func (f *fakeChannel) Ack(tag uint64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, tag)
	return nil
}

func (f *fakeChannel) Nack(tag uint64, _, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacks = append(f.nacks, tag)
	return nil
}

func (f *fakeChannel) TxCommit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	return nil
}

func (f *fakeChannel) TxRollback() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbacks++
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type channelState struct {
	published []publishCall
	acks      []uint64
	nacks     []uint64
	commits   int
	rollbacks int
}

func (f *fakeChannel) snapshot() channelState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return channelState{
		published: append([]publishCall(nil), f.published...),
		acks:      append([]uint64(nil), f.acks...),
		nacks:     append([]uint64(nil), f.nacks...),
		commits:   f.commits,
		rollbacks: f.rollbacks,
	}
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// testSession returns a session on a fake channel whose connection is
// already started.
func testSession(transacted bool) (*Session, *fakeChannel) {
	conn := &Connection{clientID: "client-1", logger: discardLogger, started: make(chan struct{})}
	close(conn.started)
	ch := &fakeChannel{}
	return newSession(conn, ch, transacted), ch
}
