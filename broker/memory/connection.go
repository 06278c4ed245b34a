package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mmate-connector/broker"
	"github.com/glimte/mmate-connector/broker/selector"
)

// Connection is a connection to a Broker.
type Connection struct {
	b        *Broker
	clientID string

	mu        sync.Mutex
	sessions  []*Session
	temps     []string
	listener  func(error)
	startOnce sync.Once
	started   chan struct{}

	closed     atomic.Bool
	broken     atomic.Bool
	closeCalls atomic.Int32
}

var _ broker.Connection = (*Connection)(nil)

// ClientID returns the client id the connection was dialled with.
func (c *Connection) ClientID() string {
	return c.clientID
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool {
	return c.closed.Load()
}

// CloseCalls returns the number of times Close was called, including calls
// on an already closed connection.
func (c *Connection) CloseCalls() int {
	return int(c.closeCalls.Load())
}

func (c *Connection) Capabilities() broker.Capabilities {
	return broker.Capabilities{DeliveryCountSelector: c.b.deliveryCount}
}

func (c *Connection) usable() error {
	switch {
	case c.closed.Load():
		return broker.ErrClosed
	case c.broken.Load():
		return broker.ErrConnectionLost
	}
	return nil
}

func (c *Connection) CreateSession(transacted bool) (broker.Session, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	s := &Session{c: c, transacted: transacted}
	c.mu.Lock()
	c.sessions = append(c.sessions, s)
	c.mu.Unlock()
	return s, nil
}

func (c *Connection) Start() error {
	if err := c.usable(); err != nil {
		return err
	}
	c.startOnce.Do(func() { close(c.started) })
	return nil
}

func (c *Connection) SetExceptionListener(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = fn
}

// Fail marks the connection as lost and calls the exception listener on the
// calling goroutine. Blocked receivers return broker.ErrConnectionLost.
func (c *Connection) Fail(err error) {
	if err == nil {
		err = broker.ErrConnectionLost
	}
	c.broken.Store(true)

	c.b.mu.Lock()
	c.b.notifyLocked()
	c.b.mu.Unlock()

	c.mu.Lock()
	fn := c.listener
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (c *Connection) Close() error {
	c.closeCalls.Add(1)
	if c.closed.Swap(true) {
		return nil
	}

	c.mu.Lock()
	sessions := c.sessions
	temps := c.temps
	c.sessions = nil
	c.temps = nil
	c.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}

	c.b.mu.Lock()
	for _, name := range temps {
		delete(c.b.queues, name)
	}
	delete(c.b.conns, c)
	c.b.notifyLocked()
	c.b.mu.Unlock()
	return nil
}

type pendingSend struct {
	dest broker.Address
	msg  *broker.Message
}

type pendingAck struct {
	q   *queue
	msg *broker.Message
}

// Session is a session on a Connection.
type Session struct {
	c          *Connection
	transacted bool

	mu        sync.Mutex
	sends     []pendingSend
	acks      []pendingAck
	consumers []*Consumer
	closed    atomic.Bool
}

var _ broker.Session = (*Session)(nil)

func (s *Session) Transacted() bool {
	return s.transacted
}

func (s *Session) usable() error {
	if s.closed.Load() {
		return broker.ErrClosed
	}
	return s.c.usable()
}

func (s *Session) Send(ctx context.Context, dest broker.Address, msg *broker.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := s.usable(); err != nil {
		return "", err
	}
	m := prepare(dest, msg)
	s.c.b.sends.Add(1)

	if s.transacted {
		s.mu.Lock()
		s.sends = append(s.sends, pendingSend{dest: dest, msg: m})
		s.mu.Unlock()
		return m.ID, nil
	}

	b := s.c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enqueueLocked(dest, m); err != nil {
		return "", err
	}
	b.notifyLocked()
	return m.ID, nil
}

func (s *Session) CreateConsumer(dest broker.Address, sel string) (broker.Consumer, error) {
	return s.createConsumer(dest, "", sel)
}

func (s *Session) CreateDurableSubscriber(topicAddr broker.Address, name, sel string) (broker.Consumer, error) {
	if topicAddr.Kind != broker.Topic {
		return nil, broker.ErrNotTopic
	}
	if name == "" {
		return nil, errors.New("memory: durable subscription name is required")
	}
	return s.createConsumer(topicAddr, s.c.clientID+":"+name, sel)
}

func (s *Session) createConsumer(dest broker.Address, durableKey, sel string) (broker.Consumer, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	parsed, err := selector.Parse(sel)
	if err != nil {
		return nil, err
	}

	consumer := &Consumer{
		s:      s,
		sel:    parsed,
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}

	b := s.c.b
	b.mu.Lock()
	if dest.Kind == broker.Topic {
		consumer.sub = b.subscribeLocked(dest.Physical(), durableKey)
		consumer.q = consumer.sub.q
	} else {
		if dest.Temporary {
			if _, ok := b.queues[dest.Physical()]; !ok {
				b.mu.Unlock()
				return nil, broker.ErrClosed
			}
		}
		consumer.q = b.queueLocked(dest.Physical())
	}
	b.mu.Unlock()

	s.mu.Lock()
	s.consumers = append(s.consumers, consumer)
	s.mu.Unlock()
	return consumer, nil
}

func (s *Session) CreateTemporaryQueue() (broker.Address, error) {
	if err := s.usable(); err != nil {
		return broker.Address{}, err
	}
	name := "temp-" + uuid.NewString()

	b := s.c.b
	b.mu.Lock()
	b.queueLocked(name)
	b.mu.Unlock()

	s.c.mu.Lock()
	s.c.temps = append(s.c.temps, name)
	s.c.mu.Unlock()
	return broker.Address{Kind: broker.Queue, Name: name, Temporary: true}, nil
}

func (s *Session) Commit() error {
	if err := s.usable(); err != nil {
		return err
	}
	if !s.transacted {
		return errors.New("memory: commit on a non-transacted session")
	}
	s.mu.Lock()
	sends := s.sends
	s.sends = nil
	s.acks = nil
	s.mu.Unlock()

	b := s.c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for _, p := range sends {
		if err := b.enqueueLocked(p.dest, p.msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.notifyLocked()
	b.commits.Add(1)
	return firstErr
}

func (s *Session) Rollback() error {
	if err := s.usable(); err != nil {
		return err
	}
	if !s.transacted {
		return errors.New("memory: rollback on a non-transacted session")
	}
	s.rollback()
	s.c.b.rollbacks.Add(1)
	return nil
}

// rollback discards pending sends and returns received messages to the
// front of their queues with an incremented delivery count.
func (s *Session) rollback() {
	s.mu.Lock()
	acks := s.acks
	s.sends = nil
	s.acks = nil
	s.mu.Unlock()
	if len(acks) == 0 {
		return
	}

	b := s.c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(acks) - 1; i >= 0; i-- {
		a := acks[i]
		a.msg.DeliveryCount++
		a.msg.Redelivered = true
		a.q.msgs = append([]*broker.Message{a.msg}, a.q.msgs...)
	}
	b.notifyLocked()
}

func (s *Session) delivered(q *queue, m *broker.Message) {
	if !s.transacted {
		return
	}
	s.mu.Lock()
	s.acks = append(s.acks, pendingAck{q: q, msg: m})
	s.mu.Unlock()
}

func (s *Session) Close() error {
	s.close()
	return nil
}

func (s *Session) close() {
	if s.closed.Swap(true) {
		return
	}
	s.mu.Lock()
	consumers := s.consumers
	s.consumers = nil
	s.mu.Unlock()
	for _, c := range consumers {
		_ = c.Close()
	}
	if s.transacted {
		s.rollback()
	}
}

// Consumer receives from one queue or subscription.
type Consumer struct {
	s   *Session
	q   *queue
	sub *subscription
	sel *selector.Selector

	closeOnce sync.Once
	closed    chan struct{}
	listening atomic.Bool
	done      chan struct{}
}

var _ broker.Consumer = (*Consumer)(nil)

type waitMode int

const (
	noWait waitMode = iota
	timed
	forever
)

func (c *Consumer) Receive(ctx context.Context, timeout time.Duration) (*broker.Message, error) {
	if timeout <= 0 {
		return c.receive(ctx, 0, forever)
	}
	return c.receive(ctx, timeout, timed)
}

func (c *Consumer) ReceiveNoWait() (*broker.Message, error) {
	return c.receive(context.Background(), 0, noWait)
}

func (c *Consumer) receive(ctx context.Context, timeout time.Duration, mode waitMode) (*broker.Message, error) {
	var expired <-chan time.Time
	if mode == timed {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	b := c.s.c.b
	for {
		select {
		case <-c.closed:
			return nil, broker.ErrClosed
		default:
		}
		if err := c.s.usable(); err != nil {
			return nil, err
		}

		b.mu.Lock()
		m := c.q.take(func(m *broker.Message) bool { return c.sel.Matches(m) }, time.Now())
		changed := b.changed
		b.mu.Unlock()

		if m != nil {
			c.s.delivered(c.q, m)
			return m.Clone(), nil
		}
		if mode == noWait {
			return nil, nil
		}

		select {
		case <-changed:
		case <-expired:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.closed:
			return nil, broker.ErrClosed
		}
	}
}

func (c *Consumer) SetListener(fn func(*broker.Message)) error {
	if err := c.s.usable(); err != nil {
		return err
	}
	if !c.listening.CompareAndSwap(false, true) {
		return errors.New("memory: listener already set")
	}
	started := c.s.c.started
	go func() {
		defer close(c.done)
		select {
		case <-started:
		case <-c.closed:
			return
		}
		for {
			m, err := c.receive(context.Background(), 0, forever)
			if err != nil {
				return
			}
			fn(m)
		}
	}()
	return nil
}

func (c *Consumer) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		b := c.s.c.b
		b.mu.Lock()
		b.unsubscribeLocked(c.sub)
		b.mu.Unlock()
	})
	return nil
}
