package rabbitmq

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mmate-connector/broker"
	"github.com/glimte/mmate-connector/broker/selector"
)

// Session is a broker.Session on one AMQP channel. Acknowledgements are
// settled on Commit; Rollback requeues every unsettled delivery.
type Session struct {
	c          *Connection
	ch         channel
	transacted bool

	mu        sync.Mutex
	declared  map[string]bool
	pending   []uint64 // delivered, acked on commit
	skipped   []uint64 // rejected by a selector, requeued on commit
	consumers []*Consumer
	closed    atomic.Bool
}

var _ broker.Session = (*Session)(nil)

func newSession(c *Connection, ch channel, transacted bool) *Session {
	return &Session{
		c:          c,
		ch:         ch,
		transacted: transacted,
		declared:   make(map[string]bool),
	}
}

func (s *Session) Transacted() bool {
	return s.transacted
}

func (s *Session) usable() error {
	if s.closed.Load() || s.c.closed.Load() {
		return broker.ErrClosed
	}
	return nil
}

func (s *Session) ensureQueue(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.declared[name] {
		return nil
	}
	if _, err := declareQueue(s.ch, durableQueue(name)); err != nil {
		return err
	}
	s.declared[name] = true
	return nil
}

func (s *Session) CreateConsumer(dest broker.Address, sel string) (broker.Consumer, error) {
	return s.createConsumer(dest, "", sel)
}

func (s *Session) CreateDurableSubscriber(topic broker.Address, name, sel string) (broker.Consumer, error) {
	if topic.Kind != broker.Topic {
		return nil, broker.ErrNotTopic
	}
	if name == "" {
		return nil, errors.New("rabbitmq: durable subscription name is required")
	}
	return s.createConsumer(topic, name, sel)
}

func (s *Session) createConsumer(dest broker.Address, durable, sel string) (broker.Consumer, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	parsed, err := selector.Parse(sel)
	if err != nil {
		return nil, err
	}

	queue := dest.Physical()
	switch {
	case dest.Kind == broker.Topic:
		q, err := declareQueue(s.ch, subscriptionQueue(s.c.clientID, durable))
		if err != nil {
			return nil, err
		}
		_, key := route(dest)
		if err := bindQueue(s.ch, Binding{Queue: q.Name, Exchange: topicExchange, RoutingKey: key}); err != nil {
			return nil, err
		}
		queue = q.Name
	case !dest.Temporary:
		if err := s.ensureQueue(queue); err != nil {
			return nil, err
		}
	}

	consumer := &Consumer{
		s:     s,
		dest:  dest,
		queue: queue,
		tag:   "mmate-" + uuid.NewString(),
		sel:   parsed,
		done:  make(chan struct{}),
	}
	s.mu.Lock()
	s.consumers = append(s.consumers, consumer)
	s.mu.Unlock()
	return consumer, nil
}

// CreateTemporaryQueue declares a server-named queue that lives as long as
// the connection.
func (s *Session) CreateTemporaryQueue() (broker.Address, error) {
	if err := s.usable(); err != nil {
		return broker.Address{}, err
	}
	q, err := declareQueue(s.ch, QueueDeclaration{Exclusive: true, AutoDelete: true})
	if err != nil {
		return broker.Address{}, err
	}
	return broker.Address{Kind: broker.Queue, Name: q.Name, Temporary: true}, nil
}

// delivered records a delivery handed to the application.
func (s *Session) delivered(tag uint64) error {
	if !s.transacted {
		s.mu.Lock()
		defer s.mu.Unlock()
		return lost(s.ch.Ack(tag, false))
	}
	s.mu.Lock()
	s.pending = append(s.pending, tag)
	s.mu.Unlock()
	return nil
}

// skip records a delivery the consumer's selector rejected.
func (s *Session) skip(tag uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.transacted {
		return lost(s.ch.Nack(tag, false, true))
	}
	s.skipped = append(s.skipped, tag)
	return nil
}

func (s *Session) Commit() error {
	if err := s.usable(); err != nil {
		return err
	}
	if !s.transacted {
		return ErrNotTransacted
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, skipped := s.pending, s.skipped
	s.pending, s.skipped = nil, nil
	for _, tag := range pending {
		if err := s.ch.Ack(tag, false); err != nil {
			return &ChannelError{Op: "ack", Err: lost(err), Timestamp: time.Now()}
		}
	}
	for _, tag := range skipped {
		if err := s.ch.Nack(tag, false, true); err != nil {
			return &ChannelError{Op: "nack", Err: lost(err), Timestamp: time.Now()}
		}
	}
	if err := s.ch.TxCommit(); err != nil {
		return &ChannelError{Op: "tx.commit", Err: lost(err), Timestamp: time.Now()}
	}
	return nil
}

// Rollback discards pending publishes and requeues every delivery received
// since the last commit. The server does not redeliver rolled back
// acknowledgements on its own, so the requeue is committed separately.
func (s *Session) Rollback() error {
	if err := s.usable(); err != nil {
		return err
	}
	if !s.transacted {
		return ErrNotTransacted
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tags := append(s.pending, s.skipped...)
	s.pending, s.skipped = nil, nil
	if err := s.ch.TxRollback(); err != nil {
		return &ChannelError{Op: "tx.rollback", Err: lost(err), Timestamp: time.Now()}
	}
	if len(tags) == 0 {
		return nil
	}
	for _, tag := range tags {
		if err := s.ch.Nack(tag, false, true); err != nil {
			return &ChannelError{Op: "nack", Err: lost(err), Timestamp: time.Now()}
		}
	}
	if err := s.ch.TxCommit(); err != nil {
		return &ChannelError{Op: "tx.commit", Err: lost(err), Timestamp: time.Now()}
	}
	return nil
}

// Close closes the channel. The server rolls back an open transaction and
// requeues unacknowledged deliveries.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	consumers := s.consumers
	s.consumers = nil
	s.mu.Unlock()
	for _, c := range consumers {
		_ = c.close(false)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ch.Close(); err != nil && !errors.Is(lost(err), broker.ErrConnectionLost) {
		return &ChannelError{Op: "close", Err: err, Timestamp: time.Now()}
	}
	return nil
}

func (s *Session) removeConsumer(c *Consumer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, other := range s.consumers {
		if other == c {
			s.consumers = append(s.consumers[:i], s.consumers[i+1:]...)
			return
		}
	}
}
