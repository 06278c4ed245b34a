// Package memory is an in-process transactional broker.
//
// It implements queues, topics with durable and non-durable subscriptions,
// temporary queues, selectors and redelivery counting with the same
// transactional behaviour the connector expects from a real broker. Faults can
// be injected with Fail and SetUnavailable. It is used by tests and by
// memory:// broker URLs.
package memory

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mmate-connector/broker"
)

// Stats counts broker operations since creation.
type Stats struct {
	Dials     int
	Sends     int
	Commits   int
	Rollbacks int
}

// Broker holds the destinations and live connections of one in-memory broker.
type Broker struct {
	mu            sync.Mutex
	queues        map[string]*queue
	topics        map[string]*topic
	durable       map[string]*subscription
	conns         map[*Connection]struct{}
	changed       chan struct{}
	unavailable   bool
	deliveryCount bool
	logger        *slog.Logger

	dials     atomic.Int64
	sends     atomic.Int64
	commits   atomic.Int64
	rollbacks atomic.Int64
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// WithoutDeliveryCountSelector makes connections report that selectors on
// JMSXDeliveryCount are unsupported.
func WithoutDeliveryCountSelector() Option {
	return func(b *Broker) {
		b.deliveryCount = false
	}
}

// New creates an empty broker.
func New(options ...Option) *Broker {
	b := &Broker{
		queues:        make(map[string]*queue),
		topics:        make(map[string]*topic),
		durable:       make(map[string]*subscription),
		conns:         make(map[*Connection]struct{}),
		changed:       make(chan struct{}),
		deliveryCount: true,
		logger:        slog.Default(),
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

var (
	sharedMu sync.Mutex
	shared   = map[string]*Broker{}
)

// Shared returns the process-wide broker registered under name, creating it
// on first use.
func Shared(name string) *Broker {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	b, ok := shared[name]
	if !ok {
		b = New()
		shared[name] = b
	}
	return b
}

// SharedDialer dials memory://name URLs against Shared(name).
var SharedDialer = broker.DialerFunc(func(ctx context.Context, opts broker.Options) (broker.Connection, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, err
	}
	return Shared(u.Host).Dial(ctx, opts)
})

// Dial opens a connection. It fails with broker.ErrUnavailable while the
// broker is marked unavailable.
func (b *Broker) Dial(ctx context.Context, opts broker.Options) (broker.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.dials.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unavailable {
		return nil, broker.ErrUnavailable
	}
	c := &Connection{
		b:        b,
		clientID: opts.ClientID,
		started:  make(chan struct{}),
	}
	b.conns[c] = struct{}{}
	b.logger.Debug("memory broker connection opened", "clientId", opts.ClientID)
	return c, nil
}

// SetUnavailable makes subsequent dials fail while v is true.
func (b *Broker) SetUnavailable(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unavailable = v
}

// Connections returns the connections that have not been closed.
func (b *Broker) Connections() []*Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Connection, 0, len(b.conns))
	for c := range b.conns {
		out = append(out, c)
	}
	return out
}

// Stats returns the operation counters.
func (b *Broker) Stats() Stats {
	return Stats{
		Dials:     int(b.dials.Load()),
		Sends:     int(b.sends.Load()),
		Commits:   int(b.commits.Load()),
		Rollbacks: int(b.rollbacks.Load()),
	}
}

// Depth returns the number of messages waiting on a queue.
func (b *Broker) Depth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.msgs)
	}
	return 0
}

// Messages returns copies of the messages waiting on a queue.
func (b *Broker) Messages(name string) []*broker.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([]*broker.Message, len(q.msgs))
	for i, m := range q.msgs {
		out[i] = m.Clone()
	}
	return out
}

// Publish delivers msg to dest outside of any session and returns its id.
func (b *Broker) Publish(dest broker.Address, msg *broker.Message) (string, error) {
	m := prepare(dest, msg)
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enqueueLocked(dest, m); err != nil {
		return "", err
	}
	b.notifyLocked()
	return m.ID, nil
}

type queue struct {
	name string
	msgs []*broker.Message
}

// take removes and returns the first unexpired message matching sel.
func (q *queue) take(match func(*broker.Message) bool, now time.Time) *broker.Message {
	kept := q.msgs[:0]
	var found *broker.Message
	for _, m := range q.msgs {
		if m.Expiration > 0 && now.After(m.Timestamp.Add(m.Expiration)) {
			continue
		}
		if found == nil && match(m) {
			found = m
			continue
		}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(q.msgs); i++ {
		q.msgs[i] = nil
	}
	q.msgs = kept
	return found
}

type topic struct {
	subs map[*subscription]struct{}
}

type subscription struct {
	key   string
	topic string
	q     *queue
}

func (b *Broker) queueLocked(name string) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name}
		b.queues[name] = q
	}
	return q
}

func (b *Broker) topicLocked(name string) *topic {
	t, ok := b.topics[name]
	if !ok {
		t = &topic{subs: make(map[*subscription]struct{})}
		b.topics[name] = t
	}
	return t
}

func (b *Broker) subscribeLocked(topicName, key string) *subscription {
	if key != "" {
		if sub, ok := b.durable[key]; ok {
			return sub
		}
	}
	sub := &subscription{
		key:   key,
		topic: topicName,
		q:     &queue{name: topicName + "#" + uuid.NewString()},
	}
	b.topicLocked(topicName).subs[sub] = struct{}{}
	if key != "" {
		b.durable[key] = sub
	}
	return sub
}

func (b *Broker) unsubscribeLocked(sub *subscription) {
	if sub == nil || sub.key != "" {
		return
	}
	if t, ok := b.topics[sub.topic]; ok {
		delete(t.subs, sub)
	}
}

func prepare(dest broker.Address, msg *broker.Message) *broker.Message {
	m := msg.Clone()
	if m.ID == "" {
		m.ID = "ID:" + uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	m.Destination = dest
	m.DeliveryCount = 1
	m.Redelivered = false
	return m
}

func (b *Broker) enqueueLocked(dest broker.Address, m *broker.Message) error {
	name := dest.Physical()
	switch dest.Kind {
	case broker.Topic:
		if t, ok := b.topics[name]; ok {
			for sub := range t.subs {
				sub.q.msgs = append(sub.q.msgs, m.Clone())
			}
		}
	default:
		if dest.Temporary {
			q, ok := b.queues[name]
			if !ok {
				return broker.ErrClosed
			}
			q.msgs = append(q.msgs, m)
			return nil
		}
		q := b.queueLocked(name)
		q.msgs = append(q.msgs, m)
	}
	return nil
}

// notifyLocked wakes every blocked receiver.
func (b *Broker) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}
