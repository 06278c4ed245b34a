package rabbitmq

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-connector/broker"
	"github.com/glimte/mmate-connector/broker/selector"
)

// pollInterval paces synchronous receives, which use basic.get.
var pollInterval = 25 * time.Millisecond

// skipBackoff pauses a listener after its selector rejected a delivery, so a
// requeued message is not bounced back immediately.
var skipBackoff = 100 * time.Millisecond

// Consumer receives from one queue. Synchronous receives poll with
// basic.get; SetListener switches to basic.consume.
type Consumer struct {
	s     *Session
	dest  broker.Address
	queue string
	tag   string
	sel   *selector.Selector

	mu        sync.Mutex
	listening bool
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

var _ broker.Consumer = (*Consumer)(nil)

func (c *Consumer) usable() error {
	if c.closed.Load() {
		return ErrConsumerClosed
	}
	if err := c.s.usable(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listening {
		return ErrListening
	}
	return nil
}

// Receive polls until a matching message arrives, the timeout expires or
// ctx is done. A timeout of zero or less waits indefinitely.
func (c *Consumer) Receive(ctx context.Context, timeout time.Duration) (*broker.Message, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		msg, err := c.ReceiveNoWait()
		if msg != nil || err != nil {
			return msg, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-expired:
			return nil, nil
		case <-c.done:
			return nil, ErrConsumerClosed
		case <-ticker.C:
		}
	}
}

// ReceiveNoWait returns the first matching message already in the queue.
func (c *Consumer) ReceiveNoWait() (*broker.Message, error) {
	for {
		if err := c.usable(); err != nil {
			return nil, err
		}
		c.s.mu.Lock()
		d, ok, err := c.s.ch.Get(c.queue, false)
		c.s.mu.Unlock()
		if err != nil {
			return nil, &ConsumerError{Queue: c.queue, ConsumerTag: c.tag, Op: "get", Err: lost(err), Timestamp: time.Now()}
		}
		if !ok {
			return nil, nil
		}

		msg := fromDelivery(d, c.dest)
		if c.sel.Matches(msg) {
			return msg, c.s.delivered(d.DeliveryTag)
		}
		if err := c.s.skip(d.DeliveryTag); err != nil {
			return nil, err
		}
		// An auto-acknowledged session requeues at once and would get the
		// same message again.
		if !c.s.transacted {
			return nil, nil
		}
	}
}

// SetListener starts basic.consume. Deliveries reach fn once the
// connection is started.
func (c *Consumer) SetListener(fn func(*broker.Message)) error {
	if err := c.usable(); err != nil {
		return err
	}
	c.s.mu.Lock()
	deliveries, err := c.s.ch.Consume(c.queue, c.tag, false, false, false, false, nil)
	c.s.mu.Unlock()
	if err != nil {
		return &ConsumerError{Queue: c.queue, ConsumerTag: c.tag, Op: "consume", Err: lost(err), Timestamp: time.Now()}
	}

	c.mu.Lock()
	c.listening = true
	c.mu.Unlock()
	go c.dispatch(deliveries, fn)
	return nil
}

func (c *Consumer) dispatch(deliveries <-chan amqp.Delivery, fn func(*broker.Message)) {
	select {
	case <-c.s.c.started:
	case <-c.done:
		return
	}

	for d := range deliveries {
		if c.closed.Load() {
			return
		}
		msg := fromDelivery(d, c.dest)
		if !c.sel.Matches(msg) {
			if err := c.s.skip(d.DeliveryTag); err != nil {
				c.s.c.logger.Warn("failed to requeue filtered message", "queue", c.queue, "error", err)
			}
			select {
			case <-time.After(skipBackoff):
			case <-c.done:
				return
			}
			continue
		}
		if err := c.s.delivered(d.DeliveryTag); err != nil {
			c.s.c.logger.Warn("failed to acknowledge message", "queue", c.queue, "error", err)
			continue
		}
		fn(msg)
	}
}

func (c *Consumer) Close() error {
	return c.close(true)
}

func (c *Consumer) close(detach bool) error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		if detach {
			c.s.removeConsumer(c)
		}

		c.mu.Lock()
		listening := c.listening
		c.mu.Unlock()
		if listening && !c.s.closed.Load() {
			c.s.mu.Lock()
			cancelErr := c.s.ch.Cancel(c.tag, false)
			c.s.mu.Unlock()
			if cancelErr != nil {
				err = &ConsumerError{Queue: c.queue, ConsumerTag: c.tag, Op: "cancel", Err: lost(cancelErr), Timestamp: time.Now()}
			}
		}
	})
	return err
}
