package connector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-connector/broker"
	"github.com/glimte/mmate-connector/config"
	"github.com/glimte/mmate-connector/document"
)

// ListenerState is the lifecycle state of a Listener.
type ListenerState int

const (
	ListenerCreated ListenerState = iota
	ListenerConsuming
	ListenerClosed
)

func (s ListenerState) String() string {
	switch s {
	case ListenerCreated:
		return "created"
	case ListenerConsuming:
		return "consuming"
	case ListenerClosed:
		return "closed"
	}
	return "unknown"
}

// Listener consumes one endpoint asynchronously and turns every message into
// a service invocation. Each listener owns a transacted session.
type Listener struct {
	endpoint *Endpoint
	cfg      config.TriggerConfig
	name     string
	template *document.Node
	timeout  time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	state    ListenerState
	session  broker.Session
	consumer broker.Consumer
	// checkDeliveryCount is set when the selector cannot filter redeliveries.
	checkDeliveryCount bool
}

func newListener(ep *Endpoint, cfg config.TriggerConfig, template *document.Node, ordinal int) *Listener {
	name := cfg.Name
	if ordinal > 0 {
		name = fmt.Sprintf("%s-%d", cfg.Name, ordinal+1)
	}
	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = ep.timeout
	}
	return &Listener{
		endpoint: ep,
		cfg:      cfg,
		name:     name,
		template: template,
		timeout:  timeout,
		logger:   ep.logger.With("listener", name),
	}
}

func (l *Listener) Name() string {
	return l.name
}

func (l *Listener) Endpoint() *Endpoint {
	return l.endpoint
}

func (l *Listener) State() ListenerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Consuming reports whether the listener holds a live consumer.
func (l *Listener) Consuming() bool {
	return l.State() == ListenerConsuming
}

// createConsumer opens the listener's session and consumer on conn. A failed
// setup releases whatever was created so the call can be repeated.
func (l *Listener) createConsumer(conn broker.Connection) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case ListenerConsuming:
		return ErrAlreadyConsuming
	case ListenerClosed:
		return ErrListenerClosed
	}
	if err := l.bindLocked(conn); err != nil {
		l.releaseLocked()
		return err
	}
	l.state = ListenerConsuming
	l.logger.Debug("listener consuming", "selector_dedup", !l.checkDeliveryCount)
	return nil
}

func (l *Listener) bindLocked(conn broker.Connection) error {
	ep := l.endpoint
	if l.cfg.DurableSubscription != "" && ep.address.Kind != broker.Topic {
		return configErrorf("listener", l.name, "durable subscription %q requires a topic, %s is a queue", l.cfg.DurableSubscription, ep.ID())
	}

	sel, check := l.selector(conn.Capabilities())
	session, err := conn.CreateSession(true)
	if err != nil {
		return ep.manager.brokerError("create session", err)
	}
	l.session = session

	var consumer broker.Consumer
	if l.cfg.DurableSubscription != "" {
		consumer, err = session.CreateDurableSubscriber(ep.address, l.cfg.DurableSubscription, sel)
	} else {
		consumer, err = session.CreateConsumer(ep.address, sel)
	}
	if err != nil {
		return ep.manager.brokerError("create consumer", err)
	}
	l.consumer = consumer
	l.checkDeliveryCount = check

	if err := consumer.SetListener(func(msg *broker.Message) { l.onMessage(session, check, msg) }); err != nil {
		return ep.manager.brokerError("set listener", err)
	}
	return nil
}

// selector returns the consumer selector and whether redeliveries have to be
// filtered by hand. A custom selector disables redelivery filtering.
func (l *Listener) selector(caps broker.Capabilities) (string, bool) {
	if l.cfg.Selector != "" {
		return l.cfg.Selector, false
	}
	if caps.DeliveryCountSelector && !l.endpoint.manager.disableSelector {
		return broker.DeliveryCountProperty + " = 1", false
	}
	return "", true
}

func (l *Listener) releaseLocked() {
	if l.consumer != nil {
		if err := l.consumer.Close(); err != nil {
			l.logger.Debug("close consumer", "error", err)
		}
		l.consumer = nil
	}
	if l.session != nil {
		if err := l.session.Close(); err != nil {
			l.logger.Debug("close session", "error", err)
		}
		l.session = nil
	}
}

// stop releases the consumer and session, leaving the listener ready for a
// later createConsumer.
func (l *Listener) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releaseLocked()
	if l.state == ListenerConsuming {
		l.state = ListenerCreated
	}
}

// Close releases the listener for good.
func (l *Listener) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releaseLocked()
	l.state = ListenerClosed
}

func (l *Listener) onMessage(session broker.Session, checkDeliveryCount bool, msg *broker.Message) {
	ep := l.endpoint
	metrics := ep.manager.metrics
	logger := l.logger.With("message_id", msg.ID)

	if checkDeliveryCount && msg.DeliveryCount != 1 {
		logger.Warn("skipping redelivered message", "delivery_count", msg.DeliveryCount)
		metrics.listenerOutcome(ep.manager.name, ep.name, outcomeDropped)
		return
	}

	ctx := context.Background()
	err := l.process(ctx, msg)
	if err == nil {
		if err := session.Commit(); err != nil {
			logger.Error("commit failed", "error", err)
			metrics.listenerOutcome(ep.manager.name, ep.name, outcomeError)
			return
		}
		metrics.listenerOutcome(ep.manager.name, ep.name, outcomeSuccess)
		return
	}
	logger.Error("message processing failed", "error", err)

	if ep.ErrorEndpoint() != nil {
		ferr := ep.forwardToError(ctx, session, msg, err)
		if ferr == nil {
			ferr = session.Commit()
		}
		if ferr == nil {
			metrics.listenerOutcome(ep.manager.name, ep.name, outcomeForwarded)
			return
		}
		logger.Error("failed to forward message to error endpoint", "error", ferr)
	}

	if err := session.Rollback(); err != nil {
		logger.Error("rollback failed", "error", err)
	}
	metrics.listenerOutcome(ep.manager.name, ep.name, outcomeRolledBack)
}

func (l *Listener) process(ctx context.Context, msg *broker.Message) error {
	ep := l.endpoint
	invoker := ep.manager.invoker
	if invoker == nil {
		return configErrorf("listener", l.name, "no invoker configured")
	}

	text, err := bodyText(msg, firstCharset(l.cfg.Charset, ep.charset, ep.manager.charset))
	if err != nil {
		return err
	}
	var decoded *document.Node
	if ep.protocol != "" {
		if decoded, err = ep.decode(ep.protocol, text); err != nil {
			return err
		}
	}

	request, err := l.fillTemplate(msg, text, decoded)
	if err != nil {
		return err
	}
	response, err := invoker.Invoke(ctx, request, l.timeout)
	if err != nil {
		return fmt.Errorf("invoke: %w", err)
	}
	if IsFault(response) {
		return FaultFromNode(response)
	}
	return nil
}
