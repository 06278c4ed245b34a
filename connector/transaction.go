package connector

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-connector/broker"
)

// Transaction groups the broker sessions used while serving one request.
// It holds at most one session per manager and is not safe for concurrent
// use.
type Transaction struct {
	c        *Connector
	sessions map[string]broker.Session
	order    []string
	logger   *slog.Logger
}

// NewTransaction starts a unit of work.
func (c *Connector) NewTransaction() *Transaction {
	return &Transaction{
		c:        c,
		sessions: make(map[string]broker.Session),
		logger:   c.logger,
	}
}

// Session returns the transaction's session for the named manager, opening
// it on first use.
func (t *Transaction) Session(ctx context.Context, manager string) (broker.Session, error) {
	if s, ok := t.sessions[manager]; ok {
		return s, nil
	}
	m, err := t.c.Manager(manager)
	if err != nil {
		return nil, err
	}
	s, err := m.CreateSession(ctx)
	if err != nil {
		return nil, err
	}
	t.sessions[manager] = s
	t.order = append(t.order, manager)
	return s, nil
}

// Send sends on the named endpoint within the transaction.
func (t *Transaction) Send(ctx context.Context, endpoint string, opts SendOptions) (string, error) {
	if endpoint == "" {
		return "", &ValidationError{Field: "destination", Reason: "cannot be empty"}
	}
	if opts.Message == nil {
		return "", &ValidationError{Field: "message", Reason: "cannot be empty"}
	}
	ep, err := t.c.Endpoint(endpoint)
	if err != nil {
		return "", err
	}
	session, err := t.Session(ctx, ep.manager.name)
	if err != nil {
		return "", err
	}
	return ep.Send(ctx, session, opts)
}

// Receive takes one message from the named endpoint. A waiting receive that
// gets nothing fails with a TimeoutError; a non-waiting one returns nil.
func (t *Transaction) Receive(ctx context.Context, endpoint string, opts ReceiveOptions) (*Received, error) {
	if endpoint == "" {
		return nil, &ValidationError{Field: "destination", Reason: "cannot be empty"}
	}
	ep, err := t.c.Endpoint(endpoint)
	if err != nil {
		return nil, err
	}
	return t.receive(ctx, ep, opts)
}

func (t *Transaction) receive(ctx context.Context, ep *Endpoint, opts ReceiveOptions) (*Received, error) {
	session, err := t.Session(ctx, ep.manager.name)
	if err != nil {
		return nil, err
	}
	rcv, err := ep.Receive(ctx, session, opts)
	if err != nil {
		return nil, err
	}
	if rcv == nil && opts.Wait {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = ep.timeout
		}
		return nil, &TimeoutError{Endpoint: ep.ID(), Timeout: timeout}
	}
	return rcv, nil
}

// RequestOptions describe a request-reply exchange.
type RequestOptions struct {
	Send SendOptions
	// ReplyTo names the endpoint the reply is expected on.
	ReplyTo string
	// Reply configures the receive; its PhysicalAddress is taken from
	// Send.ReplyToPhysicalAddress.
	Reply ReceiveOptions
	// UseCorrelation waits for the reply carrying the request's correlation
	// id, or its message id when no correlation id was sent.
	UseCorrelation bool
}

// Request sends on endpoint, commits the send so the message is visible,
// and waits for the reply.
func (t *Transaction) Request(ctx context.Context, endpoint string, opts RequestOptions) (*Received, error) {
	if opts.ReplyTo == "" {
		return nil, &ValidationError{Field: "reply2destination", Reason: "cannot be empty"}
	}
	replyEp, err := t.c.Endpoint(opts.ReplyTo)
	if err != nil {
		return nil, err
	}
	ep, err := t.c.Endpoint(endpoint)
	if err != nil {
		return nil, err
	}

	send := opts.Send
	send.ReplyTo = replyEp
	id, err := t.Send(ctx, endpoint, send)
	if err != nil {
		return nil, err
	}
	if err := t.release(ep.manager.name); err != nil {
		return nil, err
	}

	reply := opts.Reply
	reply.Wait = true
	reply.PhysicalAddress = send.ReplyToPhysicalAddress
	if opts.UseCorrelation {
		reply.CorrelationID = send.CorrelationID
		if reply.CorrelationID == "" {
			reply.CorrelationID = id
		}
	}
	t.logger.Debug("waiting for reply", "endpoint", replyEp.ID(), "correlation_id", reply.CorrelationID)
	return t.receive(ctx, replyEp, reply)
}

// release commits, closes and forgets the session of one manager.
func (t *Transaction) release(manager string) error {
	s, ok := t.sessions[manager]
	if !ok {
		return nil
	}
	delete(t.sessions, manager)
	for i, name := range t.order {
		if name == manager {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	defer s.Close()
	if err := s.Commit(); err != nil {
		m, _ := t.c.Manager(manager)
		if m != nil {
			return m.brokerError("commit", err)
		}
		return err
	}
	return nil
}

// Commit commits and closes every session. Failures are logged only.
func (t *Transaction) Commit() {
	t.finish(func(s broker.Session) error { return s.Commit() }, "commit")
}

// Abort rolls back and closes every session. Failures are logged only.
func (t *Transaction) Abort() {
	t.finish(func(s broker.Session) error { return s.Rollback() }, "rollback")
}

func (t *Transaction) finish(end func(broker.Session) error, op string) {
	start := time.Now()
	for _, name := range t.order {
		s := t.sessions[name]
		if err := end(s); err != nil {
			t.logger.Warn("transaction "+op+" failed", "manager", name, "error", err)
		}
		if err := s.Close(); err != nil {
			t.logger.Debug("close session", "manager", name, "error", err)
		}
	}
	t.sessions = make(map[string]broker.Session)
	t.order = nil
	t.logger.Debug("transaction finished", "op", op, "duration", time.Since(start))
}
