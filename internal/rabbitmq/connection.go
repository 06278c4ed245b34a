package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-connector/broker"
)

const defaultDialTimeout = 30 * time.Second

// Dialer opens broker connections to RabbitMQ.
type Dialer struct {
	logger *slog.Logger
	// dial is replaced in tests.
	dial func(url string, cfg amqp.Config) (*amqp.Connection, error)
}

var _ broker.Dialer = (*Dialer)(nil)

// DialerOption configures the Dialer
type DialerOption func(*Dialer)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) DialerOption {
	return func(d *Dialer) {
		d.logger = logger
	}
}

// NewDialer creates a new RabbitMQ dialer
func NewDialer(options ...DialerOption) *Dialer {
	d := &Dialer{
		logger: slog.Default(),
		dial:   amqp.DialConfig,
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// dialURL applies explicit credentials to the broker URL.
func dialURL(opts broker.Options) (string, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidConfiguration, u.Scheme)
	}
	if opts.Username != "" {
		u.User = url.UserPassword(opts.Username, opts.Password)
	}
	return u.String(), nil
}

// Dial establishes a connection, honouring both ctx and opts.Timeout.
func (d *Dialer) Dial(ctx context.Context, opts broker.Options) (broker.Connection, error) {
	raw, err := dialURL(opts)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", URL: SanitizeURL(opts.URL), Err: err, Timestamp: time.Now()}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cfg := amqp.Config{
		Dial:       amqp.DefaultDial(timeout),
		Properties: amqp.NewConnectionProperties(),
	}
	if opts.ClientID != "" {
		cfg.Properties.SetClientConnectionName(opts.ClientID)
	}

	connChan := make(chan *amqp.Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := d.dial(raw, cfg)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		c := newConnection(conn, opts.ClientID, d.logger)
		d.logger.Info("connected to RabbitMQ", "url", SanitizeURL(raw), "clientId", opts.ClientID)
		return c, nil

	case err := <-errChan:
		return nil, &ConnectionError{
			Op:        "dial",
			URL:       SanitizeURL(raw),
			Err:       fmt.Errorf("%w: %v", broker.ErrUnavailable, err),
			Timestamp: time.Now(),
		}

	case <-connCtx.Done():
		// Close a connection that completes after the deadline.
		go func() {
			select {
			case conn := <-connChan:
				_ = conn.Close()
			case <-errChan:
			}
		}()
		return nil, &ConnectionError{
			Op:        "dial",
			URL:       SanitizeURL(raw),
			Err:       fmt.Errorf("%w: %w", broker.ErrUnavailable, ErrConnectionTimeout),
			Timestamp: time.Now(),
		}
	}
}

// Connection is a broker.Connection over one AMQP connection. Each session
// owns a channel.
type Connection struct {
	conn     *amqp.Connection
	clientID string
	logger   *slog.Logger

	mu        sync.Mutex
	listener  func(error)
	startOnce sync.Once
	started   chan struct{}
	closed    atomic.Bool
}

var _ broker.Connection = (*Connection)(nil)

func newConnection(conn *amqp.Connection, clientID string, logger *slog.Logger) *Connection {
	c := &Connection{
		conn:     conn,
		clientID: clientID,
		logger:   logger,
		started:  make(chan struct{}),
	}
	go c.watch(conn.NotifyClose(make(chan *amqp.Error, 1)))
	return c
}

// watch forwards an unexpected close to the exception listener.
func (c *Connection) watch(notifyClose <-chan *amqp.Error) {
	amqpErr, ok := <-notifyClose
	if c.closed.Load() {
		return
	}
	cause := broker.ErrConnectionLost
	if ok && amqpErr != nil {
		c.logger.Error("connection closed", "error", amqpErr)
		cause = fmt.Errorf("%w: %v", broker.ErrConnectionLost, amqpErr)
	}

	c.mu.Lock()
	fn := c.listener
	c.mu.Unlock()
	if fn != nil {
		fn(cause)
	}
}

func (c *Connection) CreateSession(transacted bool) (broker.Session, error) {
	if c.closed.Load() {
		return nil, broker.ErrClosed
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open", Err: lost(err), Timestamp: time.Now()}
	}
	if transacted {
		if err := ch.Tx(); err != nil {
			_ = ch.Close()
			return nil, &ChannelError{Op: "tx.select", Err: lost(err), Timestamp: time.Now()}
		}
	}
	return newSession(c, ch, transacted), nil
}

// Start releases deliveries to message listeners.
func (c *Connection) Start() error {
	if c.closed.Load() {
		return broker.ErrClosed
	}
	c.startOnce.Do(func() { close(c.started) })
	return nil
}

func (c *Connection) SetExceptionListener(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = fn
}

// Capabilities reports no server-side selectors: selectors are evaluated by
// the client and the delivery count is derived from the delivery.
func (c *Connection) Capabilities() broker.Capabilities {
	return broker.Capabilities{}
}

func (c *Connection) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if err := c.conn.Close(); err != nil && err != amqp.ErrClosed {
		return &ConnectionError{Op: "close", Err: err, Timestamp: time.Now()}
	}
	return nil
}
