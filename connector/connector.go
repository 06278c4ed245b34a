// Package connector connects a host runtime to message brokers.
//
// A Connector owns one Manager per configured broker. Each Manager supervises
// a broker connection and its Endpoints; endpoints with a trigger run
// Listeners that turn inbound messages into service invocations. Requests
// from the host are served through a Transaction, which holds at most one
// session per manager and commits or rolls back all of them together.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/mmate-connector/broker"
	"github.com/glimte/mmate-connector/config"
)

// Connector is the top-level process context.
type Connector struct {
	cfg        *config.Config
	logger     *slog.Logger
	registerer prometheus.Registerer
	noMetrics  bool
	metrics    *Metrics

	directory *Directory
	codecs    *CodecRegistry
	hooks     []SendHook
	invoker   Invoker
	dialers   map[string]broker.Dialer

	managers   []*Manager
	byName     map[string]*Manager
	supervisor *Supervisor
	resolver   *Resolver
}

// Option configures the Connector
type Option func(*Connector)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Connector) {
		c.logger = logger
	}
}

// WithDialer registers the driver for URLs with the given scheme.
func WithDialer(scheme string, d broker.Dialer) Option {
	return func(c *Connector) {
		c.dialers[strings.ToLower(scheme)] = d
	}
}

// WithInvoker sets the host runtime used by listeners.
func WithInvoker(inv Invoker) Option {
	return func(c *Connector) {
		c.invoker = inv
	}
}

// WithCodec registers a payload codec for a protocol name.
func WithCodec(protocol string, codec Codec) Option {
	return func(c *Connector) {
		c.codecs.Register(protocol, codec)
	}
}

// WithSendHooks appends hooks run before every send.
func WithSendHooks(hooks ...SendHook) Option {
	return func(c *Connector) {
		c.hooks = append(c.hooks, hooks...)
	}
}

// WithRegisterer sets the Prometheus registerer. A nil registerer disables
// metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *Connector) {
		c.registerer = r
		c.noMetrics = r == nil
	}
}

// New creates a connector for cfg. Nothing is dialed until Open.
func New(cfg *config.Config, options ...Option) (*Connector, error) {
	if cfg == nil {
		return nil, configErrorf("connector", "", "configuration is required")
	}
	c := &Connector{
		cfg:        cfg,
		logger:     slog.Default(),
		registerer: prometheus.DefaultRegisterer,
		directory:  NewDirectory(),
		codecs:     NewCodecRegistry(),
		dialers:    make(map[string]broker.Dialer),
		byName:     make(map[string]*Manager),
	}
	for _, opt := range options {
		opt(c)
	}

	if !c.noMetrics {
		m, err := NewMetrics(c.registerer)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		c.metrics = m
	}

	for _, mc := range cfg.Managers {
		if _, dup := c.byName[mc.Name]; dup {
			return nil, configErrorf("connector", mc.Name, "duplicate manager")
		}
		m := newManager(c, mc, c.dialers[urlScheme(mc.URL)])
		c.managers = append(c.managers, m)
		c.byName[mc.Name] = m
	}
	c.supervisor = newSupervisor(c, cfg.PollInterval.Std())
	c.resolver = newResolver(c)
	return c, nil
}

func urlScheme(raw string) string {
	scheme, _, ok := strings.Cut(raw, "://")
	if !ok {
		return ""
	}
	return strings.ToLower(scheme)
}

// Open initializes every manager and starts the listeners. Configuration
// errors are fatal unless the configuration tolerates them, in which case
// the affected manager is disabled. Unreachable brokers are left to the
// supervisor.
func (c *Connector) Open(ctx context.Context) error {
	tolerate := c.cfg.RunWithConfigurationErrors
	fail := func(err error) error {
		c.Close()
		return err
	}

	for _, m := range c.managers {
		if err := config.ValidateManager(m.cfg); err != nil {
			err = configError("manager", m.name, err)
			if !tolerate {
				return fail(err)
			}
			m.degrade(err)
			continue
		}
		if m.dialer == nil {
			err := configErrorf("manager", m.name, "no driver registered for %q", sanitizeURL(m.cfg.URL))
			if !tolerate {
				return fail(err)
			}
			m.degrade(err)
			continue
		}
		err := m.initialize(ctx)
		switch {
		case err == nil:
		case IsConfiguration(err):
			if !tolerate {
				return fail(err)
			}
			m.Close(false)
			m.degrade(err)
		default:
			c.logger.Error("manager is not connected", "manager", m.name, "error", err)
		}
	}

	for _, m := range c.managers {
		if !m.Initialized() {
			continue
		}
		if err := m.resolveErrorEndpoints(c.Endpoint); err != nil {
			if !tolerate {
				return fail(err)
			}
			m.Close(false)
			m.degrade(err)
		}
	}

	for _, m := range c.managers {
		if !m.Initialized() || !m.Connected() {
			continue
		}
		if err := m.Start(ctx); err != nil {
			if IsConfiguration(err) && !tolerate {
				return fail(err)
			}
			c.logger.Error("manager started with errors", "manager", m.name, "error", err)
		}
	}
	c.logger.Info("connector opened", "managers", len(c.managers))
	return nil
}

// Close tears every manager down.
func (c *Connector) Close() {
	for _, m := range c.managers {
		m.Close(false)
	}
}

// Manager returns the manager with the given name.
func (c *Connector) Manager(name string) (*Manager, error) {
	m, ok := c.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownManager, name)
	}
	return m, nil
}

// Managers returns the managers in configuration order.
func (c *Connector) Managers() []*Manager {
	return append([]*Manager(nil), c.managers...)
}

// Endpoint resolves "manager.endpoint".
func (c *Connector) Endpoint(ref string) (*Endpoint, error) {
	manager, name, ok := strings.Cut(ref, ".")
	if !ok || manager == "" || name == "" {
		return nil, fmt.Errorf("%w: %q is not of the form manager.endpoint", ErrUnknownEndpoint, ref)
	}
	m, err := c.Manager(manager)
	if err != nil {
		return nil, err
	}
	return m.Endpoint(name)
}

// CheckConnections runs one connection check on every manager.
func (c *Connector) CheckConnections(ctx context.Context) error {
	var errs []error
	for _, m := range c.managers {
		if err := m.CheckConnection(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Connector) Directory() *Directory {
	return c.directory
}

func (c *Connector) Supervisor() *Supervisor {
	return c.supervisor
}

func (c *Connector) Resolver() *Resolver {
	return c.resolver
}

func (c *Connector) Config() *config.Config {
	return c.cfg
}
