package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-connector/broker"
	"github.com/glimte/mmate-connector/config"
)

// ConnectionState is the state of a manager's broker connection.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "unknown"
}

// StateListener receives connection state change notifications
type StateListener interface {
	OnConnected(manager string)
	OnDisconnected(manager string, err error)
}

// Manager supervises one broker connection and the endpoints reached
// through it.
type Manager struct {
	name    string
	cfg     config.ManagerConfig
	dialer  broker.Dialer
	logger  *slog.Logger
	metrics *Metrics

	directory *Directory
	codecs    *CodecRegistry
	hooks     []SendHook
	invoker   Invoker

	charset         string
	timeout         time.Duration
	connectTimeout  time.Duration
	disableSelector bool
	checkOnRequest  bool

	// mu serializes initialize, restart and close.
	mu          sync.Mutex
	conn        broker.Connection
	initialized bool
	configErr   error

	endpoints []*Endpoint
	byName    map[string]*Endpoint

	// Read by endpoints without holding mu.
	defaultError   atomic.Pointer[Endpoint]
	defaultDynamic atomic.Pointer[Endpoint]

	shutdownSession  broker.Session
	shutdownConsumer broker.Consumer

	state atomic.Int32
	// inFlight is set while a connection-loss teardown runs.
	inFlight atomic.Bool

	listenersMu    sync.RWMutex
	stateListeners []StateListener
}

func newManager(c *Connector, cfg config.ManagerConfig, dialer broker.Dialer) *Manager {
	return &Manager{
		name:            cfg.Name,
		cfg:             cfg,
		dialer:          dialer,
		logger:          c.logger.With("manager", cfg.Name),
		metrics:         c.metrics,
		directory:       c.directory,
		codecs:          c.codecs,
		hooks:           c.hooks,
		invoker:         c.invoker,
		charset:         firstCharset(cfg.Charset),
		timeout:         cfg.Timeout.Std(),
		connectTimeout:  cfg.ConnectTimeout.Std(),
		disableSelector: c.cfg.DisableMessageSelector,
		checkOnRequest:  c.cfg.CheckConnectionOnRequest,
	}
}

func (m *Manager) Name() string {
	return m.name
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	return ConnectionState(m.state.Load())
}

// Connected reports whether the manager holds a broker connection.
func (m *Manager) Connected() bool {
	return m.State() == Connected
}

// Initialized reports whether the endpoints were built.
func (m *Manager) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// Err returns the configuration error the manager was degraded with.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.configErr
}

// Endpoint returns the endpoint with the given name.
func (m *Manager) Endpoint(name string) (*Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usableLocked(); err != nil {
		return nil, err
	}
	ep, ok := m.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownEndpoint, m.name, name)
	}
	return ep, nil
}

// Endpoints returns the endpoints in configuration order.
func (m *Manager) Endpoints() []*Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Endpoint(nil), m.endpoints...)
}

// AddStateListener adds a connection state listener
func (m *Manager) AddStateListener(l StateListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.stateListeners = append(m.stateListeners, l)
}

func (m *Manager) notifyConnected() {
	m.listenersMu.RLock()
	defer m.listenersMu.RUnlock()
	for _, l := range m.stateListeners {
		go l.OnConnected(m.name)
	}
}

func (m *Manager) notifyDisconnected(err error) {
	m.listenersMu.RLock()
	defer m.listenersMu.RUnlock()
	for _, l := range m.stateListeners {
		go l.OnDisconnected(m.name, err)
	}
}

// degrade leaves the manager uninitialized; every operation then fails with err.
func (m *Manager) degrade(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configErr = err
	m.initialized = false
	m.logger.Error("manager disabled by configuration error", "error", err)
}

func (m *Manager) usableLocked() error {
	if m.configErr != nil {
		return &ConfigurationError{Op: "manager", Subject: m.name, Err: m.configErr}
	}
	if !m.initialized {
		return fmt.Errorf("%w: %s", ErrNotInitialized, m.name)
	}
	return nil
}

// initialize builds every endpoint and opens the connection. A
// ConfigurationError leaves the manager without endpoints; a
// ConnectivityError leaves it initialized but disconnected.
func (m *Manager) initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return nil
	}

	m.byName = make(map[string]*Endpoint, len(m.cfg.Endpoints))
	for _, ec := range m.cfg.Endpoints {
		ep, err := newEndpoint(m, ec)
		if err != nil {
			m.discardEndpointsLocked()
			return err
		}
		m.endpoints = append(m.endpoints, ep)
		m.byName[ep.name] = ep
		m.directory.Register(ep)

		if ec.DefaultError {
			if cur := m.defaultError.Load(); cur != nil {
				m.logger.Warn("default error endpoint already set, ignoring", "endpoint", ep.name, "current", cur.name)
			} else {
				m.defaultError.Store(ep)
			}
		}
		if ec.DefaultDynamic {
			if cur := m.defaultDynamic.Load(); cur != nil {
				m.logger.Warn("default dynamic endpoint already set, ignoring", "endpoint", ep.name, "current", cur.name)
			} else {
				m.defaultDynamic.Store(ep)
			}
		}
	}
	if d := m.defaultError.Load(); d != nil && d.dynamic {
		m.discardEndpointsLocked()
		return configErrorf("manager", m.name, "default error endpoint %s cannot be dynamic", d.name)
	}
	m.initialized = true

	if err := m.connectLocked(ctx); err != nil {
		return err
	}
	m.logger.Info("manager initialized", "url", sanitizeURL(m.cfg.URL), "endpoints", len(m.endpoints))
	return nil
}

func (m *Manager) discardEndpointsLocked() {
	for _, ep := range m.endpoints {
		m.directory.Unregister(ep)
	}
	m.endpoints = nil
	m.byName = nil
	m.defaultError.Store(nil)
	m.defaultDynamic.Store(nil)
}

// resolveErrorEndpoints binds the configured error endpoint references.
// lookup resolves "manager.endpoint" names across the connector.
func (m *Manager) resolveErrorEndpoints(lookup func(ref string) (*Endpoint, error)) error {
	var errs []error
	for _, ep := range m.Endpoints() {
		ref := strings.TrimSpace(ep.cfg.ErrorEndpoint)
		if ref == "" {
			continue
		}
		if !strings.Contains(ref, ".") {
			ref = m.name + "." + ref
		}
		target, err := lookup(ref)
		if err != nil {
			errs = append(errs, configError("error endpoint", ep.ID(), err))
			continue
		}
		switch {
		case target == ep:
			m.logger.Warn("endpoint is its own error endpoint, error routing disabled", "endpoint", ep.name)
			ep.errorDisabled = true
		case target.dynamic:
			errs = append(errs, configErrorf("error endpoint", ep.ID(), "%s is dynamic", target.ID()))
		case !target.CanWrite():
			errs = append(errs, configErrorf("error endpoint", ep.ID(), "%s has no write access", target.ID()))
		default:
			ep.errorEndpoint = target
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) connectLocked(ctx context.Context) error {
	m.state.Store(int32(Connecting))

	dialCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()
	conn, err := m.dialer.Dial(dialCtx, broker.Options{
		URL:      m.cfg.URL,
		Username: m.cfg.Username,
		Password: m.cfg.Password,
		ClientID: m.name,
		Timeout:  m.connectTimeout,
	})
	if err != nil {
		m.state.Store(int32(Disconnected))
		return &ConnectivityError{
			Op:        "connect",
			Manager:   m.name,
			URL:       sanitizeURL(m.cfg.URL),
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	m.conn = conn

	if err := m.installShutdownListenerLocked(); err != nil {
		m.closeConnLocked()
		return err
	}
	conn.SetExceptionListener(func(err error) { m.onConnectionLost(conn, err) })

	m.state.Store(int32(Connected))
	m.metrics.setConnected(m.name, true)
	m.notifyConnected()
	return nil
}

// installShutdownListenerLocked attaches an idle consumer to the shutdown
// endpoint, or to a temporary queue, so the driver watches the connection.
func (m *Manager) installShutdownListenerLocked() error {
	ref := strings.TrimSpace(m.cfg.ShutdownEndpoint)
	if ref == "" {
		return nil
	}
	session, err := m.conn.CreateSession(false)
	if err != nil {
		return m.brokerError("create shutdown session", err)
	}

	var addr broker.Address
	if ref == config.TemporaryShutdownEndpoint {
		if addr, err = session.CreateTemporaryQueue(); err != nil {
			_ = session.Close()
			return m.brokerError("create shutdown queue", err)
		}
	} else {
		ep, ok := m.byName[ref]
		if !ok || ep.dynamic {
			_ = session.Close()
			return configErrorf("shutdown endpoint", m.name, "%q is not a static endpoint of this manager", ref)
		}
		addr = ep.address
	}

	consumer, err := session.CreateConsumer(addr, "FALSE")
	if err != nil {
		_ = session.Close()
		return m.brokerError("create shutdown consumer", err)
	}
	m.shutdownSession = session
	m.shutdownConsumer = consumer
	return nil
}

// onConnectionLost handles the driver's exception callback for conn. Only
// the first call for the current connection tears it down.
func (m *Manager) onConnectionLost(conn broker.Connection, cause error) {
	if !m.inFlight.CompareAndSwap(false, true) {
		m.logger.Debug("connection teardown already in progress", "error", cause)
		return
	}
	defer m.inFlight.Store(false)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != conn {
		return
	}
	m.logger.Error("lost connection to broker", "url", sanitizeURL(m.cfg.URL), "error", cause)
	m.closeLocked(true, cause)
}

// Start starts every listener and then the connection.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usableLocked(); err != nil {
		return err
	}
	if m.conn == nil {
		return m.notConnected("start")
	}

	var errs []error
	for _, ep := range m.endpoints {
		if err := ep.restart(m.conn); err != nil {
			m.logger.Error("failed to start listeners", "endpoint", ep.name, "error", err)
			errs = append(errs, err)
		}
	}
	if err := m.conn.Start(); err != nil {
		errs = append(errs, m.brokerError("start connection", err))
	}
	return errors.Join(errs...)
}

// CheckConnection restarts a disconnected manager, or restarts the endpoints
// whose listeners are not consuming. A healthy manager is left untouched.
func (m *Manager) CheckConnection(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return nil
	}
	if m.conn == nil {
		if err := m.restartLocked(ctx); err != nil {
			m.logger.Warn("restart failed", "error", err)
			return err
		}
		return nil
	}

	var errs []error
	for _, ep := range m.endpoints {
		if ep.initializedCorrectly() {
			continue
		}
		m.logger.Info("restarting endpoint", "endpoint", ep.name)
		if err := ep.restart(m.conn); err != nil {
			m.logger.Warn("endpoint restart failed", "endpoint", ep.name, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Restart opens a new connection and restarts every listener. It does
// nothing when connected or not initialized.
func (m *Manager) Restart(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restartLocked(ctx)
}

func (m *Manager) restartLocked(ctx context.Context) error {
	if !m.initialized || m.conn != nil {
		return nil
	}
	m.logger.Info("restarting manager")

	if err := m.connectLocked(ctx); err != nil {
		m.closeLocked(true, err)
		return err
	}
	for _, ep := range m.endpoints {
		if err := ep.restart(m.conn); err != nil {
			if IsConfiguration(err) {
				m.logger.Error("failed to restart listeners", "endpoint", ep.name, "error", err)
				continue
			}
			m.closeLocked(true, err)
			return err
		}
	}
	if err := m.conn.Start(); err != nil {
		err = m.brokerError("start connection", err)
		m.closeLocked(true, err)
		return err
	}
	m.metrics.reconnected(m.name)
	m.logger.Info("manager restarted")
	return nil
}

// Reconnect tears the connection down and opens a new one.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usableLocked(); err != nil {
		return err
	}
	if m.conn != nil {
		m.closeLocked(true, nil)
	}
	return m.restartLocked(ctx)
}

// Close releases the listeners and the connection. With stopOnly the
// endpoints are kept for a later restart; otherwise they are discarded.
func (m *Manager) Close(stopOnly bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked(stopOnly, nil)
}

func (m *Manager) closeLocked(stopOnly bool, cause error) {
	wasConnected := m.conn != nil
	for _, ep := range m.endpoints {
		ep.stop(stopOnly)
	}
	m.closeConnLocked()

	m.metrics.setConnected(m.name, false)
	if stopOnly {
		m.metrics.tornDown(m.name)
	} else {
		m.discardEndpointsLocked()
		m.initialized = false
		m.metrics.forget(m.name)
	}
	if wasConnected {
		m.notifyDisconnected(cause)
	}
	m.logger.Info("manager stopped", "stop_only", stopOnly)
}

func (m *Manager) closeConnLocked() {
	if m.shutdownConsumer != nil {
		_ = m.shutdownConsumer.Close()
		m.shutdownConsumer = nil
	}
	if m.shutdownSession != nil {
		_ = m.shutdownSession.Close()
		m.shutdownSession = nil
	}
	if m.conn != nil {
		m.conn.SetExceptionListener(nil)
		if err := m.conn.Close(); err != nil {
			m.logger.Debug("close connection", "error", err)
		}
		m.conn = nil
	}
	m.state.Store(int32(Disconnected))
}

// CreateSession returns a new transacted session.
func (m *Manager) CreateSession(ctx context.Context) (broker.Session, error) {
	if m.checkOnRequest {
		if err := m.CheckConnection(ctx); err != nil {
			m.logger.Debug("connection check before session failed", "error", err)
		}
	}

	m.mu.Lock()
	if err := m.usableLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return nil, m.notConnected("create session")
	}

	session, err := conn.CreateSession(true)
	if err != nil {
		return nil, m.brokerError("create session", err)
	}
	return session, nil
}

func (m *Manager) notConnected(op string) error {
	return &ConnectivityError{
		Op:        op,
		Manager:   m.name,
		URL:       sanitizeURL(m.cfg.URL),
		Err:       ErrNotConnected,
		Timestamp: time.Now(),
	}
}

// brokerError classifies a driver error. Connection failures become
// ConnectivityErrors.
func (m *Manager) brokerError(op string, err error) error {
	if errors.Is(err, broker.ErrConnectionLost) || errors.Is(err, broker.ErrUnavailable) || errors.Is(err, broker.ErrClosed) {
		return &ConnectivityError{
			Op:        op,
			Manager:   m.name,
			URL:       sanitizeURL(m.cfg.URL),
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	var cerr *ConfigurationError
	if errors.As(err, &cerr) {
		return err
	}
	return fmt.Errorf("%s on %s: %w", op, m.name, err)
}

// sanitizeURL removes credentials from a broker URL for logging.
func sanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
