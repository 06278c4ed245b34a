package connector

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Listener outcomes.
const (
	outcomeSuccess    = "success"
	outcomeError      = "error"
	outcomeRolledBack = "rolled_back"
	outcomeDropped    = "dropped"
	outcomeForwarded  = "forwarded"
)

// Metrics holds the connector's Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	operations *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	listener   *prometheus.CounterVec
	reconnects *prometheus.CounterVec
	teardowns  *prometheus.CounterVec
	connected  *prometheus.GaugeVec
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mmate",
			Subsystem: "connector",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates the collectors and registers them with registerer.
// Collectors that are already registered are reused.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		operations: newCounterVec("operations_total", "Endpoint operations by result", []string{"manager", "endpoint", "operation", "result"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mmate",
			Subsystem: "connector",
			Name:      "operation_duration_seconds",
			Help:      "Duration of endpoint operations",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
		}, []string{"manager", "endpoint", "operation"}),
		listener:   newCounterVec("listener_messages_total", "Messages handled by listeners by outcome", []string{"manager", "endpoint", "outcome"}),
		reconnects: newCounterVec("reconnects_total", "Successful manager restarts", []string{"manager"}),
		teardowns:  newCounterVec("teardowns_total", "Manager stop-only teardowns", []string{"manager"}),
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mmate",
			Subsystem: "connector",
			Name:      "connected",
			Help:      "1 while the manager holds a broker connection",
		}, []string{"manager"}),
	}

	var err error
	if m.operations, err = register(registerer, m.operations); err != nil {
		return nil, err
	}
	if m.durations, err = register(registerer, m.durations); err != nil {
		return nil, err
	}
	if m.listener, err = register(registerer, m.listener); err != nil {
		return nil, err
	}
	if m.reconnects, err = register(registerer, m.reconnects); err != nil {
		return nil, err
	}
	if m.teardowns, err = register(registerer, m.teardowns); err != nil {
		return nil, err
	}
	if m.connected, err = register(registerer, m.connected); err != nil {
		return nil, err
	}
	return m, nil
}

// register registers c, returning the existing collector when an identical
// one is already registered.
func register[T prometheus.Collector](r prometheus.Registerer, c T) (T, error) {
	if err := r.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) observe(manager, endpoint, op string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.operations.WithLabelValues(manager, endpoint, op, result).Inc()
	m.durations.WithLabelValues(manager, endpoint, op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) listenerOutcome(manager, endpoint, outcome string) {
	if m == nil {
		return
	}
	m.listener.WithLabelValues(manager, endpoint, outcome).Inc()
}

func (m *Metrics) reconnected(manager string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(manager).Inc()
}

func (m *Metrics) tornDown(manager string) {
	if m == nil {
		return
	}
	m.teardowns.WithLabelValues(manager).Inc()
}

func (m *Metrics) setConnected(manager string, v bool) {
	if m == nil {
		return
	}
	g := 0.0
	if v {
		g = 1
	}
	m.connected.WithLabelValues(manager).Set(g)
}

// forget drops the per-manager series after a full teardown.
func (m *Metrics) forget(manager string) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"manager": manager}
	m.operations.DeletePartialMatch(labels)
	m.durations.DeletePartialMatch(labels)
	m.listener.DeletePartialMatch(labels)
	m.reconnects.DeletePartialMatch(labels)
	m.teardowns.DeletePartialMatch(labels)
	m.connected.DeletePartialMatch(labels)
}
