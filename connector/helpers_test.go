package connector

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-connector/broker"
	"github.com/glimte/mmate-connector/broker/memory"
	"github.com/glimte/mmate-connector/config"
	"github.com/glimte/mmate-connector/document"
)

const ordersConfig = `
managers:
  - name: Broker1
    url: memory://test
    timeout: 1s
    endpoints:
      - name: orders
        address: queue://orders
        errorEndpoint: deadletter
        trigger:
          name: OrderTrigger
          template: '<ProcessOrder id="{$messageid}"><body>{$inputmessage}</body><from>{$fromdestination}</from><props>{$properties}</props></ProcessOrder>'
      - name: deadletter
        access: write
        address: queue://orders.dlq
      - name: replies
        address: queue://replies
      - name: requests
        address: queue://requests
      - name: dyn-out
        address: dynamic
        defaultDynamic: true
        dynamicParameters: priority=5
`

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func parseConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	return cfg
}

func newConnector(t *testing.T, b *memory.Broker, yaml string, opts ...Option) *Connector {
	t.Helper()
	base := []Option{WithDialer("memory", b), WithRegisterer(nil), WithLogger(testLogger)}
	c, err := New(parseConfig(t, yaml), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func openConnector(t *testing.T, b *memory.Broker, yaml string, opts ...Option) *Connector {
	t.Helper()
	c := newConnector(t, b, yaml, opts...)
	require.NoError(t, c.Open(context.Background()))
	return c
}

func endpoint(t *testing.T, c *Connector, ref string) *Endpoint {
	t.Helper()
	ep, err := c.Endpoint(ref)
	require.NoError(t, err)
	return ep
}

func session(t *testing.T, c *Connector, manager string) broker.Session {
	t.Helper()
	m, err := c.Manager(manager)
	require.NoError(t, err)
	s, err := m.CreateSession(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func textPayload(s string) *document.Node {
	return document.ElementText("message", s)
}

func publish(t *testing.T, b *memory.Broker, queue, body string) string {
	t.Helper()
	id, err := b.Publish(broker.QueueAddress(queue), broker.NewMessage([]byte(body)))
	require.NoError(t, err)
	return id
}

// recordingInvoker records every request and answers with respond.
type recordingInvoker struct {
	mu       sync.Mutex
	requests []*document.Node
	respond  func(*document.Node) (*document.Node, error)
}

func (r *recordingInvoker) Invoke(_ context.Context, req *document.Node, _ time.Duration) (*document.Node, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	respond := r.respond
	r.mu.Unlock()
	if respond == nil {
		return document.Element("ok"), nil
	}
	return respond(req)
}

func (r *recordingInvoker) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func (r *recordingInvoker) last() *document.Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.requests) == 0 {
		return nil
	}
	return r.requests[len(r.requests)-1]
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)
