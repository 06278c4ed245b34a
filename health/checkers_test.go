package health

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-connector/broker/memory"
	"github.com/glimte/mmate-connector/config"
	"github.com/glimte/mmate-connector/connector"
)

const testConfig = `
managers:
  - name: Broker1
    url: memory://health
    endpoints:
      - name: orders
        address: queue://orders
`

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func openConnector(t *testing.T, b *memory.Broker, yaml string) *connector.Connector {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	c, err := connector.New(cfg,
		connector.WithDialer("memory", b),
		connector.WithRegisterer(nil),
		connector.WithLogger(testLogger),
	)
	require.NoError(t, err)
	require.NoError(t, c.Open(context.Background()))
	t.Cleanup(c.Close)
	return c
}

func TestManagerChecker(t *testing.T) {
	ctx := context.Background()

	t.Run("Connected manager is healthy", func(t *testing.T) {
		c := openConnector(t, memory.New(), testConfig)
		m, err := c.Manager("Broker1")
		require.NoError(t, err)

		result := NewManagerChecker(m, nil, testLogger).Check(ctx)
		assert.Equal(t, "manager_Broker1", result.Name)
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, "connected", result.Details["state"])
		assert.Equal(t, 1, result.Details["endpoints"])
	})

	t.Run("Passive check reports a lost connection", func(t *testing.T) {
		b := memory.New()
		c := openConnector(t, b, testConfig)
		m, err := c.Manager("Broker1")
		require.NoError(t, err)
		b.Connections()[0].Fail(nil)

		result := NewManagerChecker(m, nil, testLogger).Check(ctx)
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Zero(t, result.RetryAfter)
	})

	t.Run("Resolver reconnects or asks to retry", func(t *testing.T) {
		b := memory.New()
		c := openConnector(t, b, testConfig)
		m, err := c.Manager("Broker1")
		require.NoError(t, err)
		checker := NewManagerChecker(m, c.Resolver(), testLogger)

		b.SetUnavailable(true)
		b.Connections()[0].Fail(nil)

		result := checker.Check(ctx)
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, 60*time.Second, result.RetryAfter)
		assert.NotEmpty(t, result.Error)

		result = checker.Check(ctx)
		assert.Equal(t, 30*time.Second, result.RetryAfter)

		b.SetUnavailable(false)
		result = checker.Check(ctx)
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, true, result.Details["resolved"])
	})

	t.Run("Configuration errors are unhealthy", func(t *testing.T) {
		c := openConnector(t, memory.New(), `
runWithConfigurationErrors: true
managers:
  - name: Broker1
    url: memory://health
    endpoints:
      - name: orders
        address: queue://orders
        errorEndpoint: missing
`)
		m, err := c.Manager("Broker1")
		require.NoError(t, err)
		result := NewManagerChecker(m, c.Resolver(), testLogger).Check(ctx)
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "Manager has a configuration error", result.Message)
	})

	t.Run("RegisterManagers adds one checker per manager", func(t *testing.T) {
		c := openConnector(t, memory.New(), testConfig)
		r := NewRegistry()
		RegisterManagers(r, c, true, testLogger)
		h := r.Check(ctx)
		assert.Contains(t, h.Checks, "manager_Broker1")
		assert.Equal(t, StatusHealthy, h.Status)
	})
}

func TestMemoryChecker(t *testing.T) {
	assert.Equal(t, StatusHealthy, NewMemoryChecker(100000, 200000).Check(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, NewMemoryChecker(0, 0).Check(context.Background()).Status)
}
