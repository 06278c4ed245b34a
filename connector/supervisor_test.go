package connector

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-connector/broker/memory"
	"github.com/glimte/mmate-connector/config"
)

func TestSupervisor(t *testing.T) {
	t.Run("Interval is clamped to the minimum", func(t *testing.T) {
		c := newConnector(t, memory.New(), "pollInterval: 1s\n"+ordersConfig)
		assert.Equal(t, config.MinPollInterval, c.Supervisor().Interval())

		c = newConnector(t, memory.New(), ordersConfig)
		assert.Equal(t, config.DefaultPollInterval, c.Supervisor().Interval())
	})

	t.Run("Run stops on cancellation", func(t *testing.T) {
		c := newConnector(t, memory.New(), ordersConfig)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- c.Supervisor().Run(ctx) }()

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Fatal("supervisor did not stop")
		}
	})

	t.Run("Check restarts lost managers", func(t *testing.T) {
		b := memory.New()
		c := openConnector(t, b, ordersConfig)
		m, err := c.Manager("Broker1")
		require.NoError(t, err)

		b.Connections()[0].Fail(nil)
		require.False(t, m.Connected())

		c.Supervisor().check(context.Background())
		assert.True(t, m.Connected())
	})
}

func TestResolver(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	c := openConnector(t, b, ordersConfig)
	m, err := c.Manager("Broker1")
	require.NoError(t, err)

	b.SetUnavailable(true)
	b.Connections()[0].Fail(nil)

	res := c.Resolver().Resolve(ctx, "Broker1")
	assert.False(t, res.Resolved)
	assert.Equal(t, FirstRetryAfter, res.RetryAfter)
	assert.True(t, IsConnectivity(res.Err))

	res = c.Resolver().Resolve(ctx, "Broker1")
	assert.False(t, res.Resolved)
	assert.Equal(t, RetryAfter, res.RetryAfter)

	b.SetUnavailable(false)
	res = c.Resolver().Resolve(ctx, "Broker1")
	assert.True(t, res.Resolved)
	assert.True(t, m.Connected())

	res = c.Resolver().Resolve(ctx, "Unknown")
	assert.ErrorIs(t, res.Err, ErrUnknownManager)
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	b := memory.New()
	c := openConnector(t, b, ordersConfig, WithRegisterer(reg), WithInvoker(&recordingInvoker{}))

	tx := c.NewTransaction()
	_, err := tx.Send(ctx, "Broker1.replies", SendOptions{Message: textPayload("x")})
	require.NoError(t, err)
	tx.Commit()

	publish(t, b, "orders", "o")
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(c.metrics.listener.WithLabelValues("Broker1", "orders", outcomeSuccess)) == 1
	}, waitFor, tick)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.operations.WithLabelValues("Broker1", "replies", "send", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.connected.WithLabelValues("Broker1")))

	b.Connections()[0].Fail(nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.teardowns.WithLabelValues("Broker1")))
	require.NoError(t, c.CheckConnections(ctx))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.reconnects.WithLabelValues("Broker1")))

	t.Run("Collectors are reused on a second registration", func(t *testing.T) {
		m2, err := NewMetrics(reg)
		require.NoError(t, err)
		assert.Same(t, c.metrics.operations, m2.operations)
	})
}
