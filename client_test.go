package mmate

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-connector/broker"
	"github.com/glimte/mmate-connector/broker/memory"
	"github.com/glimte/mmate-connector/config"
	"github.com/glimte/mmate-connector/document"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func testClientConfig(t *testing.T, host string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(`
managers:
  - name: Broker1
    url: memory://` + host + `
    endpoints:
      - name: orders
        address: queue://orders
        trigger:
          template: '<ProcessOrder>{$inputmessage}</ProcessOrder>'
      - name: out
        address: queue://out
`))
	require.NoError(t, err)
	return cfg
}

func mustParse(t *testing.T, s string) *document.Node {
	t.Helper()
	n, err := document.ParseString(s)
	require.NoError(t, err)
	return n
}

func TestClient(t *testing.T) {
	ctx := context.Background()

	t.Run("Process sends through the shared memory broker", func(t *testing.T) {
		client, err := NewClientWithOptions(testClientConfig(t, "client-send"), WithLogger(testLogger), WithRegisterer(nil))
		require.NoError(t, err)
		require.NoError(t, client.Start(ctx))
		defer client.Close()

		resp := client.Process(ctx,
			mustParse(t, `<req><destination>Broker1.out</destination><message>hi</message></req>`),
			mustParse(t, `<impl><action>send</action></impl>`),
		)
		assert.NotEmpty(t, resp.ChildText("messageid"), resp.String())
		assert.Equal(t, 1, memory.Shared("client-send").Depth("out"))

		h := client.Health().Check(ctx)
		assert.Contains(t, h.Checks, "manager_Broker1")
	})

	t.Run("Listeners invoke the configured service URL", func(t *testing.T) {
		got := make(chan string, 1)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			got <- string(body)
			w.Write([]byte("<ok/>"))
		}))
		defer srv.Close()

		client, err := NewClientWithOptions(testClientConfig(t, "client-listen"),
			WithLogger(testLogger), WithRegisterer(nil), WithServiceURL(srv.URL))
		require.NoError(t, err)
		require.NoError(t, client.Start(ctx))
		defer client.Close()

		_, err = memory.Shared("client-listen").Publish(broker.QueueAddress("orders"), broker.NewMessage([]byte("o-1")))
		require.NoError(t, err)

		select {
		case body := <-got:
			assert.Contains(t, body, "<ProcessOrder>o-1</ProcessOrder>")
		case <-time.After(2 * time.Second):
			t.Fatal("service was not invoked")
		}
	})

	t.Run("Custom dialers replace the built-in ones", func(t *testing.T) {
		b := memory.New()
		client, err := NewClientWithOptions(testClientConfig(t, "ignored"),
			WithLogger(testLogger), WithRegisterer(nil), WithDialer("memory", b))
		require.NoError(t, err)
		require.NoError(t, client.Start(ctx))
		require.NoError(t, client.Start(ctx))
		assert.Len(t, b.Connections(), 1)

		require.NoError(t, client.Close())
		assert.Empty(t, b.Connections())
	})

	t.Run("LoadClient reports missing files", func(t *testing.T) {
		_, err := LoadClient("does-not-exist.yaml")
		assert.Error(t, err)
	})
}
