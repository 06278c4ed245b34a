package connector

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-connector/broker"
	"github.com/glimte/mmate-connector/broker/memory"
	"github.com/glimte/mmate-connector/document"
)

func TestEndpointSend(t *testing.T) {
	ctx := context.Background()

	t.Run("Out of range priority is rejected before any broker I/O", func(t *testing.T) {
		b := memory.New()
		c := openConnector(t, b, ordersConfig)
		replies := endpoint(t, c, "Broker1.replies")
		s := session(t, c, "Broker1")

		for _, p := range []int{-1, 10, 99} {
			p := p
			_, err := replies.Send(ctx, s, SendOptions{Message: textPayload("x"), Priority: &p})
			require.Error(t, err)
			assert.True(t, IsValidation(err), "priority %d", p)
		}
		assert.Equal(t, 0, b.Stats().Sends)
	})

	t.Run("Valid priority is applied", func(t *testing.T) {
		b := memory.New()
		c := openConnector(t, b, ordersConfig)
		s := session(t, c, "Broker1")

		p := 7
		_, err := endpoint(t, c, "Broker1.replies").Send(ctx, s, SendOptions{Message: textPayload("x"), Priority: &p})
		require.NoError(t, err)
		require.NoError(t, s.Commit())
		require.Len(t, b.Messages("replies"), 1)
		assert.Equal(t, 7, b.Messages("replies")[0].Priority)
	})

	t.Run("Caller parameters win over dynamic defaults", func(t *testing.T) {
		b := memory.New()
		c := openConnector(t, b, ordersConfig)
		dyn := endpoint(t, c, "Broker1.dyn-out")
		s := session(t, c, "Broker1")

		_, err := dyn.Send(ctx, s, SendOptions{Message: textPayload("a"), PhysicalAddress: "Q1?priority=9"})
		require.NoError(t, err)
		_, err = dyn.Send(ctx, s, SendOptions{Message: textPayload("b"), PhysicalAddress: "Q2"})
		require.NoError(t, err)
		require.NoError(t, s.Commit())

		q1 := b.Messages("Q1")
		require.Len(t, q1, 1)
		assert.Equal(t, "Q1?priority=9", q1[0].Destination.Name)
		assert.Equal(t, 9, q1[0].Priority)

		q2 := b.Messages("Q2")
		require.Len(t, q2, 1)
		assert.Equal(t, "Q2?priority=5", q2[0].Destination.Name)
		assert.Equal(t, 5, q2[0].Priority)
	})

	t.Run("Physical address rules", func(t *testing.T) {
		b := memory.New()
		c := openConnector(t, b, ordersConfig)
		s := session(t, c, "Broker1")

		_, err := endpoint(t, c, "Broker1.replies").Send(ctx, s, SendOptions{Message: textPayload("x"), PhysicalAddress: "Q1"})
		assert.True(t, IsConfiguration(err))

		_, err = endpoint(t, c, "Broker1.dyn-out").Send(ctx, s, SendOptions{Message: textPayload("x")})
		assert.True(t, IsConfiguration(err))
		assert.Equal(t, 0, b.Stats().Sends)
	})

	t.Run("Write access is required", func(t *testing.T) {
		b := memory.New()
		c := openConnector(t, b, `
managers:
  - name: Broker1
    url: memory://test
    endpoints:
      - name: in
        access: read
        address: queue://in
`)
		_, err := endpoint(t, c, "Broker1.in").Send(ctx, session(t, c, "Broker1"), SendOptions{Message: textPayload("x")})
		assert.ErrorIs(t, err, ErrNoWrite)
	})

	t.Run("Base64 payload is sent as bytes", func(t *testing.T) {
		b := memory.New()
		c := openConnector(t, b, ordersConfig)
		s := session(t, c, "Broker1")

		payload := textPayload(base64.StdEncoding.EncodeToString([]byte{0x01, 0x02, 0xff}))
		_, err := endpoint(t, c, "Broker1.replies").Send(ctx, s, SendOptions{Message: payload, Format: FormatBase64})
		require.NoError(t, err)
		require.NoError(t, s.Commit())

		msg := b.Messages("replies")[0]
		assert.Equal(t, broker.BytesBody, msg.BodyKind)
		assert.Equal(t, []byte{0x01, 0x02, 0xff}, msg.Body)
	})

	t.Run("Hooks run in order and an error aborts the send", func(t *testing.T) {
		b := memory.New()
		var order []string
		first := SendHookFunc(func(_ context.Context, _ *Endpoint, msg *broker.Message) error {
			order = append(order, "first")
			msg.Properties["stamp"] = "yes"
			return nil
		})
		second := SendHookFunc(func(_ context.Context, _ *Endpoint, msg *broker.Message) error {
			order = append(order, "second")
			if string(msg.Body) == "reject" {
				return assert.AnError
			}
			return nil
		})
		c := openConnector(t, b, ordersConfig, WithSendHooks(first, second))
		s := session(t, c, "Broker1")
		replies := endpoint(t, c, "Broker1.replies")

		_, err := replies.Send(ctx, s, SendOptions{Message: textPayload("ok")})
		require.NoError(t, err)
		_, err = replies.Send(ctx, s, SendOptions{Message: textPayload("reject")})
		assert.ErrorIs(t, err, assert.AnError)
		require.NoError(t, s.Commit())

		assert.Equal(t, []string{"first", "second", "first", "second"}, order)
		msgs := b.Messages("replies")
		require.Len(t, msgs, 1)
		assert.Equal(t, "yes", msgs[0].Properties["stamp"])
	})
}

func TestPayloadText(t *testing.T) {
	tests := []struct {
		name    string
		payload *document.Node
		want    string
	}{
		{"text", textPayload("hello"), "hello"},
		{"single element", document.Element("message", document.ElementText("order", "1")), "<order>1</order>"},
		{"several text nodes", document.Element("message", document.TextNode("a"), document.TextNode("b")), "ab"},
		{
			"mixed content",
			document.Element("message", document.ElementText("a", "1"), document.ElementText("b", "2")),
			"<message><a>1</a><b>2</b></message>",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, payloadText(tt.payload))
		})
	}
}

func TestEndpointReceive(t *testing.T) {
	ctx := context.Background()

	t.Run("Returns nil when nothing is waiting", func(t *testing.T) {
		b := memory.New()
		c := openConnector(t, b, ordersConfig)
		rcv, err := endpoint(t, c, "Broker1.replies").Receive(ctx, session(t, c, "Broker1"), ReceiveOptions{})
		require.NoError(t, err)
		assert.Nil(t, rcv)

		rcv, err = endpoint(t, c, "Broker1.replies").Receive(ctx, session(t, c, "Broker1"), ReceiveOptions{Wait: true, Timeout: 20 * time.Millisecond})
		require.NoError(t, err)
		assert.Nil(t, rcv)
	})

	t.Run("Renders body and provenance", func(t *testing.T) {
		b := memory.New()
		c := openConnector(t, b, ordersConfig)
		msg := broker.NewMessage([]byte("<order>1</order>"))
		msg.CorrelationID = "C1"
		msg.Type = "Order"
		msg.Properties["count"] = int32(3)
		msg.Properties["flag"] = true
		id, err := b.Publish(broker.QueueAddress("replies"), msg)
		require.NoError(t, err)

		rcv, err := endpoint(t, c, "Broker1.replies").Receive(ctx, session(t, c, "Broker1"), ReceiveOptions{Format: FormatXML})
		require.NoError(t, err)
		require.NotNil(t, rcv)

		res := rcv.Result
		assert.Equal(t, "1", res.ChildText("order"))
		assert.Equal(t, id, res.ChildText("messageid"))
		assert.Equal(t, "C1", res.ChildText("correlationid"))
		assert.Equal(t, "Order", res.ChildText("jmstype"))
		assert.Equal(t, "Broker1.replies", res.ChildText("fromdestination"))
		assert.False(t, res.Child("fromdestination").HasAttr("physical-name"))

		props := res.Child("properties").Elements()
		require.Len(t, props, 2)
		assert.Equal(t, "count", props[0].Attr("name"))
		assert.Equal(t, "Integer", props[0].Attr("type"))
		assert.Equal(t, "3", props[0].InnerText())
		assert.Equal(t, "Boolean", props[1].Attr("type"))
	})

	t.Run("Base64 and default formats", func(t *testing.T) {
		b := memory.New()
		c := openConnector(t, b, ordersConfig)
		ep := endpoint(t, c, "Broker1.replies")
		publish(t, b, "replies", "plain")
		publish(t, b, "replies", "plain")

		rcv, err := ep.Receive(ctx, session(t, c, "Broker1"), ReceiveOptions{})
		require.NoError(t, err)
		assert.Equal(t, "plain", rcv.Result.ChildText("message"))

		rcv, err = ep.Receive(ctx, session(t, c, "Broker1"), ReceiveOptions{Format: FormatBase64})
		require.NoError(t, err)
		assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("plain")), rcv.Result.ChildText("message"))
	})

	t.Run("Correlation id is folded into the selector", func(t *testing.T) {
		b := memory.New()
		c := openConnector(t, b, ordersConfig)
		for _, corr := range []string{"C0", "C1"} {
			m := broker.NewMessage([]byte(corr))
			m.CorrelationID = corr
			_, err := b.Publish(broker.QueueAddress("replies"), m)
			require.NoError(t, err)
		}

		rcv, err := endpoint(t, c, "Broker1.replies").Receive(ctx, session(t, c, "Broker1"), ReceiveOptions{CorrelationID: "C1"})
		require.NoError(t, err)
		require.NotNil(t, rcv)
		assert.Equal(t, "C1", string(rcv.Message.Body))
	})

	t.Run("Render failure forwards the message to the error endpoint", func(t *testing.T) {
		b := memory.New()
		c := openConnector(t, b, `
managers:
  - name: Broker1
    url: memory://test
    endpoints:
      - name: in
        address: queue://in
        errorEndpoint: errors
      - name: errors
        address: queue://errors
`)
		id := publish(t, b, "in", "not xml")
		s := session(t, c, "Broker1")

		_, err := endpoint(t, c, "Broker1.in").Receive(ctx, s, ReceiveOptions{Format: FormatXML})
		require.Error(t, err)

		errs := b.Messages("errors")
		require.Len(t, errs, 1)
		assert.Equal(t, id, errs[0].Properties[PropertyOriginalID])
		assert.Contains(t, errs[0].Properties[PropertyProcessError], "parse message body")
	})
}

func TestCorrelationSelector(t *testing.T) {
	assert.Equal(t, "", correlationSelector("", ""))
	assert.Equal(t, "a = 1", correlationSelector("a = 1", ""))
	assert.Equal(t, "JMSCorrelationID = 'C1'", correlationSelector("", "C1"))
	assert.Equal(t, "(a = 1) AND JMSCorrelationID = 'it''s'", correlationSelector("a = 1", "it's"))
}

func TestDescribeAddress(t *testing.T) {
	ctx := context.Background()

	t.Run("Known static reply-to carries no physical name", func(t *testing.T) {
		b := memory.New()
		c := openConnector(t, b, ordersConfig)
		s := session(t, c, "Broker1")

		_, err := endpoint(t, c, "Broker1.requests").Send(ctx, s, SendOptions{
			Message: textPayload("x"),
			ReplyTo: endpoint(t, c, "Broker1.replies"),
		})
		require.NoError(t, err)
		require.NoError(t, s.Commit())

		rcv, err := endpoint(t, c, "Broker1.requests").Receive(ctx, s, ReceiveOptions{})
		require.NoError(t, err)
		reply := rcv.Result.Child("reply2destination")
		assert.Equal(t, "Broker1.replies", reply.InnerText())
		assert.False(t, reply.HasAttr("physical-name"))
	})

	t.Run("Manager close races with readers", func(t *testing.T) {
		c := openConnector(t, memory.New(), ordersConfig)
		m, err := c.Manager("Broker1")
		require.NoError(t, err)
		orders := endpoint(t, c, "Broker1.orders")
		replies := endpoint(t, c, "Broker1.replies")

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 200; j++ {
					_ = replies.ErrorEndpoint()
					_, _ = orders.describeAddress(broker.QueueAddress("R1"))
				}
			}()
		}
		m.Close(false)
		wg.Wait()

		assert.Nil(t, replies.ErrorEndpoint())
		ref, physical := orders.describeAddress(broker.QueueAddress("R1"))
		assert.Equal(t, "Broker1.orders", ref)
		assert.Equal(t, "R1", physical)
	})

	t.Run("Unknown reply-to is reported through the default dynamic endpoint", func(t *testing.T) {
		b := memory.New()
		c := openConnector(t, b, ordersConfig)
		s := session(t, c, "Broker1")

		_, err := endpoint(t, c, "Broker1.requests").Send(ctx, s, SendOptions{
			Message:                textPayload("x"),
			ReplyTo:                endpoint(t, c, "Broker1.dyn-out"),
			ReplyToPhysicalAddress: "R1",
		})
		require.NoError(t, err)
		require.NoError(t, s.Commit())

		rcv, err := endpoint(t, c, "Broker1.requests").Receive(ctx, s, ReceiveOptions{})
		require.NoError(t, err)
		reply := rcv.Result.Child("reply2destination")
		assert.Equal(t, "Broker1.dyn-out", reply.InnerText())
		assert.Equal(t, "R1?priority=5", reply.Attr("physical-name"))
	})
}

func TestErrorEndpoint(t *testing.T) {
	b := memory.New()
	c := openConnector(t, b, `
managers:
  - name: Broker1
    url: memory://test
    endpoints:
      - name: self
        address: queue://self
        errorEndpoint: self
      - name: bound
        address: queue://bound
        errorEndpoint: Broker1.dlq
      - name: plain
        address: queue://plain
      - name: fallback
        address: queue://fallback
        defaultError: true
      - name: dlq
        address: queue://dlq
`)

	assert.Nil(t, endpoint(t, c, "Broker1.self").ErrorEndpoint())
	assert.Same(t, endpoint(t, c, "Broker1.dlq"), endpoint(t, c, "Broker1.bound").ErrorEndpoint())
	assert.Same(t, endpoint(t, c, "Broker1.fallback"), endpoint(t, c, "Broker1.plain").ErrorEndpoint())
	assert.Nil(t, endpoint(t, c, "Broker1.fallback").ErrorEndpoint())
}
