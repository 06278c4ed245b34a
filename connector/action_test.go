package connector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-connector/broker"
	"github.com/glimte/mmate-connector/broker/memory"
	"github.com/glimte/mmate-connector/document"
)

func mustParse(t *testing.T, s string) *document.Node {
	t.Helper()
	n, err := document.ParseString(s)
	require.NoError(t, err)
	return n
}

func TestProcess(t *testing.T) {
	ctx := context.Background()

	t.Run("Send returns the message id", func(t *testing.T) {
		b := memory.New()
		c := openConnector(t, b, ordersConfig)

		resp := c.Process(ctx,
			mustParse(t, `<SendOrder>
				<destination>Broker1.replies</destination>
				<message><order>1</order></message>
				<priority>3</priority>
				<jmstype>Order</jmstype>
				<properties><property name="n" type="Integer">5</property></properties>
			</SendOrder>`),
			mustParse(t, `<implementation><action>send</action></implementation>`),
		)
		require.False(t, IsFault(resp), resp.String())

		msgs := b.Messages("replies")
		require.Len(t, msgs, 1)
		assert.Equal(t, msgs[0].ID, resp.ChildText("messageid"))
		assert.Equal(t, "<order>1</order>", string(msgs[0].Body))
		assert.Equal(t, 3, msgs[0].Priority)
		assert.Equal(t, "Order", msgs[0].Type)
		assert.Equal(t, int32(5), msgs[0].Properties["n"])
	})

	t.Run("Dynamic send with reply-to", func(t *testing.T) {
		b := memory.New()
		c := openConnector(t, b, ordersConfig)

		resp := c.Process(ctx,
			mustParse(t, `<req>
				<destination physical-name="Q1?priority=9">Broker1.dyn-out</destination>
				<reply2destination>Broker1.replies</reply2destination>
				<message>hello</message>
				<createcorrelationid>true</createcorrelationid>
			</req>`),
			mustParse(t, `<impl><action>send</action></impl>`),
		)
		require.False(t, IsFault(resp), resp.String())

		msgs := b.Messages("Q1")
		require.Len(t, msgs, 1)
		assert.Equal(t, 9, msgs[0].Priority)
		assert.Equal(t, "replies", msgs[0].ReplyTo.Name)
		assert.Len(t, msgs[0].CorrelationID, 32)
	})

	t.Run("Get renders the received message", func(t *testing.T) {
		b := memory.New()
		c := openConnector(t, b, ordersConfig)
		id := publish(t, b, "replies", "<order>2</order>")

		resp := c.Process(ctx,
			mustParse(t, `<req><destination>Broker1.replies</destination><waitformessage>false</waitformessage></req>`),
			mustParse(t, `<impl><action>get</action><messageformat>xml</messageformat></impl>`),
		)
		require.False(t, IsFault(resp), resp.String())
		assert.Equal(t, "2", resp.ChildText("order"))
		assert.Equal(t, id, resp.ChildText("messageid"))
		assert.Equal(t, 0, b.Depth("replies"))
	})

	t.Run("Request round trip", func(t *testing.T) {
		b := memory.New()
		c := openConnector(t, b, ordersConfig)
		done := respond(t, b, "requests", func(req *broker.Message) string { return req.CorrelationID })

		resp := c.Process(ctx,
			mustParse(t, `<req>
				<destination>Broker1.requests</destination>
				<reply2destination>Broker1.replies</reply2destination>
				<message>ping</message>
				<createcorrelationid>true</createcorrelationid>
				<timeout>2000</timeout>
			</req>`),
			mustParse(t, `<impl><action>request</action></impl>`),
		)
		<-done
		require.False(t, IsFault(resp), resp.String())
		assert.Equal(t, "pong", resp.ChildText("message"))
	})

	t.Run("Supplied correlation id is kept", func(t *testing.T) {
		b := memory.New()
		c := openConnector(t, b, ordersConfig)

		resp := c.Process(ctx,
			mustParse(t, `<req>
				<destination>Broker1.replies</destination>
				<message>hi</message>
				<correlationid>C1</correlationid>
				<createcorrelationid>true</createcorrelationid>
			</req>`),
			mustParse(t, `<impl><action>send</action></impl>`),
		)
		require.False(t, IsFault(resp), resp.String())

		msgs := b.Messages("replies")
		require.Len(t, msgs, 1)
		assert.Equal(t, "C1", msgs[0].CorrelationID)
	})

	t.Run("Request without correlation sends no correlation id", func(t *testing.T) {
		b := memory.New()
		c := openConnector(t, b, ordersConfig)

		resp := c.Process(ctx,
			mustParse(t, `<req>
				<destination>Broker1.requests</destination>
				<reply2destination>Broker1.replies</reply2destination>
				<message>ping</message>
				<correlationid>C1</correlationid>
				<createcorrelationid>true</createcorrelationid>
				<usecorrelation>false</usecorrelation>
				<timeout>20</timeout>
			</req>`),
			mustParse(t, `<impl><action>request</action></impl>`),
		)
		require.True(t, IsFault(resp), resp.String())

		msgs := b.Messages("requests")
		require.Len(t, msgs, 1)
		assert.Empty(t, msgs[0].CorrelationID)
	})

	t.Run("Failures become faults and roll back", func(t *testing.T) {
		b := memory.New()
		c := openConnector(t, b, ordersConfig)
		publish(t, b, "replies", "kept")

		tests := []struct {
			name    string
			request string
			impl    string
			want    string
		}{
			{"missing action", `<req/>`, `<impl/>`, "invalid method request"},
			{"unknown action", `<req/>`, `<impl><action>peek</action></impl>`, "unknown action"},
			{"empty destination", `<req><message>x</message></req>`, `<impl><action>send</action></impl>`, "destination"},
			{"missing message", `<req><destination>Broker1.replies</destination></req>`, `<impl><action>send</action></impl>`, "message"},
			{"priority out of range", `<req><destination>Broker1.replies</destination><message>x</message><priority>12</priority></req>`, `<impl><action>send</action></impl>`, "priority"},
			{"bad boolean", `<req><destination>Broker1.replies</destination><waitformessage>yes</waitformessage></req>`, `<impl><action>get</action></impl>`, "waitformessage"},
			{"bad property type", `<req><destination>Broker1.replies</destination><message>x</message><properties><property name="p" type="Date">1</property></properties></req>`, `<impl><action>send</action></impl>`, "unsupported type"},
			{"untyped property", `<req><destination>Broker1.replies</destination><message>x</message><properties><property name="p">1</property></properties></req>`, `<impl><action>send</action></impl>`, "type is required"},
			{"timeout", `<req><destination>Broker1.replies</destination><messageselector>a = 1</messageselector><timeout>20</timeout></req>`, `<impl><action>get</action></impl>`, "no message received"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				resp := c.Process(ctx, mustParse(t, tt.request), mustParse(t, tt.impl))
				require.True(t, IsFault(resp), resp.String())
				assert.Equal(t, ServerException, resp.ChildText("faultcode"))
				assert.Contains(t, resp.ChildText("faultstring"), tt.want)
				assert.NotEmpty(t, resp.Child("detail").ChildText("trace"))
			})
		}
		assert.Equal(t, 1, b.Depth("replies"))
		assert.Equal(t, 0, b.Stats().Sends)
	})
}

func TestParams(t *testing.T) {
	t.Run("Implementation values win unless overridable", func(t *testing.T) {
		p := params{
			request: mustParse(t, `<req><timeout>1</timeout><jmstype>A</jmstype><messageid>m</messageid></req>`),
			impl:    mustParse(t, `<impl><timeout>5</timeout><jmstype overridable="true">B</jmstype></impl>`),
		}
		assert.Equal(t, "5", p.text("timeout", ""))
		assert.Equal(t, "A", p.text("jmstype", ""))
		assert.Equal(t, "m", p.text("messageid", ""))
		assert.Equal(t, "d", p.text("absent", "d"))
	})

	t.Run("Typed values", func(t *testing.T) {
		p := params{
			request: mustParse(t, `<req><a>true</a><b>TRUE</b><n>42</n><x>4x</x></req>`),
			impl:    document.Element("impl"),
		}
		v, err := p.boolean("a", false)
		require.NoError(t, err)
		assert.True(t, v)
		_, err = p.boolean("b", false)
		assert.True(t, IsValidation(err))
		n, err := p.long("n", 0)
		require.NoError(t, err)
		assert.Equal(t, int64(42), n)
		_, err = p.long("x", 0)
		assert.True(t, IsValidation(err))
	})
}

func TestPropertyOverride(t *testing.T) {
	const request = `<req><properties>
		<property name="a" type="String">req-a</property>
		<property name="c" type="Long">3</property>
	</properties></req>`

	tests := []struct {
		name string
		impl string
		want broker.Properties
	}{
		{
			"request only",
			`<impl/>`,
			broker.Properties{"a": "req-a", "c": int64(3)},
		},
		{
			"default adds missing request properties",
			`<impl><properties><property name="a" type="String">impl-a</property><property name="b" type="Boolean">true</property></properties></impl>`,
			broker.Properties{"a": "impl-a", "b": true, "c": int64(3)},
		},
		{
			"change lets request values overwrite",
			`<impl><properties override="change"><property name="a" type="String">impl-a</property><property name="b" type="Short">2</property></properties></impl>`,
			broker.Properties{"a": "req-a", "b": int16(2), "c": int64(3)},
		},
		{
			"rewrite replaces the implementation set",
			`<impl><properties override="rewrite"><property name="b" type="Byte">1</property></properties></impl>`,
			broker.Properties{"a": "req-a", "c": int64(3)},
		},
		{
			"none ignores the request",
			`<impl><properties override="none"><property name="b" type="Double">1.5</property></properties></impl>`,
			broker.Properties{"b": 1.5},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := params{request: mustParse(t, request), impl: mustParse(t, tt.impl)}
			got, err := p.properties()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
