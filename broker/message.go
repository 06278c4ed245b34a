package broker

import (
	"sort"
	"time"
)

// BodyKind tells consumers whether the body was sent as text or bytes.
type BodyKind int

const (
	TextBody BodyKind = iota
	BytesBody
)

// Message is a broker message with JMS-style headers.
type Message struct {
	ID            string
	CorrelationID string
	Type          string
	Destination   Address
	ReplyTo       Address
	Body          []byte
	BodyKind      BodyKind
	// Persistent is nil when the producer default applies.
	Persistent *bool
	// Priority is -1 when unset.
	Priority int
	// Expiration is the time to live; zero never expires.
	Expiration    time.Duration
	Timestamp     time.Time
	Redelivered   bool
	DeliveryCount int
	Properties    Properties
}

// NewMessage returns a text message with unset producer settings.
func NewMessage(body []byte) *Message {
	return &Message{
		Body:       body,
		Priority:   -1,
		Properties: Properties{},
	}
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	c := *m
	c.Body = append([]byte(nil), m.Body...)
	if m.Persistent != nil {
		p := *m.Persistent
		c.Persistent = &p
	}
	c.Properties = m.Properties.Clone()
	return &c
}

// Lookup resolves a selector identifier against the message headers and
// properties.
func (m *Message) Lookup(name string) (any, bool) {
	switch name {
	case "JMSMessageID":
		return m.ID, true
	case "JMSCorrelationID":
		if m.CorrelationID == "" {
			return nil, false
		}
		return m.CorrelationID, true
	case "JMSType":
		if m.Type == "" {
			return nil, false
		}
		return m.Type, true
	case "JMSPriority":
		if m.Priority < 0 {
			return int32(4), true
		}
		return int32(m.Priority), true
	case "JMSDeliveryMode":
		if m.Persistent != nil && !*m.Persistent {
			return "NON_PERSISTENT", true
		}
		return "PERSISTENT", true
	case "JMSTimestamp":
		return m.Timestamp.UnixMilli(), true
	case "JMSRedelivered":
		return m.Redelivered, true
	case DeliveryCountProperty:
		return int32(m.DeliveryCount), true
	}
	v, ok := m.Properties[name]
	return v, ok
}

// Properties holds typed message properties. Values are string, bool, int8,
// int16, int32, int64, float32 or float64; anything else is reported as an
// Object.
type Properties map[string]any

func (p Properties) Clone() Properties {
	c := make(Properties, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}

// Names returns the property names in sorted order.
func (p Properties) Names() []string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// TypeName returns the JMS type name for a property value.
func TypeName(v any) string {
	switch v.(type) {
	case string:
		return "String"
	case int16:
		return "Short"
	case int8, uint8:
		return "Byte"
	case bool:
		return "Boolean"
	case float64:
		return "Double"
	case float32:
		return "Float"
	case int32, int:
		return "Integer"
	case int64:
		return "Long"
	default:
		return "Object"
	}
}
