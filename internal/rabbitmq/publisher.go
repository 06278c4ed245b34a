package rabbitmq

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-connector/broker"
)

const (
	contentTypeText  = "text/plain"
	contentTypeBytes = "application/octet-stream"

	// deliveryCountHeader is maintained by quorum queues.
	deliveryCountHeader = "x-delivery-count"
)

// Send publishes msg to dest. On a transacted session the message is
// routed on TxCommit.
func (s *Session) Send(ctx context.Context, dest broker.Address, msg *broker.Message) (string, error) {
	if err := s.usable(); err != nil {
		return "", err
	}
	exchange, key := route(dest)
	if dest.Kind == broker.Queue && !dest.Temporary {
		if err := s.ensureQueue(key); err != nil {
			return "", err
		}
	}

	id := msg.ID
	if id == "" {
		id = "ID:" + uuid.NewString()
	}
	pub := toPublishing(msg, id)

	s.mu.Lock()
	err := s.ch.PublishWithContext(ctx, exchange, key, false, false, pub)
	s.mu.Unlock()
	if err != nil {
		return "", &PublishError{Exchange: exchange, RoutingKey: key, Err: lost(err), Timestamp: time.Now()}
	}
	return id, nil
}

// toPublishing maps broker headers onto AMQP basic properties. Properties
// travel as headers.
func toPublishing(msg *broker.Message, id string) amqp.Publishing {
	pub := amqp.Publishing{
		MessageId:     id,
		CorrelationId: msg.CorrelationID,
		Type:          msg.Type,
		ReplyTo:       msg.ReplyTo.String(),
		Body:          msg.Body,
		ContentType:   contentTypeText,
		DeliveryMode:  amqp.Persistent,
		Timestamp:     msg.Timestamp,
	}
	if msg.BodyKind == broker.BytesBody {
		pub.ContentType = contentTypeBytes
	}
	if msg.Persistent != nil && !*msg.Persistent {
		pub.DeliveryMode = amqp.Transient
	}
	if msg.Priority >= 0 {
		pub.Priority = uint8(msg.Priority)
	}
	if msg.Expiration > 0 {
		pub.Expiration = strconv.FormatInt(msg.Expiration.Milliseconds(), 10)
	}
	if pub.Timestamp.IsZero() {
		pub.Timestamp = time.Now()
	}
	if len(msg.Properties) > 0 {
		pub.Headers = make(amqp.Table, len(msg.Properties))
		for k, v := range msg.Properties {
			if strings.HasPrefix(k, "JMSX") {
				continue
			}
			pub.Headers[k] = v
		}
	}
	return pub
}

// fromDelivery maps an AMQP delivery received from dest onto a broker
// message.
func fromDelivery(d amqp.Delivery, dest broker.Address) *broker.Message {
	persistent := d.DeliveryMode != amqp.Transient
	msg := &broker.Message{
		ID:            d.MessageId,
		CorrelationID: d.CorrelationId,
		Type:          d.Type,
		Destination:   dest,
		Body:          d.Body,
		Persistent:    &persistent,
		Priority:      int(d.Priority),
		Timestamp:     d.Timestamp,
		Redelivered:   d.Redelivered,
		DeliveryCount: deliveryCount(d),
		Properties:    broker.Properties{},
	}
	if d.ContentType == contentTypeBytes {
		msg.BodyKind = broker.BytesBody
	}
	if d.ReplyTo != "" {
		if addr, err := broker.ParseAddress(d.ReplyTo); err == nil {
			msg.ReplyTo = addr
		}
	}
	if ms, err := strconv.ParseInt(d.Expiration, 10, 64); err == nil && ms > 0 {
		msg.Expiration = time.Duration(ms) * time.Millisecond
	}
	for k, v := range d.Headers {
		if strings.HasPrefix(k, "x-") {
			continue
		}
		msg.Properties[k] = v
	}
	return msg
}

// deliveryCount derives the JMS delivery count. Classic queues only report
// whether a message was redelivered.
func deliveryCount(d amqp.Delivery) int {
	switch n := d.Headers[deliveryCountHeader].(type) {
	case int64:
		return int(n) + 1
	case int32:
		return int(n) + 1
	case int:
		return n + 1
	}
	if d.Redelivered {
		return 2
	}
	return 1
}
