// Package rabbitmq is the AMQP 0-9-1 driver for the broker abstraction.
//
// This package includes:
//   - Dialer: opens connections with a timeout and reports unexpected closes
//     to the connection's exception listener
//   - Session: one channel per session, in tx mode when transacted
//   - Consumer: basic.get for synchronous receives, basic.consume for listeners
//
// Queue addresses map to durable queues on the default exchange. Topic
// addresses are routing keys on amq.topic; each topic consumer reads from its
// own bound queue, named after the client id for durable subscriptions.
//
// RabbitMQ has no message selectors. Selectors are evaluated on the client and
// rejected deliveries are requeued, so consumers sharing a queue with selectors
// see the same message more than once. The delivery count is taken from the
// x-delivery-count header of quorum queues, or from the redelivered flag.
package rabbitmq
