// Package rabbitmq is the broker connection used by the connection actor.
//
// This package includes:
//   - Connection: one AMQP connection with a primary channel (declarations,
//     bindings, confirmed publishes) and a consumer channel (deliveries,
//     acknowledgements, cancels)
//   - Publish: confirmed publishing with trace context in message headers
//   - Subscribe/Unsubscribe: exclusive auto-delete queues with manual-ack consumers
//   - An error taxonomy separating connection loss from rejected operations
package rabbitmq
