// Package actor runs the RabbitMQ connection actor.
//
// An Actor owns one broker connection. Everything that touches the
// connection goes through its mailbox: commands sent with Tell or Ask,
// heartbeat publishes produced by its timer, and deliveries forwarded by one
// bridge goroutine per subscription. The mailbox is drained by a single
// goroutine, so broker calls never overlap and every delivery is
// acknowledged exactly once, in the order it arrived.
//
// Operation failures are returned to the caller of Ask. A lost connection,
// or a delivery stream that ends without being cancelled, stops the actor;
// the Supervisor then redials and starts a replacement with the same
// topology.
package actor
