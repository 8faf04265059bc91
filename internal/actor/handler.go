package actor

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Message is an acknowledged delivery handed to downstream processing
type Message struct {
	SubscriptionID uuid.UUID
	Queue          string
	Exchange       string
	RoutingKey     string
	DeliveryTag    uint64
	Payload        string
	Headers        amqp.Table

	// Correlation identifiers copied from the StartConsuming command
	SelfID uuid.UUID
	RoomID uuid.UUID
}

// DeliveryHandler receives every valid delivery after it has been
// acknowledged. Returning an error is logged; the message is not redelivered.
type DeliveryHandler func(ctx context.Context, msg Message) error

// LogHandler logs each payload and does nothing else
func LogHandler(logger *slog.Logger) DeliveryHandler {
	return func(ctx context.Context, msg Message) error {
		logger.InfoContext(ctx, "rabbit payload received",
			"queue", msg.Queue,
			"routingKey", msg.RoutingKey,
			"payload", msg.Payload)
		return nil
	}
}
