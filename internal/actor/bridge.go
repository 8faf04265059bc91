package actor

import (
	"context"
	"time"
	"unicode/utf8"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/rabbitlink/internal/rabbitmq"
)

// bridge forwards one subscription's deliveries into the mailbox. It exits
// when the actor stops or the stream ends. A stream that ends while the
// subscription is still wanted is reported to the actor as a failure.
func (a *Actor) bridge(sub *subscription, deliveries <-chan amqp.Delivery) {
	defer a.wg.Done()

	for {
		select {
		case <-a.stopCh:
			return
		case d, ok := <-deliveries:
			if !ok {
				a.streamEnded(sub)
				return
			}
			if err := a.enqueue(context.Background(), deliveryEnvelope(sub, d)); err != nil {
				return
			}
		}
	}
}

func (a *Actor) streamEnded(sub *subscription) {
	select {
	case <-sub.stopped:
		a.logger.Debug("delivery stream closed", "queue", sub.cmd.Queue)
		return
	case <-a.stopCh:
		return
	default:
	}

	a.logger.Warn("delivery stream closed unexpectedly", "queue", sub.cmd.Queue)
	_ = a.enqueue(context.Background(), streamFailureEnvelope(sub, a.closeCause()))
}

// closeCause returns why the broker closed. A delivery stream can end before
// the connection has recorded the reason, so it waits a short while for it.
// A consumer cancelled by the broker leaves the connection open and yields
// nil.
func (a *Actor) closeCause() error {
	timer := time.NewTimer(closeCauseWait)
	defer timer.Stop()

	select {
	case <-a.broker.CloseNotify():
	case <-timer.C:
	case <-a.stopCh:
	}
	return a.broker.CloseError()
}

// handleDelivery acknowledges d exactly once and, if the payload is valid
// UTF-8, passes it on to the delivery handler.
func (a *Actor) handleDelivery(ctx context.Context, sub *subscription, d amqp.Delivery) {
	ctx = rabbitmq.ExtractTraceContext(ctx, d.Headers)
	ctx, span := a.tracer.Start(ctx, sub.cmd.Queue+" receive",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKindQueue,
			semconv.MessagingDestinationKey.String(sub.cmd.Queue),
			semconv.MessagingRabbitmqRoutingKeyKey.String(d.RoutingKey),
			attribute.String("messaging.rabbitmq.consumer_tag", sub.consumerTag),
		),
	)
	defer span.End()

	if !utf8.Valid(d.Body) {
		a.logger.Warn("discarding delivery with non UTF-8 payload",
			"queue", sub.cmd.Queue,
			"deliveryTag", d.DeliveryTag,
			"size", len(d.Body))
		a.metrics.IncDelivery("decode_error")
		a.ack(sub, d)
		return
	}

	// an unacknowledged message will be redelivered, so it is not handed on
	if !a.ack(sub, d) {
		return
	}

	msg := Message{
		SubscriptionID: sub.id,
		Queue:          sub.cmd.Queue,
		Exchange:       d.Exchange,
		RoutingKey:     d.RoutingKey,
		DeliveryTag:    d.DeliveryTag,
		Payload:        string(d.Body),
		Headers:        d.Headers,
		SelfID:         sub.cmd.SelfID,
		RoomID:         sub.cmd.RoomID,
	}

	if err := a.handler(ctx, msg); err != nil {
		span.RecordError(err)
		a.metrics.IncDelivery("handler_error")
		a.logger.Error("delivery handler failed", "queue", sub.cmd.Queue, "error", err)
		return
	}
	a.metrics.IncDelivery("processed")
}

func (a *Actor) ack(sub *subscription, d amqp.Delivery) bool {
	err := d.Ack(false)
	a.metrics.IncAck(err == nil)
	if err == nil {
		return true
	}

	if rabbitmq.IsConnectionError(err) {
		a.fail(&rabbitmq.ConsumerError{Queue: sub.cmd.Queue, ConsumerTag: sub.consumerTag, Op: "ack", Err: err})
		return false
	}
	a.logger.Error("failed to acknowledge delivery",
		"queue", sub.cmd.Queue,
		"deliveryTag", d.DeliveryTag,
		"error", err)
	return false
}
