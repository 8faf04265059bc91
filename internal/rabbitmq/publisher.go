package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/rabbitlink/command"
)

const tracerName = "github.com/glimte/rabbitlink/internal/rabbitmq"

// Publish sends the payload as raw bytes on the primary channel and waits
// until the broker confirms it has taken responsibility for the message.
// The confirm says nothing about delivery to a consumer.
func (c *Connection) Publish(ctx context.Context, cmd command.PublishMessage) error {
	ctx, span := c.tracer.Start(ctx, "rabbitmq.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKey.String(cmd.Exchange),
			semconv.MessagingRabbitmqRoutingKeyKey.String(cmd.RoutingKey),
			attribute.Int("messaging.message_payload_size_bytes", len(cmd.Payload)),
		),
	)
	defer span.End()

	err := c.publish(ctx, cmd)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Connection) publish(ctx context.Context, cmd command.PublishMessage) error {
	ch, err := c.primaryChannel()
	if err != nil {
		return &PublishError{Exchange: cmd.Exchange, RoutingKey: cmd.RoutingKey, Err: err}
	}

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(
		ctx,
		cmd.Exchange,
		cmd.RoutingKey,
		false, // mandatory
		false, // immediate
		buildPublishing(ctx, cmd),
	)
	if err != nil {
		return &PublishError{Exchange: cmd.Exchange, RoutingKey: cmd.RoutingKey, Err: err}
	}

	// nil when the channel is not in confirm mode
	if confirmation == nil {
		return nil
	}

	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return &PublishError{Exchange: cmd.Exchange, RoutingKey: cmd.RoutingKey, Err: err}
	}
	if !acked {
		// A nack also happens when the broker closed the channel, for
		// instance because the exchange does not exist.
		if closeErr := c.CloseError(); closeErr != nil {
			return &PublishError{Exchange: cmd.Exchange, RoutingKey: cmd.RoutingKey, Err: fmt.Errorf("%w: %w", ErrPublishNotConfirmed, closeErr)}
		}
		return &PublishError{Exchange: cmd.Exchange, RoutingKey: cmd.RoutingKey, Err: ErrPublishNotConfirmed}
	}

	return nil
}

// buildPublishing wraps the payload and carries the caller's trace context
// in the message headers
func buildPublishing(ctx context.Context, cmd command.PublishMessage) amqp.Publishing {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	headers := amqp.Table{}
	for k, v := range carrier {
		headers[k] = v
	}

	return amqp.Publishing{
		ContentType: "application/octet-stream",
		MessageId:   uuid.NewString(),
		Timestamp:   time.Now(),
		Headers:     headers,
		Body:        cmd.Payload,
	}
}

// ExtractTraceContext returns ctx enriched with the trace context found in
// the delivery headers
func ExtractTraceContext(ctx context.Context, headers amqp.Table) context.Context {
	carrier := propagation.MapCarrier{}
	for k, v := range headers {
		if s, ok := v.(string); ok {
			carrier[k] = s
		}
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
