package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rabbitlink/command"
)

// Subscribe declares the subscription queue, binds it to the exchange and
// registers a manual-ack consumer on the consumer channel. The returned
// channel is closed when the consumer is cancelled or the consumer channel
// goes away; CloseError tells the two apart.
func (c *Connection) Subscribe(ctx context.Context, cmd command.StartConsuming, consumerTag string) (<-chan amqp.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch, err := c.primaryChannel()
	if err != nil {
		return nil, err
	}

	c.logger.Info("declaring queue", "queue", cmd.Queue)
	if _, err := declareQueue(ch, SubscriptionQueue(cmd.Queue)); err != nil {
		return nil, &TopologyError{Component: "queue", Name: cmd.Queue, Op: "declare", Err: err}
	}

	c.logger.Info("binding queue",
		"queue", cmd.Queue,
		"exchange", cmd.Exchange,
		"bindingKey", cmd.BindingKey)
	if err := bindQueue(ch, cmd.Queue, cmd.BindingKey, cmd.Exchange); err != nil {
		return nil, &TopologyError{Component: "binding", Name: cmd.Queue, Op: "bind", Err: err}
	}

	consumer, err := c.consumerChannel()
	if err != nil {
		return nil, err
	}

	deliveries, err := consumer.Consume(
		cmd.Queue,
		consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, &ConsumerError{Queue: cmd.Queue, ConsumerTag: consumerTag, Op: "consume", Err: err}
	}

	c.logger.Info("subscribed to queue", "queue", cmd.Queue, "consumerTag", consumerTag)
	return deliveries, nil
}

// Unsubscribe cancels the consumer registered under consumerTag. Its
// delivery channel is closed once the broker confirms the cancel.
func (c *Connection) Unsubscribe(ctx context.Context, consumerTag string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	consumer, err := c.consumerChannel()
	if err != nil {
		return err
	}

	if err := consumer.Cancel(consumerTag, false); err != nil {
		return &ConsumerError{ConsumerTag: consumerTag, Op: "cancel", Err: err}
	}
	return nil
}
