package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rabbitlink/command"
)

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	NoWait     bool
	Arguments  amqp.Table
}

// SubscriptionQueue is the declaration used for every StartConsuming
// queue: exclusive to this connection, deleted with it, never persisted.
func SubscriptionQueue(name string) QueueDeclaration {
	return QueueDeclaration{
		Name:       name,
		Durable:    false,
		AutoDelete: true,
		Exclusive:  true,
	}
}

// DeclareExchange declares an exchange on the primary channel. A passive
// declaration only checks that the exchange exists.
func (c *Connection) DeclareExchange(ctx context.Context, cmd command.DeclareExchange) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ch, err := c.primaryChannel()
	if err != nil {
		return err
	}

	if err := declareExchange(ch, cmd); err != nil {
		return &TopologyError{Component: "exchange", Name: cmd.Name, Op: "declare", Err: err}
	}

	c.logger.Debug("declared exchange",
		"exchange", cmd.Name,
		"kind", cmd.Kind.String(),
		"durable", cmd.Options.Durable)
	return nil
}

// declareExchange declares an exchange on the given channel
func declareExchange(ch *amqp.Channel, cmd command.DeclareExchange) error {
	opts := cmd.Options
	if opts.Passive {
		return ch.ExchangeDeclarePassive(
			cmd.Name,
			cmd.Kind.String(),
			opts.Durable,
			opts.AutoDelete,
			opts.Internal,
			opts.NoWait,
			nil,
		)
	}
	return ch.ExchangeDeclare(
		cmd.Name,
		cmd.Kind.String(),
		opts.Durable,
		opts.AutoDelete,
		opts.Internal,
		opts.NoWait,
		nil,
	)
}

// declareQueue declares a queue on the given channel
func declareQueue(ch *amqp.Channel, queue QueueDeclaration) (amqp.Queue, error) {
	return ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		queue.NoWait,
		queue.Arguments,
	)
}

// bindQueue binds a queue to an exchange on the given channel
func bindQueue(ch *amqp.Channel, queue, bindingKey, exchange string) error {
	return ch.QueueBind(
		queue,
		bindingKey,
		exchange,
		false, // no-wait
		nil,
	)
}
