package actor

import (
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rabbitlink/command"
)

type envelopeKind int

const (
	kindCommand envelopeKind = iota
	kindDelivery
	kindStreamFailure
)

// envelope is one mailbox item
type envelope struct {
	kind envelopeKind

	// kindCommand
	cmd   command.Command
	reply chan error

	// kindDelivery and kindStreamFailure
	sub      *subscription
	delivery amqp.Delivery
	err      error
}

func commandEnvelope(cmd command.Command, reply chan error) envelope {
	return envelope{kind: kindCommand, cmd: cmd, reply: reply}
}

func deliveryEnvelope(sub *subscription, d amqp.Delivery) envelope {
	return envelope{kind: kindDelivery, sub: sub, delivery: d}
}

func streamFailureEnvelope(sub *subscription, err error) envelope {
	return envelope{kind: kindStreamFailure, sub: sub, err: err}
}
