// Package command defines the messages accepted by a connection actor.
//
// Commands are plain values. They are copied into the actor's mailbox and
// processed in arrival order; the result of every command is an error (nil
// on success).
package command

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrInvalidCommand is returned when a command fails validation
	ErrInvalidCommand = errors.New("command: invalid command")
)

// Command is implemented by every message the actor understands
type Command interface {
	// CommandName returns a short, stable identifier used in logs and metrics
	CommandName() string
	// Validate checks the command carries everything the broker call needs
	Validate() error

	isCommand()
}

// DeclareExchange declares an exchange on the broker
type DeclareExchange struct {
	Name    string
	Kind    ExchangeKind
	Options ExchangeOptions
}

func (DeclareExchange) CommandName() string { return "declare_exchange" }

func (c DeclareExchange) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: exchange name is required", ErrInvalidCommand)
	}
	if c.Kind.IsZero() {
		return fmt.Errorf("%w: exchange kind is required", ErrInvalidCommand)
	}
	return nil
}

func (DeclareExchange) isCommand() {}

// PublishMessage publishes Payload to Exchange with RoutingKey.
// The payload is sent as raw bytes; callers must not modify it after
// handing the command to an actor.
type PublishMessage struct {
	Exchange   string
	RoutingKey string
	Payload    []byte
}

func (PublishMessage) CommandName() string { return "publish_message" }

// Validate accepts an empty exchange name, which addresses the default exchange.
func (c PublishMessage) Validate() error {
	if c.RoutingKey == "" && c.Exchange == "" {
		return fmt.Errorf("%w: routing key is required for the default exchange", ErrInvalidCommand)
	}
	return nil
}

func (PublishMessage) isCommand() {}

// StartConsuming declares an exclusive queue, binds it to Exchange with
// BindingKey and starts consuming from it.
type StartConsuming struct {
	Queue      string
	Exchange   string
	BindingKey string

	// SelfID and RoomID carry routing context for downstream consumers.
	// They are not sent to the broker.
	SelfID uuid.UUID
	RoomID uuid.UUID
}

func (StartConsuming) CommandName() string { return "start_consuming" }

func (c StartConsuming) Validate() error {
	if c.Queue == "" {
		return fmt.Errorf("%w: queue name is required", ErrInvalidCommand)
	}
	if c.Exchange == "" {
		return fmt.Errorf("%w: exchange name is required", ErrInvalidCommand)
	}
	return nil
}

func (StartConsuming) isCommand() {}

// StopConsuming cancels the subscription previously started for Queue
type StopConsuming struct {
	Queue string
}

func (StopConsuming) CommandName() string { return "stop_consuming" }

func (c StopConsuming) Validate() error {
	if c.Queue == "" {
		return fmt.Errorf("%w: queue name is required", ErrInvalidCommand)
	}
	return nil
}

func (StopConsuming) isCommand() {}
