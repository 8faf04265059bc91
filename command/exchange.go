package command

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeKind is the routing algorithm of an exchange
type ExchangeKind struct {
	name   string
	custom bool
}

var (
	KindTopic   = ExchangeKind{name: amqp.ExchangeTopic}
	KindFanout  = ExchangeKind{name: amqp.ExchangeFanout}
	KindDirect  = ExchangeKind{name: amqp.ExchangeDirect}
	KindHeaders = ExchangeKind{name: amqp.ExchangeHeaders}
)

// Custom returns a plugin-provided exchange kind such as "x-delayed-message"
func Custom(name string) ExchangeKind {
	return ExchangeKind{name: name, custom: true}
}

// ParseExchangeKind maps the names Topic, Fanout, Direct and Headers to the
// built-in kinds. Matching is case-sensitive; any other string becomes a
// custom kind carrying the original text.
func ParseExchangeKind(s string) ExchangeKind {
	switch s {
	case "Topic":
		return KindTopic
	case "Fanout":
		return KindFanout
	case "Direct":
		return KindDirect
	case "Headers":
		return KindHeaders
	default:
		return Custom(s)
	}
}

// String returns the exchange type sent to the broker
func (k ExchangeKind) String() string {
	return k.name
}

// IsCustom reports whether k was built with Custom
func (k ExchangeKind) IsCustom() bool {
	return k.custom
}

// IsZero reports whether no kind was set
func (k ExchangeKind) IsZero() bool {
	return k.name == ""
}

// MarshalText encodes the kind in the form ParseExchangeKind accepts
func (k ExchangeKind) MarshalText() ([]byte, error) {
	if k.custom {
		return []byte(k.name), nil
	}
	switch k {
	case KindTopic:
		return []byte("Topic"), nil
	case KindFanout:
		return []byte("Fanout"), nil
	case KindDirect:
		return []byte("Direct"), nil
	case KindHeaders:
		return []byte("Headers"), nil
	}
	return nil, fmt.Errorf("%w: unknown exchange kind %q", ErrInvalidCommand, k.name)
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *ExchangeKind) UnmarshalText(text []byte) error {
	*k = ParseExchangeKind(string(text))
	return nil
}

// ExchangeOptions are the flags of an exchange declaration
type ExchangeOptions struct {
	Passive    bool `json:"passive" mapstructure:"passive"`
	Durable    bool `json:"durable" mapstructure:"durable"`
	AutoDelete bool `json:"auto_delete" mapstructure:"auto_delete"`
	Internal   bool `json:"internal" mapstructure:"internal"`
	NoWait     bool `json:"nowait" mapstructure:"nowait"`
}
