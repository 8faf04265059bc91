package actor

import (
	"time"

	"github.com/glimte/rabbitlink/command"
)

const (
	DefaultExchange         = "demo_exchange"
	DefaultRoutingKey       = "/rabbit"
	DefaultQueue            = "rabbit_queue"
	DefaultHeartbeatPayload = "rabbit says hi"
	DefaultHeartbeatPeriod  = time.Second
	DefaultMailboxSize      = 256
)

// HeartbeatConfig describes the liveness message published on every tick.
// An Interval of zero disables the heartbeat.
type HeartbeatConfig struct {
	Exchange   string
	RoutingKey string
	Payload    []byte
	Interval   time.Duration
}

// Topology is what an actor declares and subscribes to as soon as it starts
type Topology struct {
	Exchanges     []command.DeclareExchange
	Subscriptions []command.StartConsuming
}

// Merge returns t followed by the entries of other that t does not already
// name. Exchanges are keyed by name, subscriptions by queue.
func (t Topology) Merge(other Topology) Topology {
	merged := Topology{
		Exchanges:     append([]command.DeclareExchange(nil), t.Exchanges...),
		Subscriptions: append([]command.StartConsuming(nil), t.Subscriptions...),
	}

	exchanges := make(map[string]bool, len(t.Exchanges))
	for _, ex := range t.Exchanges {
		exchanges[ex.Name] = true
	}
	for _, ex := range other.Exchanges {
		if !exchanges[ex.Name] {
			exchanges[ex.Name] = true
			merged.Exchanges = append(merged.Exchanges, ex)
		}
	}

	queues := make(map[string]bool, len(t.Subscriptions))
	for _, sub := range t.Subscriptions {
		queues[sub.Queue] = true
	}
	for _, sub := range other.Subscriptions {
		if !queues[sub.Queue] {
			queues[sub.Queue] = true
			merged.Subscriptions = append(merged.Subscriptions, sub)
		}
	}

	return merged
}

// WithoutQueues returns t minus the subscriptions on the given queues
func (t Topology) WithoutQueues(queues ...string) Topology {
	drop := make(map[string]bool, len(queues))
	for _, q := range queues {
		drop[q] = true
	}

	out := Topology{Exchanges: append([]command.DeclareExchange(nil), t.Exchanges...)}
	for _, sub := range t.Subscriptions {
		if !drop[sub.Queue] {
			out.Subscriptions = append(out.Subscriptions, sub)
		}
	}
	return out
}

// Config configures a connection actor
type Config struct {
	Heartbeat HeartbeatConfig
	Topology  Topology

	// MailboxSize is the capacity of the mailbox buffer
	MailboxSize int

	// OperationTimeout bounds each broker call. Zero means no timeout, in
	// which case a hung broker call stalls the actor.
	OperationTimeout time.Duration
}

// DefaultConfig declares a durable topic exchange, publishes a heartbeat to
// it every second and consumes the heartbeat back through an exclusive queue.
func DefaultConfig() Config {
	return Config{
		Heartbeat: HeartbeatConfig{
			Exchange:   DefaultExchange,
			RoutingKey: DefaultRoutingKey,
			Payload:    []byte(DefaultHeartbeatPayload),
			Interval:   DefaultHeartbeatPeriod,
		},
		Topology: Topology{
			Exchanges: []command.DeclareExchange{{
				Name:    DefaultExchange,
				Kind:    command.KindTopic,
				Options: command.ExchangeOptions{Durable: true},
			}},
			Subscriptions: []command.StartConsuming{{
				Queue:      DefaultQueue,
				Exchange:   DefaultExchange,
				BindingKey: DefaultRoutingKey,
			}},
		},
		MailboxSize: DefaultMailboxSize,
	}
}
