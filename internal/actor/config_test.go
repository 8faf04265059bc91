package actor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/glimte/rabbitlink/command"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "demo_exchange", cfg.Heartbeat.Exchange)
	assert.Equal(t, "/rabbit", cfg.Heartbeat.RoutingKey)
	assert.Equal(t, []byte("rabbit says hi"), cfg.Heartbeat.Payload)
	assert.Equal(t, time.Second, cfg.Heartbeat.Interval)

	assert.Equal(t, []command.DeclareExchange{{
		Name:    "demo_exchange",
		Kind:    command.KindTopic,
		Options: command.ExchangeOptions{Durable: true},
	}}, cfg.Topology.Exchanges)
	assert.Equal(t, []command.StartConsuming{{
		Queue:      "rabbit_queue",
		Exchange:   "demo_exchange",
		BindingKey: "/rabbit",
	}}, cfg.Topology.Subscriptions)
}

func TestTopologyMerge(t *testing.T) {
	base := Topology{
		Exchanges:     []command.DeclareExchange{{Name: "a", Kind: command.KindTopic}},
		Subscriptions: []command.StartConsuming{{Queue: "q1", Exchange: "a"}},
	}
	live := Topology{
		Exchanges: []command.DeclareExchange{
			{Name: "a", Kind: command.KindFanout},
			{Name: "b", Kind: command.KindDirect},
		},
		Subscriptions: []command.StartConsuming{
			{Queue: "q2", Exchange: "b"},
			{Queue: "q1", Exchange: "b"},
		},
	}

	merged := base.Merge(live)

	assert.Equal(t, []command.DeclareExchange{
		{Name: "a", Kind: command.KindTopic},
		{Name: "b", Kind: command.KindDirect},
	}, merged.Exchanges)
	assert.Equal(t, []command.StartConsuming{
		{Queue: "q1", Exchange: "a"},
		{Queue: "q2", Exchange: "b"},
	}, merged.Subscriptions)

	// the receiver is left untouched
	assert.Len(t, base.Exchanges, 1)
	assert.Len(t, base.Subscriptions, 1)
}

func TestTopologyWithoutQueues(t *testing.T) {
	topology := Topology{
		Exchanges: []command.DeclareExchange{{Name: "a", Kind: command.KindTopic}},
		Subscriptions: []command.StartConsuming{
			{Queue: "q1", Exchange: "a"},
			{Queue: "q2", Exchange: "a"},
			{Queue: "q3", Exchange: "a"},
		},
	}

	trimmed := topology.WithoutQueues("q1", "q3", "unknown")
	assert.Equal(t, topology.Exchanges, trimmed.Exchanges)
	assert.Equal(t, []command.StartConsuming{{Queue: "q2", Exchange: "a"}}, trimmed.Subscriptions)
	assert.Len(t, topology.Subscriptions, 3)

	assert.Equal(t, topology, topology.WithoutQueues())
}
