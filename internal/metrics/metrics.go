// Package metrics exposes Prometheus instruments for the connection actor.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rabbitlink"

// Metrics holds the collectors registered for one process
type Metrics struct {
	commandsTotal       *prometheus.CounterVec
	deliveriesTotal     *prometheus.CounterVec
	acksTotal           *prometheus.CounterVec
	heartbeatsTotal     prometheus.Counter
	reconnectsTotal     prometheus.Counter
	actorState          prometheus.Gauge
	activeSubscriptions prometheus.Gauge
	mailboxDepth        prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands handled by the actor, by command and result",
		}, []string{"command", "result"}),
		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Deliveries handled by the actor, by result",
		}, []string{"result"}),
		acksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acks_total",
			Help:      "Delivery acknowledgements sent, by result",
		}, []string{"result"}),
		heartbeatsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeat publishes scheduled by the actor timer",
		}),
		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Connections re-established by the supervisor",
		}),
		actorState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "actor_state",
			Help:      "Current actor state (0 starting, 1 running, 2 stopping, 3 stopped)",
		}),
		activeSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_subscriptions",
			Help:      "Subscriptions currently consuming",
		}),
		mailboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mailbox_depth",
			Help:      "Items waiting in the actor mailbox",
		}),
	}

	collectors := []prometheus.Collector{
		m.commandsTotal,
		m.deliveriesTotal,
		m.acksTotal,
		m.heartbeatsTotal,
		m.reconnectsTotal,
		m.actorState,
		m.activeSubscriptions,
		m.mailboxDepth,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// IncCommand counts a handled command; result is "success" or "error"
func (m *Metrics) IncCommand(command, result string) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(command, result).Inc()
}

// IncDelivery counts a handled delivery; result is "processed",
// "decode_error" or "handler_error"
func (m *Metrics) IncDelivery(result string) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(result).Inc()
}

// IncAck counts an acknowledgement attempt
func (m *Metrics) IncAck(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "error"
	}
	m.acksTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncHeartbeat() {
	if m == nil {
		return
	}
	m.heartbeatsTotal.Inc()
}

func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	m.reconnectsTotal.Inc()
}

func (m *Metrics) SetActorState(state int) {
	if m == nil {
		return
	}
	m.actorState.Set(float64(state))
}

func (m *Metrics) SetActiveSubscriptions(n int) {
	if m == nil {
		return
	}
	m.activeSubscriptions.Set(float64(n))
}

func (m *Metrics) SetMailboxDepth(n int) {
	if m == nil {
		return
	}
	m.mailboxDepth.Set(float64(n))
}
