package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)
	assert.NotNil(t, m)
}

func TestNewMetricsRejectsDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg)
	require.NoError(t, err)

	_, err = NewMetrics(reg)
	assert.Error(t, err)
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	m.IncCommand("publish_message", "success")
	m.IncCommand("publish_message", "success")
	m.IncCommand("declare_exchange", "error")
	m.IncDelivery("processed")
	m.IncAck(true)
	m.IncAck(false)
	m.IncHeartbeat()
	m.IncReconnect()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.commandsTotal.WithLabelValues("publish_message", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commandsTotal.WithLabelValues("declare_exchange", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveriesTotal.WithLabelValues("processed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.acksTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.acksTotal.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.heartbeatsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconnectsTotal))
}

func TestGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	m.SetActorState(1)
	m.SetActiveSubscriptions(2)
	m.SetMailboxDepth(7)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.actorState))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.activeSubscriptions))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.mailboxDepth))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.IncCommand("publish_message", "success")
		m.IncDelivery("processed")
		m.IncAck(true)
		m.IncHeartbeat()
		m.IncReconnect()
		m.SetActorState(3)
		m.SetActiveSubscriptions(0)
		m.SetMailboxDepth(0)
	})
}
