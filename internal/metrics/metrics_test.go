package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Sessions(t *testing.T) {
	m := New()

	m.SessionOpened("ws")
	m.SessionOpened("ws")
	m.SessionOpened("raw-tcp")
	m.SessionClosed("ws")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsActive.WithLabelValues("ws")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessionsTotal.WithLabelValues("ws")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsActive.WithLabelValues("raw-tcp")))
}

func TestMetrics_Frames(t *testing.T) {
	m := New()

	m.FrameReceived("wss")
	m.FrameRejected("message parsing error")
	m.PingSent()
	m.PingSent()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.framesReceived.WithLabelValues("wss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.framesRejected.WithLabelValues("message parsing error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.pingsSent))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.SessionOpened("ws")
		m.SessionClosed("ws")
		m.FrameReceived("ws")
		m.FrameRejected("x")
		m.PingSent()
	})
	assert.Nil(t, m.Registry())
}

func TestMetrics_Gather(t *testing.T) {
	m := New()
	m.SessionOpened("ws")

	families, err := m.Registry().Gather()
	assert.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["socket_sessions_active"])
	assert.True(t, names["socket_sessions_total"])
}
