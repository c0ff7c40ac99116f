package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveRequest("tools/call", "ok", 15*time.Millisecond)
	m.ObserveRequest("tools/call", "error", time.Millisecond)
	m.ActiveStreams.Inc()
	m.BrokerPublished.WithLabelValues("session").Inc()
	m.SweptEntries.WithLabelValues("tasks").Add(3)

	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.Requests.WithLabelValues("tools/call", "ok")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.Requests.WithLabelValues("tools/call", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ActiveStreams))
	assert.Equal(t, float64(3),
		testutil.ToFloat64(m.SweptEntries.WithLabelValues("tasks")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNewNop_DoesNotPanic(t *testing.T) {
	m := NewNop()
	m.ObserveRequest("ping", "ok", time.Microsecond)
	m.SSEEvents.Inc()
}
