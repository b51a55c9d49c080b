package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SessionsCreated.Inc()
	m.MessagesRelayed.WithLabelValues("offer").Inc()
	m.MessagesRelayed.WithLabelValues("ice-candidate").Add(3)
	m.JoinsRejected.WithLabelValues("not_authorized").Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsCreated))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.MessagesRelayed.WithLabelValues("ice-candidate")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["lesson_sessions_created_total"])
	assert.True(t, names["lesson_signaling_messages_relayed_total"])
	assert.True(t, names["lesson_joins_rejected_total"])
}

func TestNewPanicsOnDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
