package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncrementSubmitted()
		m.IncrementDropped()
		m.ObserveOutcome("handled")
		m.ObserveDetect(time.Now())
		m.ObserveEmbed(time.Now())
		m.ObserveVerdict("SMILE", "finished")
		m.SessionOpened()
		m.SessionClosed()
		m.SetGalleryIdentities(3)
	})
}

func TestMetricsAreRegisteredAndRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveVerdict("SMILE", "finished")
	m.ObserveVerdict("SMILE", "finished")
	m.ObserveVerdict("ANGLED_FACES", "error")
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	m.SetGalleryIdentities(4)
	m.ObserveDetect(time.Now())

	assert.Equal(t, float64(2), testutil.ToFloat64(m.Verdicts.WithLabelValues("SMILE", "finished")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Verdicts.WithLabelValues("ANGLED_FACES", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.GalleryIdentities))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "liveness_verdicts_total")
	assert.Contains(t, names, "liveness_detect_duration_seconds")
}

func TestNewPanicsOnDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
