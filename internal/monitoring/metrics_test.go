package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordSubmit()
		m.RecordFinalize("completed")
		m.RecordOutput(128)
		m.RecordTruncation()
		m.RecordCancel()
		m.RecordEscalation()
		m.RecordContextOpen()
		m.RecordContextClose()
		m.RecordHTTPRequest("GET", "/health", "200", time.Millisecond)
		m.WSConnected()
		m.WSDisconnected()
		m.UpdateUptime()
	})
}

func TestBlockCounters(t *testing.T) {
	m := NewMetrics()

	m.RecordSubmit()
	m.RecordSubmit()
	m.RecordFinalize("completed")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.BlocksSubmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BlocksRunning))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BlocksFinalized.WithLabelValues("completed")))
}

func TestContextGauges(t *testing.T) {
	m := NewMetrics()

	m.RecordContextOpen()
	m.RecordContextOpen()
	m.RecordContextClose()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ContextsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ContextsTotal))
}

func TestIndependentRegistries(t *testing.T) {
	// Two collectors must not collide on metric registration.
	assert.NotPanics(t, func() {
		_ = NewMetrics()
		_ = NewMetrics()
	})
}

func TestScrapeHandler(t *testing.T) {
	m := NewMetrics()
	m.RecordSubmit()

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "immaterium_blocks_submitted_total 1")
}
