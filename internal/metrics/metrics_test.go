package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	m := New()
	m.Event("CONNECT")
	m.Event("CONNECT")
	m.AuthFailure("wrong-passcode")
	m.Push("gone")
	m.Request("timeout", 300*time.Millisecond)
	m.FeedJob("nodes")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.Events.WithLabelValues("CONNECT")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AuthFailures.WithLabelValues("wrong-passcode")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Pushes.WithLabelValues("gone")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RPC.WithLabelValues("timeout")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FeedJobs.WithLabelValues("nodes")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "clusters_session_events_total")
	assert.Contains(t, string(body), "clusters_execute_seconds_bucket")
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Event("CONNECT")
		m.AuthFailure("x")
		m.Push("ok")
		m.Request("finished", time.Second)
		m.FeedJob("stat")
	})
}
