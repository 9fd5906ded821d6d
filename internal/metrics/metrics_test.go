package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilSafe(t *testing.T) {
	var m *Metrics
	m.Claimed("owned", 1)
	m.ClaimRaceLost()
	m.BatchFinished("COMPLETED", 1, 0)
	m.Routed("EDGE", "threshold")
	m.RecordRequest(200, time.Millisecond)
	m.Dispatched("started")
	m.AddInflight(1)
	m.SetQueueDepth(1, 1)
}

func TestCounters(t *testing.T) {
	m := New()
	m.Claimed("owned", 2)
	m.Claimed("orphan", 1)
	m.Claimed("cross", 0)
	m.BatchFinished("COMPLETED", 8, 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.claims.WithLabelValues("owned")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.claims.WithLabelValues("orphan")))
	assert.Equal(t, 8.0, testutil.ToFloat64(m.items.WithLabelValues("processed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.items.WithLabelValues("failed")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.RecordRequest(429, 30*time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `ingest_http_requests_total{code="429"} 1`)
}
