package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_Counts(t *testing.T) {
	r := New()

	r.RequestSubmitted("DAILY")
	r.RequestSubmitted("DAILY")
	r.RequestFinished("DAILY", "COMPLETE", 2*time.Second)
	r.BarsReceived("EUR/USD", "DAILY", 1)
	r.RowsWritten("EUR/USD", "DAILY", 5)
	r.RowsWritten("EUR/USD", "DAILY", 0)
	r.ValidationIssues("null_price", 2)
	r.ConnectionEvent(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.requestsSubmitted.WithLabelValues("DAILY")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.requestsFinished.WithLabelValues("COMPLETE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.barsReceived.WithLabelValues("EUR/USD", "DAILY")))
	assert.Equal(t, 5.0, testutil.ToFloat64(r.rowsWritten.WithLabelValues("EUR/USD", "DAILY")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.validationIssues.WithLabelValues("null_price")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.connectionEvents.WithLabelValues("false")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.requestDuration))
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.RequestSubmitted("DAILY")
		r.RequestFinished("DAILY", "FAILED", time.Second)
		r.BarsReceived("EUR/USD", "DAILY", 3)
		r.RowsWritten("EUR/USD", "DAILY", 1)
		r.ValidationIssues("null_price", 1)
		r.ConnectionEvent(true)
	})
	assert.Nil(t, r.Registry())
}

func TestRecorder_RegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.RequestSubmitted("DAILY")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.requestsSubmitted.WithLabelValues("DAILY")))
}

type fakeHealth struct{ err error }

func (f fakeHealth) HealthCheck(context.Context) error { return f.err }

func TestServer_Endpoints(t *testing.T) {
	r := New()
	r.RequestSubmitted("DAILY")

	srv := httptest.NewServer(NewServer(":0", "/metrics", r, fakeHealth{}, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `fxc_requests_submitted_total{timeframe="DAILY"} 1`)

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_Unhealthy(t *testing.T) {
	srv := httptest.NewServer(NewServer(":0", "", New(), fakeHealth{err: errors.New("db gone")}, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "db gone"))
}

func TestServer_StartStop(t *testing.T) {
	s := NewServer("127.0.0.1:0", "/metrics", New(), nil, nil)
	require.NoError(t, s.Start())
	assert.NotEqual(t, "127.0.0.1:0", s.Addr())

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Stop(context.Background()))
}
