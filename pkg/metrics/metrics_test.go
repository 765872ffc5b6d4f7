package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"bespoke/pkg/types"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.NodeRegistered()
		m.NodeRemoved()
		m.MalformedMessage()
		m.ExchangeFinished(types.OutcomeOK, time.Second)
	})
}

func TestCounters(t *testing.T) {
	m := New()

	m.NodeRegistered()
	m.NodeRegistered()
	m.NodeRemoved()
	m.MalformedMessage()
	m.ExchangeFinished(types.OutcomeOK, 10*time.Millisecond)
	m.ExchangeFinished(types.OutcomeTimeout, time.Second)
	m.ExchangeFinished(types.OutcomeNotFound, 0)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.nodesConnected))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.registrations))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.malformed))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.exchanges.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.exchanges.WithLabelValues("timeout")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.exchanges.WithLabelValues("not_found")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.NodeRegistered()

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "bespoke_nodes_connected 1")
}
