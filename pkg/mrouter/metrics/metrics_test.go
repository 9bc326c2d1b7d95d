package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.LinkOperation("setup", "default", true)
		m.RoutingPass(3)
		m.RoutingDecision("link", "default")
		m.AuthorityMessage("connect", "in")
		m.AuthorityAck("connect", "OK")
		m.SetRegisteredNodes(2)
		m.SetLiveConnections(1)
	})
}

func TestRecording(t *testing.T) {
	m := New()

	m.LinkOperation("setup", "explicit", true)
	m.LinkOperation("setup", "explicit", false)
	m.LinkOperation("setup", "explicit", false)
	m.RoutingPass(2)
	m.RoutingPass(0)
	m.SetRegisteredNodes(5)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.LinkOperations.WithLabelValues("setup", "explicit", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.LinkOperations.WithLabelValues("setup", "explicit", "failure")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RoutingPasses))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PrunedEntries))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.RegisteredNodes))
}

func TestHandlerServesMetrics(t *testing.T) {
	m := New()
	m.AuthorityMessage("register_sink", "out")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "mrouter_authority_messages_total"))
}
