package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncRegistration("token", true)
		m.IncHeartbeat(false)
		m.SetAgentsOnline(3)
		m.AddStaleAgents(1)
		m.ObserveSweep(0.1)
		m.IncViolation()
		m.IncDeployment("monitor", "deployed")
		m.AddActions("pending", 1)
		m.IncPluginData(true)
		m.AddReaped(2)
	})
	assert.Nil(t, m.Registry())

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCounters(t *testing.T) {
	m := New()
	m.IncRegistration("token", true)
	m.IncRegistration("token", true)
	m.IncRegistration("none", false)
	m.IncDeployment("action", "already_deployed")

	body := scrape(t, m)
	assert.Contains(t, body, `hearth_agent_registrations_total{kind="new",path="token"} 2`)
	assert.Contains(t, body, `hearth_agent_registrations_total{kind="refresh",path="none"} 1`)
	assert.Contains(t, body, `hearth_extension_deployments_total{status="already_deployed",type="action"} 1`)
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.IncViolation()
	assert.True(t, strings.Contains(scrape(t, m), "hearth_policy_violations_total 1"))
}
