package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/EternisAI/hearth/internal/agents"
	"github.com/EternisAI/hearth/internal/api/http/dto"
	"github.com/EternisAI/hearth/internal/coordinator"
	"github.com/EternisAI/hearth/internal/events"
	"github.com/EternisAI/hearth/internal/extensions"
	"github.com/EternisAI/hearth/internal/identity"
	"github.com/EternisAI/hearth/internal/metrics"
	"github.com/EternisAI/hearth/internal/provisioning"
	"github.com/EternisAI/hearth/internal/store/storetest"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPIKey = "operator-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	engine *gin.Engine
	bus    *events.Bus
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := storetest.NewSQLite(t)
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	m := metrics.New()

	id, err := identity.NewStore(t.TempDir(), 2048).GetOrCreate()
	require.NoError(t, err)

	prov := provisioning.NewService(st, id, bus, m, provisioning.Config{PublicURL: "http://parent.local:8420"})
	agentSvc := agents.NewService(st, prov, bus, m, agents.Config{LatestVersion: "2.0.0"})
	registry := extensions.NewRegistry(extensions.EventHandler{Publisher: bus})
	coord := coordinator.NewService(st, agentSvc, registry, bus, m)

	engine := gin.New()
	SetupRoute(engine, Config{AdminAPIKey: testAPIKey}, &Services{
		Agents:       agentSvc,
		Provisioning: prov,
		Coordinator:  coord,
		Extensions:   registry,
		Identity:     id,
		Events:       bus,
		DB:           st,
		Metrics:      m.Handler(),
	})
	return &testServer{engine: engine, bus: bus}
}

type header struct{ key, value string }

func bearer(token string) header { return header{"Authorization", "Bearer " + token} }

var operator = header{"X-API-Key", testAPIKey}

func (s *testServer) do(t *testing.T, method, path string, body any, headers ...header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, h := range headers {
		req.Header.Set(h.key, h.value)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (s *testServer) register(t *testing.T, req dto.RegisterRequest) dto.RegisterResponse {
	t.Helper()
	w := s.do(t, http.MethodPost, "/agent/register", req)
	require.Contains(t, []int{http.StatusOK, http.StatusCreated}, w.Code, w.Body.String())
	return decode[dto.RegisterResponse](t, w)
}

func agentInfo(machineID string) dto.AgentInfo {
	return dto.AgentInfo{
		MachineID: machineID,
		Hostname:  "kid-laptop",
		Platform:  "windows",
		Version:   "1.5.0",
		IP:        "192.168.1.40",
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	resp := decode[dto.HealthResponse](t, w)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "up", resp.Database)
}

func TestRegister_WireFormat(t *testing.T) {
	s := newTestServer(t)

	body := []byte(`{"agentInfo":{"machineId":"M1","hostname":"pc","platform":"macos","version":"1.0.0"}}`)
	req := httptest.NewRequest(http.MethodPost, "/agent/register", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var raw map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	assert.NotEmpty(t, raw["agentId"])
	assert.NotEmpty(t, raw["authToken"])
	assert.Contains(t, raw, "childId")
	assert.Equal(t, true, raw["updateAvailable"])
}

func TestRegister_MissingInfo(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/agent/register", dto.RegisterRequest{AgentInfo: dto.AgentInfo{MachineID: "M1"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRegister_Idempotent(t *testing.T) {
	s := newTestServer(t)

	first := s.register(t, dto.RegisterRequest{AgentInfo: agentInfo("M1")})
	second := s.register(t, dto.RegisterRequest{AgentInfo: agentInfo("M1")})

	assert.Equal(t, first.AgentID, second.AgentID)
	assert.Equal(t, first.AuthToken, second.AuthToken)
	assert.True(t, first.Created)
	assert.False(t, second.Created)

	w := s.do(t, http.MethodGet, "/api/agents", nil, operator)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[dto.ListAgentsResponse](t, w).Count)
}

func TestTrustTokenFlow(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/tokens", dto.CreateTokenRequest{ChildID: ptr("C1"), Platform: "windows"}, operator)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	token := decode[dto.TokenResponse](t, w)
	require.NotEmpty(t, token.Token)
	require.NotEmpty(t, token.Bundle)

	reg := s.register(t, dto.RegisterRequest{TrustToken: token.Token, AgentInfo: agentInfo("M1")})
	require.NotNil(t, reg.ChildID)
	assert.Equal(t, "C1", *reg.ChildID)

	again := s.register(t, dto.RegisterRequest{AgentInfo: agentInfo("M1")})
	require.NotNil(t, again.ChildID)
	assert.Equal(t, "C1", *again.ChildID)

	w = s.do(t, http.MethodGet, "/api/tokens", nil, operator)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, decode[dto.ListTokensResponse](t, w).Count)
}

func TestRegistrationCodeFlow(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/registration-codes", dto.CreateRegistrationCodeRequest{ChildID: ptr("C2")}, operator)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	code := decode[dto.RegistrationCodeResponse](t, w)

	reg := s.register(t, dto.RegisterRequest{RegistrationCode: code.Code, AgentInfo: agentInfo("M2")})
	require.NotNil(t, reg.ChildID)
	assert.Equal(t, "C2", *reg.ChildID)
}

func TestRevokeToken(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/tokens", nil, operator)
	require.Equal(t, http.StatusCreated, w.Code)
	token := decode[dto.TokenResponse](t, w)

	w = s.do(t, http.MethodDelete, "/api/tokens/"+token.ID, nil, operator)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(t, http.MethodDelete, "/api/tokens/"+token.ID, nil, operator)
	assert.Equal(t, http.StatusNotFound, w.Code)

	reg := s.register(t, dto.RegisterRequest{TrustToken: token.Token, AgentInfo: agentInfo("M3")})
	assert.Nil(t, reg.ChildID)
}

func TestAgentAuth(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/agent/heartbeat", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/agent/heartbeat", nil, bearer("agt_unknown"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	reg := s.register(t, dto.RegisterRequest{AgentInfo: agentInfo("M1")})
	w = s.do(t, http.MethodPost, "/agent/heartbeat", dto.HeartbeatRequest{IP: "10.0.0.9"}, bearer(reg.AuthToken))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[dto.HeartbeatResponse](t, w).Status)

	w = s.do(t, http.MethodGet, "/api/agents/"+reg.AgentID, nil, operator)
	require.Equal(t, http.StatusOK, w.Code)
	agent := decode[dto.AgentResponse](t, w)
	assert.True(t, agent.Online)
	assert.Equal(t, "10.0.0.9", agent.LastKnownIP)
}

func TestOperatorAPIKey(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/agents", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodGet, "/api/agents", nil, header{"X-API-Key", "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodGet, "/api/agents", nil, operator)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPoliciesAndViolations(t *testing.T) {
	s := newTestServer(t)
	reg := s.register(t, dto.RegisterRequest{AgentInfo: agentInfo("M1")})
	base := "/api/agents/" + reg.AgentID

	w := s.do(t, http.MethodPost, base+"/policies", dto.CreatePolicyRequest{
		ProcessName:  "fortnite.exe",
		Alternatives: []string{"FortniteClient-Win64-Shipping.exe"},
	}, operator)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	policy := decode[dto.PolicyResponse](t, w)
	assert.Equal(t, 30000, policy.CheckIntervalMs)

	w = s.do(t, http.MethodGet, "/agent/policies", nil, bearer(reg.AuthToken))
	require.Equal(t, http.StatusOK, w.Code)
	agentPolicies := decode[dto.AgentPoliciesResponse](t, w)
	require.Len(t, agentPolicies.Policies, 1)
	assert.Equal(t, "fortnite.exe", agentPolicies.Policies[0].ProcessName)

	allowed := true
	w = s.do(t, http.MethodPatch, "/api/policies/"+policy.ID, dto.UpdatePolicyRequest{Allowed: &allowed}, operator)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[dto.PolicyResponse](t, w).Allowed)

	w = s.do(t, http.MethodPost, "/agent/violations", dto.ViolationRequest{
		PolicyID:    &policy.ID,
		ProcessName: "fortnite.exe",
		ActionTaken: "killed",
	}, bearer(reg.AuthToken))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotEmpty(t, decode[dto.ViolationCreatedResponse](t, w).ViolationID)

	w = s.do(t, http.MethodGet, base+"/violations?limit=10", nil, operator)
	require.Equal(t, http.StatusOK, w.Code)
	violations := decode[dto.ListViolationsResponse](t, w)
	require.Equal(t, 1, violations.Count)
	require.NotNil(t, violations.Violations[0].PolicyID)
	assert.Equal(t, policy.ID, *violations.Violations[0].PolicyID)

	w = s.do(t, http.MethodGet, base+"/violations?limit=abc", nil, operator)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodDelete, "/api/policies/"+policy.ID, nil, operator)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(t, http.MethodDelete, "/api/policies/"+policy.ID, nil, operator)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/api/agents/missing/policies", dto.CreatePolicyRequest{ProcessName: "x"}, operator)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSetChild(t *testing.T) {
	s := newTestServer(t)
	reg := s.register(t, dto.RegisterRequest{AgentInfo: agentInfo("M1")})

	w := s.do(t, http.MethodPatch, "/api/agents/"+reg.AgentID+"/child", dto.SetChildRequest{ChildID: ptr("C9")}, operator)
	require.Equal(t, http.StatusOK, w.Code)
	agent := decode[dto.AgentResponse](t, w)
	require.NotNil(t, agent.ChildID)
	assert.Equal(t, "C9", *agent.ChildID)

	w = s.do(t, http.MethodPatch, "/api/agents/missing/child", dto.SetChildRequest{ChildID: ptr("C9")}, operator)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExtensionLifecycle(t *testing.T) {
	s := newTestServer(t)
	reg := s.register(t, dto.RegisterRequest{AgentInfo: agentInfo("M1")})
	base := "/api/agents/" + reg.AgentID
	auth := bearer(reg.AuthToken)

	w := s.do(t, http.MethodPost, base+"/monitors", dto.DeployRequest{
		PluginID: "screen-time", ExtensionID: "usage", Script: "echo usage",
	}, operator)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "deployed", decode[dto.DeployResponse](t, w).Status)

	w = s.do(t, http.MethodPost, base+"/monitors", dto.DeployRequest{
		PluginID: "screen-time", ExtensionID: "usage", Script: "echo usage",
	}, operator)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "already_deployed", decode[dto.DeployResponse](t, w).Status)

	w = s.do(t, http.MethodPost, base+"/actions/screen-time/lock/trigger", nil, operator)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, base+"/actions", dto.DeployRequest{
		PluginID: "screen-time", ExtensionID: "lock", Script: "lock-screen",
	}, operator)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, base+"/actions/screen-time/lock/trigger",
		dto.TriggerActionRequest{Arguments: json.RawMessage(`{"minutes":5}`)}, operator)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	trigger := decode[dto.TriggerResponse](t, w)
	assert.Equal(t, "pending", trigger.Status)

	w = s.do(t, http.MethodGet, base+"/actions/pending", nil, operator)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[dto.ListTriggersResponse](t, w).Count)

	w = s.do(t, http.MethodPost, "/agent/sync", dto.SyncRequest{}, auth)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sync := decode[dto.SyncResponse](t, w)
	assert.Len(t, sync.Deploy, 2)
	require.Len(t, sync.Actions, 1)
	assert.Equal(t, trigger.TriggerID, sync.Actions[0].TriggerID)

	w = s.do(t, http.MethodGet, base+"/actions/pending", nil, operator)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, decode[dto.ListTriggersResponse](t, w).Count)

	w = s.do(t, http.MethodPost, "/agent/report", dto.ReportRequest{
		PluginData: map[string]map[string][]dto.Sample{
			"screen-time": {"usage": {{Data: json.RawMessage(`{"minutes":42}`)}}},
		},
		ActionResponses: []dto.ActionResponseReport{
			{TriggerID: trigger.TriggerID, Status: "success"},
			{TriggerID: "unknown", Status: "success"},
		},
	}, auth)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	report := decode[dto.ReportResponse](t, w)
	assert.Equal(t, 1, report.PluginData.Processed)
	assert.Equal(t, 1, report.ActionResponses.Processed)
	require.Len(t, report.ActionResponses.Errors, 1)
	assert.Equal(t, 1, report.ActionResponses.Errors[0].Index)

	w = s.do(t, http.MethodGet, base+"/plugin-data", nil, operator)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[dto.ListPluginDataResponse](t, w).Count)

	w = s.do(t, http.MethodDelete, base+"/monitors/screen-time/usage", nil, operator)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "removed", decode[dto.RemoveResponse](t, w).Status)
	w = s.do(t, http.MethodDelete, base+"/monitors/screen-time/usage", nil, operator)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "not_deployed", decode[dto.RemoveResponse](t, w).Status)

	w = s.do(t, http.MethodGet, base+"/deployments", nil, operator)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[dto.ListDeploymentsResponse](t, w).Count)
}

func TestDeleteAgent(t *testing.T) {
	s := newTestServer(t)
	reg := s.register(t, dto.RegisterRequest{AgentInfo: agentInfo("M1")})
	base := "/api/agents/" + reg.AgentID

	w := s.do(t, http.MethodPost, base+"/monitors", dto.DeployRequest{
		PluginID: "screen-time", ExtensionID: "usage", Script: "echo usage",
	}, operator)
	require.Equal(t, http.StatusCreated, w.Code)

	w = s.do(t, http.MethodDelete, base, nil, operator)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodGet, base, nil, operator)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(t, http.MethodPost, "/agent/heartbeat", nil, bearer(reg.AuthToken))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = s.do(t, http.MethodDelete, base, nil, operator)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestIdentityAndMetrics(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/identity", nil, operator)
	require.Equal(t, http.StatusOK, w.Code)
	id := decode[dto.IdentityResponse](t, w)
	assert.NotEmpty(t, id.UUID)
	assert.Contains(t, id.PublicKeyPEM, "PUBLIC KEY")

	s.register(t, dto.RegisterRequest{AgentInfo: agentInfo("M1")})
	w = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "hearth_")
}

func ptr(s string) *string { return &s }

func TestEventStream_FiltersByAgent(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.engine)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events?agent_id=A2", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", testAPIKey)

	go func() {
		assert.Eventually(t, func() bool { return s.bus.Subscribers() == 1 }, 3*time.Second, 10*time.Millisecond)
		s.bus.Publish(events.Event{Type: events.AgentStale, AgentID: "A1"})
		s.bus.Publish(events.Event{Type: events.AgentDeleted, AgentID: "A2"})
	}()

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	var first string
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "event:") {
			first = strings.TrimPrefix(line, "event:")
			break
		}
	}
	assert.Equal(t, string(events.AgentDeleted), first)
}
