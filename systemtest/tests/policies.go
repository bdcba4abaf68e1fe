package tests

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/EternisAI/hearth/internal/api/http/dto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoliciesAndViolations(t *testing.T, c *Client) {
	agent := register(t, c, dto.RegisterRequest{AgentInfo: info("sys-policy")})
	base := "/api/agents/" + agent.AgentID

	rr := c.Operator(http.MethodPost, base+"/policies", dto.CreatePolicyRequest{ProcessName: "roblox.exe", CheckIntervalMs: 5000})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	policy := decode[dto.PolicyResponse](t, rr)

	rr = c.Agent(http.MethodGet, "/agent/policies", nil, agent.AuthToken)
	require.Equal(t, http.StatusOK, rr.Code)
	policies := decode[dto.AgentPoliciesResponse](t, rr)
	require.Len(t, policies.Policies, 1)
	assert.Equal(t, 5000, policies.Policies[0].CheckIntervalMs)

	rr = c.Agent(http.MethodPost, "/agent/violations", dto.ViolationRequest{
		PolicyID:    &policy.ID,
		ProcessName: "roblox.exe",
		ActionTaken: "blocked",
		Metadata:    json.RawMessage(`{"pid":4242}`),
	}, agent.AuthToken)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = c.Operator(http.MethodGet, base+"/violations", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	violations := decode[dto.ListViolationsResponse](t, rr)
	require.Equal(t, 1, violations.Count)
	assert.JSONEq(t, `{"pid":4242}`, string(violations.Violations[0].Metadata))

	rr = c.Operator(http.MethodDelete, "/api/policies/"+policy.ID, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = c.Agent(http.MethodGet, "/agent/policies", nil, agent.AuthToken)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode[dto.AgentPoliciesResponse](t, rr).Policies)
}
