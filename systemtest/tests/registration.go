package tests

import (
	"encoding/json"
	"net/http"
	"sync"
	"testing"

	"github.com/EternisAI/hearth/internal/api/http/dto"
	"github.com/EternisAI/hearth/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func info(machineID string) dto.AgentInfo {
	return dto.AgentInfo{
		MachineID: machineID,
		Hostname:  machineID + "-host",
		Platform:  "windows",
		Version:   "0.9.0",
		IP:        "192.168.1.50",
	}
}

func register(t *testing.T, c *Client, req dto.RegisterRequest) dto.RegisterResponse {
	t.Helper()
	rr := c.Agent(http.MethodPost, "/agent/register", req, "")
	require.Contains(t, []int{http.StatusOK, http.StatusCreated}, rr.Code, rr.Body.String())
	return decode[dto.RegisterResponse](t, rr)
}

func TestHealthCheck(t *testing.T, c *Client) {
	rr := c.Agent(http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "up", decode[dto.HealthResponse](t, rr).Database)
}

func TestRegistration(t *testing.T, c *Client, id *identity.Identity) {
	childID := "child-1"
	rr := c.Operator(http.MethodPost, "/api/tokens", dto.CreateTokenRequest{ChildID: &childID, Platform: "windows"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	token := decode[dto.TokenResponse](t, rr)

	t.Run("bundle is signed by the parent", func(t *testing.T) {
		claims, err := identity.VerifyBundle(token.Bundle, id.PublicKey())
		require.NoError(t, err)
		assert.Equal(t, token.Token, claims.TrustToken)
		assert.Equal(t, childID, claims.ChildID)
		assert.Equal(t, "http://parent.test:8420", claims.ParentAPIURL)
	})

	var first dto.RegisterResponse
	t.Run("token binds the child", func(t *testing.T) {
		first = register(t, c, dto.RegisterRequest{TrustToken: token.Token, AgentInfo: info("sys-m1")})
		assert.True(t, first.Created)
		require.NotNil(t, first.ChildID)
		assert.Equal(t, childID, *first.ChildID)
		assert.True(t, first.UpdateAvailable)
	})

	t.Run("re-registration keeps id, token and child", func(t *testing.T) {
		again := register(t, c, dto.RegisterRequest{AgentInfo: info("sys-m1")})
		assert.False(t, again.Created)
		assert.Equal(t, first.AgentID, again.AgentID)
		assert.Equal(t, first.AuthToken, again.AuthToken)
		require.NotNil(t, again.ChildID)
		assert.Equal(t, childID, *again.ChildID)
	})

	t.Run("token is single use", func(t *testing.T) {
		other := register(t, c, dto.RegisterRequest{TrustToken: token.Token, AgentInfo: info("sys-m2")})
		assert.Nil(t, other.ChildID)
	})

	t.Run("heartbeat keeps the agent online", func(t *testing.T) {
		rr := c.Agent(http.MethodPost, "/agent/heartbeat", dto.HeartbeatRequest{IP: "10.1.1.1"}, first.AuthToken)
		require.Equal(t, http.StatusOK, rr.Code)

		rr = c.Operator(http.MethodGet, "/api/agents/"+first.AgentID, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		agent := decode[dto.AgentResponse](t, rr)
		assert.True(t, agent.Online)
		assert.Equal(t, "10.1.1.1", agent.LastKnownIP)
	})

	t.Run("bad token is rejected", func(t *testing.T) {
		rr := c.Agent(http.MethodPost, "/agent/heartbeat", nil, "agt_bogus")
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func TestConcurrentRegistration(t *testing.T, c *Client) {
	const callers = 6
	results := make([]dto.RegisterResponse, callers)
	codes := make([]int, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rr := c.Agent(http.MethodPost, "/agent/register", dto.RegisterRequest{AgentInfo: info("sys-race")}, "")
			codes[i] = rr.Code
			_ = json.Unmarshal(rr.Body.Bytes(), &results[i])
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.Contains(t, []int{http.StatusOK, http.StatusCreated}, codes[i])
		assert.Equal(t, results[0].AgentID, results[i].AgentID)
		assert.Equal(t, results[0].AuthToken, results[i].AuthToken)
	}
}
