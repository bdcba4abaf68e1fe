package handler

import (
	"net/http"
	"strconv"

	"github.com/EternisAI/hearth/internal/agents"
	"github.com/EternisAI/hearth/internal/api/http/dto"
	"github.com/EternisAI/hearth/internal/coordinator"
	"github.com/gin-gonic/gin"
)

type AgentsHandler struct {
	agentService       *agents.Service
	coordinatorService *coordinator.Service
}

func NewAgentsHandler(agentService *agents.Service, coordinatorService *coordinator.Service) *AgentsHandler {
	return &AgentsHandler{
		agentService:       agentService,
		coordinatorService: coordinatorService,
	}
}

// ListAgents returns all registered agents with derived online status
// GET /api/agents
func (h *AgentsHandler) ListAgents(c *gin.Context) {
	agentList, err := h.agentService.ListAgents(c.Request.Context())
	if err != nil {
		writeError(c, err, "list agents")
		return
	}

	responses := make([]dto.AgentResponse, len(agentList))
	for i := range agentList {
		responses[i] = toAgentResponse(&agentList[i])
	}

	c.JSON(http.StatusOK, dto.ListAgentsResponse{
		Agents:        responses,
		Count:         len(responses),
		LatestVersion: h.agentService.LatestVersion(),
	})
}

// GetAgent returns details for a specific agent
// GET /api/agents/:id
func (h *AgentsHandler) GetAgent(c *gin.Context) {
	agentID := c.Param("id")

	agent, err := h.agentService.GetAgent(c.Request.Context(), agentID)
	if err != nil {
		writeError(c, err, "get agent", "agent_id", agentID)
		return
	}

	c.JSON(http.StatusOK, toAgentResponse(agent))
}

// SetChild assigns or clears the child of an agent
// PATCH /api/agents/:id/child
func (h *AgentsHandler) SetChild(c *gin.Context) {
	agentID := c.Param("id")

	var req dto.SetChildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.ChildID != nil && *req.ChildID == "" {
		req.ChildID = nil
	}

	agent, err := h.agentService.SetChild(c.Request.Context(), agentID, req.ChildID)
	if err != nil {
		writeError(c, err, "set child", "agent_id", agentID)
		return
	}

	c.JSON(http.StatusOK, toAgentResponse(agent))
}

// DeleteAgent removes the deployments of an agent, then the agent itself
// DELETE /api/agents/:id
func (h *AgentsHandler) DeleteAgent(c *gin.Context) {
	agentID := c.Param("id")
	ctx := c.Request.Context()

	if _, err := h.agentService.GetAgent(ctx, agentID); err != nil {
		writeError(c, err, "get agent", "agent_id", agentID)
		return
	}
	if err := h.coordinatorService.RemoveAgentDeployments(ctx, agentID); err != nil {
		writeError(c, err, "remove agent deployments", "agent_id", agentID)
		return
	}
	if err := h.agentService.DeleteAgent(ctx, agentID); err != nil {
		writeError(c, err, "delete agent", "agent_id", agentID)
		return
	}

	c.Status(http.StatusNoContent)
}

// ListPolicies returns the policies of an agent
// GET /api/agents/:id/policies
func (h *AgentsHandler) ListPolicies(c *gin.Context) {
	agentID := c.Param("id")
	ctx := c.Request.Context()

	if _, err := h.agentService.GetAgent(ctx, agentID); err != nil {
		writeError(c, err, "get agent", "agent_id", agentID)
		return
	}
	policies, err := h.agentService.ListPolicies(ctx, agentID)
	if err != nil {
		writeError(c, err, "list policies", "agent_id", agentID)
		return
	}

	c.JSON(http.StatusOK, dto.ListPoliciesResponse{
		Policies: toPolicyResponses(policies),
		Count:    len(policies),
	})
}

// CreatePolicy adds a policy to an agent
// POST /api/agents/:id/policies
func (h *AgentsHandler) CreatePolicy(c *gin.Context) {
	agentID := c.Param("id")

	var req dto.CreatePolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	policy, err := h.agentService.CreatePolicy(c.Request.Context(), agentID, agents.PolicyInput{
		ProcessName:     req.ProcessName,
		Alternatives:    req.Alternatives,
		Allowed:         req.Allowed,
		CheckIntervalMs: req.CheckIntervalMs,
		PluginName:      req.PluginName,
		Category:        req.Category,
	})
	if err != nil {
		writeError(c, err, "create policy", "agent_id", agentID)
		return
	}

	c.JSON(http.StatusCreated, toPolicyResponse(policy))
}

// UpdatePolicy applies a partial update to a policy
// PATCH /api/policies/:id
func (h *AgentsHandler) UpdatePolicy(c *gin.Context) {
	policyID := c.Param("id")

	var req dto.UpdatePolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	policy, err := h.agentService.UpdatePolicy(c.Request.Context(), policyID, agents.PolicyPatch{
		ProcessName:     req.ProcessName,
		Alternatives:    req.Alternatives,
		Allowed:         req.Allowed,
		CheckIntervalMs: req.CheckIntervalMs,
		PluginName:      req.PluginName,
		Category:        req.Category,
	})
	if err != nil {
		writeError(c, err, "update policy", "policy_id", policyID)
		return
	}

	c.JSON(http.StatusOK, toPolicyResponse(policy))
}

// DeletePolicy removes a policy
// DELETE /api/policies/:id
func (h *AgentsHandler) DeletePolicy(c *gin.Context) {
	policyID := c.Param("id")

	if err := h.agentService.DeletePolicy(c.Request.Context(), policyID); err != nil {
		writeError(c, err, "delete policy", "policy_id", policyID)
		return
	}

	c.Status(http.StatusNoContent)
}

// ListViolations returns the most recent violations of an agent
// GET /api/agents/:id/violations?limit=N
func (h *AgentsHandler) ListViolations(c *gin.Context) {
	agentID := c.Param("id")

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	violations, err := h.agentService.ListViolations(c.Request.Context(), agentID, limit)
	if err != nil {
		writeError(c, err, "list violations", "agent_id", agentID)
		return
	}

	responses := make([]dto.ViolationResponse, len(violations))
	for i, v := range violations {
		responses[i] = dto.ViolationResponse{
			ID:          v.ID,
			AgentID:     v.AgentID,
			PolicyID:    v.PolicyID,
			ChildID:     v.ChildID,
			ProcessName: v.ProcessName,
			Timestamp:   v.Timestamp,
			ActionTaken: v.ActionTaken,
			Metadata:    v.Metadata,
		}
	}

	c.JSON(http.StatusOK, dto.ListViolationsResponse{Violations: responses, Count: len(responses)})
}
