package handler

import (
	"net/http"
	"time"

	"github.com/EternisAI/hearth/internal/agents"
	"github.com/EternisAI/hearth/internal/api/http/dto"
	"github.com/EternisAI/hearth/internal/api/http/middleware"
	"github.com/EternisAI/hearth/internal/coordinator"
	"github.com/EternisAI/hearth/internal/store"
	"github.com/gin-gonic/gin"
)

// AgentHandler serves the endpoints called by the agents themselves.
type AgentHandler struct {
	agents      *agents.Service
	coordinator *coordinator.Service
}

func NewAgentHandler(agentService *agents.Service, coordinatorService *coordinator.Service) *AgentHandler {
	return &AgentHandler{
		agents:      agentService,
		coordinator: coordinatorService,
	}
}

// Register creates or refreshes the calling agent
// POST /agent/register
func (h *AgentHandler) Register(c *gin.Context) {
	var req dto.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ip := req.AgentInfo.IP
	if ip == "" {
		ip = c.ClientIP()
	}

	result, err := h.agents.Register(c.Request.Context(), agents.RegisterRequest{
		TrustToken:       req.TrustToken,
		RegistrationCode: req.RegistrationCode,
		Info: agents.AgentInfo{
			MachineID: req.AgentInfo.MachineID,
			Hostname:  req.AgentInfo.Hostname,
			Platform:  req.AgentInfo.Platform,
			Version:   req.AgentInfo.Version,
			IP:        ip,
		},
	})
	if err != nil {
		writeError(c, err, "register agent", "machine_id", req.AgentInfo.MachineID)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	c.JSON(status, dto.RegisterResponse{
		AgentID:         result.Agent.ID,
		AuthToken:       result.AuthToken,
		ChildID:         result.Agent.ChildID,
		Created:         result.Created,
		Policies:        toAgentPolicies(result.Policies),
		LatestVersion:   h.agents.LatestVersion(),
		UpdateAvailable: result.Agent.UpdateAvailable,
	})
}

// Heartbeat records that the agent is alive
// POST /agent/heartbeat
func (h *AgentHandler) Heartbeat(c *gin.Context) {
	agent, ok := middleware.CurrentAgent(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "agent not authenticated"})
		return
	}

	var req dto.HeartbeatRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	ip := req.IP
	if ip == "" {
		ip = c.ClientIP()
	}

	h.agents.Heartbeat(c.Request.Context(), agent.ID, ip)
	c.JSON(http.StatusOK, dto.HeartbeatResponse{Status: "ok", ServerTime: time.Now().UTC()})
}

// Policies returns the current policy set of the calling agent
// GET /agent/policies
func (h *AgentHandler) Policies(c *gin.Context) {
	agent, ok := middleware.CurrentAgent(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "agent not authenticated"})
		return
	}

	policies, err := h.agents.ListPolicies(c.Request.Context(), agent.ID)
	if err != nil {
		writeError(c, err, "list policies", "agent_id", agent.ID)
		return
	}

	c.JSON(http.StatusOK, dto.AgentPoliciesResponse{
		AgentID:  agent.ID,
		ChildID:  agent.ChildID,
		Policies: toAgentPolicies(policies),
	})
}

// Violation records a policy violation observed by the agent
// POST /agent/violations
func (h *AgentHandler) Violation(c *gin.Context) {
	agent, ok := middleware.CurrentAgent(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "agent not authenticated"})
		return
	}

	var req dto.ViolationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	in := agents.ViolationInput{
		PolicyID:    req.PolicyID,
		ProcessName: req.ProcessName,
		ActionTaken: req.ActionTaken,
		Metadata:    req.Metadata,
	}
	if req.Timestamp != nil {
		in.Timestamp = *req.Timestamp
	}

	v, err := h.agents.HandleViolation(c.Request.Context(), agent.ID, in)
	if err != nil {
		writeError(c, err, "record violation", "agent_id", agent.ID)
		return
	}

	c.JSON(http.StatusCreated, dto.ViolationCreatedResponse{ViolationID: v.ID})
}

// Sync reconciles the installed extensions of the agent and hands out
// pending action triggers
// POST /agent/sync
func (h *AgentHandler) Sync(c *gin.Context) {
	agent, ok := middleware.CurrentAgent(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "agent not authenticated"})
		return
	}

	var req dto.SyncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	installed := make([]coordinator.InstalledExtension, len(req.Installed))
	for i, ext := range req.Installed {
		installed[i] = coordinator.InstalledExtension{
			PluginID:      ext.PluginID,
			ExtensionType: store.ExtensionType(ext.ExtensionType),
			ExtensionID:   ext.ExtensionID,
			Checksum:      ext.Checksum,
		}
	}

	result, err := h.coordinator.Sync(c.Request.Context(), agent.ID, installed)
	if err != nil {
		writeError(c, err, "sync extensions", "agent_id", agent.ID)
		return
	}

	resp := dto.SyncResponse{
		Deploy:  make([]dto.ExtensionPayload, len(result.Deploy)),
		Remove:  make([]dto.ExtensionKey, len(result.Remove)),
		Actions: make([]dto.PendingAction, len(result.Actions)),
	}
	for i := range result.Deploy {
		resp.Deploy[i] = *toPayload(&result.Deploy[i])
	}
	for i, key := range result.Remove {
		resp.Remove[i] = dto.ExtensionKey{
			PluginID:      key.PluginID,
			ExtensionType: string(key.ExtensionType),
			ExtensionID:   key.ExtensionID,
		}
	}
	for i, t := range result.Actions {
		resp.Actions[i] = dto.PendingAction{
			TriggerID:   t.ID,
			PluginID:    t.PluginID,
			ActionID:    t.ActionID,
			Arguments:   t.Arguments,
			TriggeredAt: t.TriggeredAt,
		}
	}
	c.JSON(http.StatusOK, resp)
}

// Report ingests monitor telemetry and action responses
// POST /agent/report
func (h *AgentHandler) Report(c *gin.Context) {
	agent, ok := middleware.CurrentAgent(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "agent not authenticated"})
		return
	}

	var req dto.ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	data := make(coordinator.PluginData, len(req.PluginData))
	for pluginID, monitors := range req.PluginData {
		data[pluginID] = make(map[string][]coordinator.Sample, len(monitors))
		for monitorID, samples := range monitors {
			converted := make([]coordinator.Sample, len(samples))
			for i, s := range samples {
				converted[i] = coordinator.Sample{Data: s.Data}
				if s.CollectedAt != nil {
					converted[i].CollectedAt = *s.CollectedAt
				}
			}
			data[pluginID][monitorID] = converted
		}
	}

	responses := make([]coordinator.ActionResponse, len(req.ActionResponses))
	for i, r := range req.ActionResponses {
		responses[i] = coordinator.ActionResponse{
			TriggerID:  r.TriggerID,
			Status:     r.Status,
			ReturnCode: r.ReturnCode,
			Output:     r.Output,
			Error:      r.Error,
		}
		if r.ExecutedAt != nil {
			responses[i].ExecutedAt = *r.ExecutedAt
		}
	}

	ctx := c.Request.Context()
	c.JSON(http.StatusOK, dto.ReportResponse{
		PluginData:      toBatchResult(h.coordinator.ProcessPluginData(ctx, agent.ID, data)),
		ActionResponses: toBatchResult(h.coordinator.ProcessActionResponses(ctx, agent.ID, responses)),
	})
}
