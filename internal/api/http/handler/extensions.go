package handler

import (
	"net/http"
	"strconv"

	"github.com/EternisAI/hearth/internal/api/http/dto"
	"github.com/EternisAI/hearth/internal/coordinator"
	"github.com/EternisAI/hearth/internal/extensions"
	"github.com/gin-gonic/gin"
)

type ExtensionsHandler struct {
	coordinatorService *coordinator.Service
	registry           *extensions.Registry
}

func NewExtensionsHandler(coordinatorService *coordinator.Service, registry *extensions.Registry) *ExtensionsHandler {
	return &ExtensionsHandler{
		coordinatorService: coordinatorService,
		registry:           registry,
	}
}

// ListPlugins returns the loaded plugin manifests
// GET /api/extensions
func (h *ExtensionsHandler) ListPlugins(c *gin.Context) {
	var manifests []extensions.Manifest
	if h.registry != nil {
		manifests = h.registry.Manifests()
	}

	plugins := make([]dto.PluginResponse, len(manifests))
	for i, m := range manifests {
		plugins[i] = dto.PluginResponse{
			ID:       m.ID,
			Name:     m.Name,
			Version:  m.Version,
			Monitors: toExtensionInfos(m.Monitors),
			Actions:  toExtensionInfos(m.Actions),
		}
	}

	c.JSON(http.StatusOK, dto.ListPluginsResponse{Plugins: plugins, Count: len(plugins)})
}

// ListDeployments returns the extensions deployed to an agent
// GET /api/agents/:id/deployments
func (h *ExtensionsHandler) ListDeployments(c *gin.Context) {
	agentID := c.Param("id")

	deployments, err := h.coordinatorService.ListDeployments(c.Request.Context(), agentID)
	if err != nil {
		writeError(c, err, "list deployments", "agent_id", agentID)
		return
	}

	responses := make([]dto.DeploymentResponse, len(deployments))
	for i, d := range deployments {
		responses[i] = dto.DeploymentResponse{
			ID:            d.ID,
			PluginID:      d.PluginID,
			ExtensionType: string(d.ExtensionType),
			ExtensionID:   d.ExtensionID,
			Checksum:      d.Checksum,
			DeployedAt:    d.DeployedAt,
			UpdatedAt:     d.UpdatedAt,
		}
	}

	c.JSON(http.StatusOK, dto.ListDeploymentsResponse{Deployments: responses, Count: len(responses)})
}

// DeployMonitor deploys a monitor script to an agent
// POST /api/agents/:id/monitors
func (h *ExtensionsHandler) DeployMonitor(c *gin.Context) {
	agentID := c.Param("id")

	var req dto.DeployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.coordinatorService.DeployMonitor(c.Request.Context(), agentID, toSpec(req))
	if err != nil {
		writeError(c, err, "deploy monitor", "agent_id", agentID, "plugin_id", req.PluginID)
		return
	}

	c.JSON(deployStatusCode(result.Status), toDeployResponse(result))
}

// UpdateMonitor replaces the script of a deployed monitor
// PUT /api/agents/:id/monitors/:plugin/:extension
func (h *ExtensionsHandler) UpdateMonitor(c *gin.Context) {
	agentID := c.Param("id")

	var req dto.UpdateMonitorRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	result, err := h.coordinatorService.UpdateMonitor(c.Request.Context(), agentID, coordinator.ExtensionSpec{
		PluginID:    c.Param("plugin"),
		ExtensionID: c.Param("extension"),
		Script:      req.Script,
		Platforms:   req.Platforms,
		Config:      req.Config,
	})
	if err != nil {
		writeError(c, err, "update monitor", "agent_id", agentID, "plugin_id", c.Param("plugin"))
		return
	}

	c.JSON(http.StatusOK, toDeployResponse(result))
}

// RemoveMonitor removes a monitor from an agent
// DELETE /api/agents/:id/monitors/:plugin/:extension
func (h *ExtensionsHandler) RemoveMonitor(c *gin.Context) {
	agentID := c.Param("id")

	status, err := h.coordinatorService.RemoveMonitor(c.Request.Context(), agentID, c.Param("plugin"), c.Param("extension"))
	if err != nil {
		writeError(c, err, "remove monitor", "agent_id", agentID, "plugin_id", c.Param("plugin"))
		return
	}

	c.JSON(http.StatusOK, dto.RemoveResponse{Status: string(status)})
}

// DeployAction deploys an action script to an agent
// POST /api/agents/:id/actions
func (h *ExtensionsHandler) DeployAction(c *gin.Context) {
	agentID := c.Param("id")

	var req dto.DeployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.coordinatorService.DeployAction(c.Request.Context(), agentID, toSpec(req))
	if err != nil {
		writeError(c, err, "deploy action", "agent_id", agentID, "plugin_id", req.PluginID)
		return
	}

	c.JSON(deployStatusCode(result.Status), toDeployResponse(result))
}

// RemoveAction removes an action from an agent
// DELETE /api/agents/:id/actions/:plugin/:extension
func (h *ExtensionsHandler) RemoveAction(c *gin.Context) {
	agentID := c.Param("id")

	status, err := h.coordinatorService.RemoveAction(c.Request.Context(), agentID, c.Param("plugin"), c.Param("extension"))
	if err != nil {
		writeError(c, err, "remove action", "agent_id", agentID, "plugin_id", c.Param("plugin"))
		return
	}

	c.JSON(http.StatusOK, dto.RemoveResponse{Status: string(status)})
}

// TriggerAction queues a deployed action for the agent's next sync
// POST /api/agents/:id/actions/:plugin/:extension/trigger
func (h *ExtensionsHandler) TriggerAction(c *gin.Context) {
	agentID := c.Param("id")

	var req dto.TriggerActionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	trigger, err := h.coordinatorService.TriggerAction(c.Request.Context(), agentID,
		c.Param("plugin"), c.Param("extension"), req.Arguments)
	if err != nil {
		writeError(c, err, "trigger action", "agent_id", agentID, "plugin_id", c.Param("plugin"))
		return
	}

	c.JSON(http.StatusAccepted, toTriggerResponse(trigger))
}

// PendingActions returns the triggers not yet delivered to an agent
// GET /api/agents/:id/actions/pending
func (h *ExtensionsHandler) PendingActions(c *gin.Context) {
	agentID := c.Param("id")

	triggers, err := h.coordinatorService.GetPendingActions(c.Request.Context(), agentID)
	if err != nil {
		writeError(c, err, "list pending actions", "agent_id", agentID)
		return
	}

	responses := make([]dto.TriggerResponse, len(triggers))
	for i := range triggers {
		responses[i] = toTriggerResponse(&triggers[i])
	}

	c.JSON(http.StatusOK, dto.ListTriggersResponse{Actions: responses, Count: len(responses)})
}

// ListPluginData returns recent telemetry reported by an agent
// GET /api/agents/:id/plugin-data?limit=N
func (h *ExtensionsHandler) ListPluginData(c *gin.Context) {
	agentID := c.Param("id")

	limit, _ := strconv.Atoi(c.Query("limit"))
	entries, err := h.coordinatorService.ListPluginData(c.Request.Context(), agentID, limit)
	if err != nil {
		writeError(c, err, "list plugin data", "agent_id", agentID)
		return
	}

	responses := make([]dto.PluginDataResponse, len(entries))
	for i, e := range entries {
		responses[i] = dto.PluginDataResponse{
			ID:          e.ID,
			PluginID:    e.PluginID,
			MonitorID:   e.MonitorID,
			Data:        e.Data,
			CollectedAt: e.CollectedAt,
			ReceivedAt:  e.ReceivedAt,
			Processed:   e.Processed,
		}
	}

	c.JSON(http.StatusOK, dto.ListPluginDataResponse{Entries: responses, Count: len(responses)})
}

func toSpec(req dto.DeployRequest) coordinator.ExtensionSpec {
	return coordinator.ExtensionSpec{
		PluginID:    req.PluginID,
		ExtensionID: req.ExtensionID,
		Script:      req.Script,
		Platforms:   req.Platforms,
		Config:      req.Config,
	}
}

func toDeployResponse(r *coordinator.DeployResult) dto.DeployResponse {
	return dto.DeployResponse{
		Status:       string(r.Status),
		DeploymentID: r.DeploymentID,
		Payload:      toPayload(r.Payload),
	}
}

func deployStatusCode(s coordinator.Status) int {
	if s == coordinator.StatusDeployed {
		return http.StatusCreated
	}
	return http.StatusOK
}

func toExtensionInfos(exts []extensions.Extension) []dto.ExtensionInfo {
	result := make([]dto.ExtensionInfo, len(exts))
	for i, e := range exts {
		result[i] = dto.ExtensionInfo{ID: e.ID, Platforms: e.Platforms}
	}
	return result
}
