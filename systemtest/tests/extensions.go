package tests

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/EternisAI/hearth/internal/api/http/dto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const extensionsMachine = "sys-ext"

var usageMonitor = dto.DeployRequest{
	PluginID:    "screen-time",
	ExtensionID: "usage",
	Script:      "Get-Process | Measure-Object",
	Platforms:   []string{"windows"},
}

func TestExtensions(t *testing.T, c *Client) {
	agent := register(t, c, dto.RegisterRequest{AgentInfo: info(extensionsMachine)})
	base := "/api/agents/" + agent.AgentID

	rr := c.Operator(http.MethodPost, base+"/monitors", usageMonitor)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	macOnly := usageMonitor
	macOnly.ExtensionID = "usage-mac"
	macOnly.Platforms = []string{"macos"}
	rr = c.Operator(http.MethodPost, base+"/monitors", macOnly)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = c.Operator(http.MethodPost, base+"/actions", dto.DeployRequest{PluginID: "screen-time", ExtensionID: "lock", Script: "rundll32 user32.dll,LockWorkStation"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = c.Operator(http.MethodPost, base+"/actions/screen-time/lock/trigger", dto.TriggerActionRequest{})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	trigger := decode[dto.TriggerResponse](t, rr)

	rr = c.Agent(http.MethodPost, "/agent/sync", dto.SyncRequest{}, agent.AuthToken)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	sync := decode[dto.SyncResponse](t, rr)
	require.Len(t, sync.Deploy, 2)
	require.Len(t, sync.Actions, 1)

	installed := make([]dto.InstalledExtension, len(sync.Deploy))
	for i, p := range sync.Deploy {
		installed[i] = dto.InstalledExtension{PluginID: p.PluginID, ExtensionType: p.ExtensionType, ExtensionID: p.ExtensionID, Checksum: p.Checksum}
	}
	rr = c.Agent(http.MethodPost, "/agent/sync", dto.SyncRequest{Installed: installed}, agent.AuthToken)
	require.Equal(t, http.StatusOK, rr.Code)
	resync := decode[dto.SyncResponse](t, rr)
	assert.Empty(t, resync.Deploy)
	assert.Empty(t, resync.Actions)

	rr = c.Agent(http.MethodPost, "/agent/report", dto.ReportRequest{
		PluginData: map[string]map[string][]dto.Sample{
			"screen-time": {"usage": {{Data: json.RawMessage(`{"minutes":90}`)}}},
		},
		ActionResponses: []dto.ActionResponseReport{{TriggerID: trigger.TriggerID, Status: "completed"}},
	}, agent.AuthToken)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	report := decode[dto.ReportResponse](t, rr)
	assert.Equal(t, 1, report.PluginData.Processed)
	assert.Equal(t, 1, report.ActionResponses.Processed)

	rr = c.Agent(http.MethodPost, "/agent/report", dto.ReportRequest{
		ActionResponses: []dto.ActionResponseReport{{TriggerID: trigger.TriggerID, Status: "completed"}},
	}, agent.AuthToken)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[dto.ReportResponse](t, rr).ActionResponses.Errors, 1)
}

func TestDeploymentsSurviveRestart(t *testing.T, c *Client) {
	agent := register(t, c, dto.RegisterRequest{AgentInfo: info(extensionsMachine)})
	assert.False(t, agent.Created)

	rr := c.Operator(http.MethodPost, "/api/agents/"+agent.AgentID+"/monitors", usageMonitor)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "already_deployed", decode[dto.DeployResponse](t, rr).Status)

	rr = c.Operator(http.MethodDelete, "/api/agents/"+agent.AgentID, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = c.Operator(http.MethodGet, "/api/agents/"+agent.AgentID+"/deployments", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 0, decode[dto.ListDeploymentsResponse](t, rr).Count)
}
