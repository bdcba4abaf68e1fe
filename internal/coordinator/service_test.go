package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/EternisAI/hearth/internal/agents"
	"github.com/EternisAI/hearth/internal/extensions"
	"github.com/EternisAI/hearth/internal/store"
	"github.com/EternisAI/hearth/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type routedHandler struct {
	failMonitor string
	data        []extensions.DataEntry
	results     []extensions.ActionResult
}

func (h *routedHandler) HandleData(_ context.Context, _ string, entry extensions.DataEntry) error {
	if entry.MonitorID == h.failMonitor {
		return errors.New("handler rejected sample")
	}
	h.data = append(h.data, entry)
	return nil
}

func (h *routedHandler) HandleActionResult(_ context.Context, _ string, result extensions.ActionResult) error {
	h.results = append(h.results, result)
	return nil
}

type fixture struct {
	svc      *Service
	store    *store.SQLiteStore
	handler  *routedHandler
	registry *extensions.Registry
	agentID  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storetest.NewSQLite(t)
	directory := agents.NewService(st, nil, nil, nil, agents.Config{})
	agent := storetest.SeedAgent(t, st, "machine-1")

	handler := &routedHandler{}
	registry := extensions.NewRegistry(handler)
	return &fixture{
		svc:      NewService(st, directory, registry, nil, nil),
		store:    st,
		handler:  handler,
		registry: registry,
		agentID:  agent.ID,
	}
}

func (f *fixture) deployAction(t *testing.T, pluginID, actionID string) {
	t.Helper()
	_, err := f.svc.DeployAction(context.Background(), f.agentID, ExtensionSpec{
		PluginID:    pluginID,
		ExtensionID: actionID,
		Script:      "echo " + actionID,
	})
	require.NoError(t, err)
}

func TestDeployMonitor_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	spec := ExtensionSpec{PluginID: "screen-time", ExtensionID: "active-window", Script: "Get-Process"}

	first, err := f.svc.DeployMonitor(ctx, f.agentID, spec)
	require.NoError(t, err)
	assert.Equal(t, StatusDeployed, first.Status)
	require.NotNil(t, first.Payload)
	assert.Equal(t, Checksum("Get-Process"), first.Payload.Checksum)
	assert.Equal(t, "Get-Process", first.Payload.Script)

	before, err := f.store.GetDeployment(ctx, store.DeploymentKey{
		AgentID: f.agentID, PluginID: "screen-time", ExtensionType: store.ExtensionMonitor, ExtensionID: "active-window",
	})
	require.NoError(t, err)

	f.svc.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	second, err := f.svc.DeployMonitor(ctx, f.agentID, spec)
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyDeployed, second.Status)
	assert.Equal(t, first.DeploymentID, second.DeploymentID)
	assert.Nil(t, second.Payload)

	after, err := f.store.GetDeployment(ctx, before.Key())
	require.NoError(t, err)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
}

func TestDeployMonitor_ChecksumChangeUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.DeployMonitor(ctx, f.agentID, ExtensionSpec{PluginID: "p", ExtensionID: "m", Script: "v1"})
	require.NoError(t, err)

	updated, err := f.svc.UpdateMonitor(ctx, f.agentID, ExtensionSpec{PluginID: "p", ExtensionID: "m", Script: "v2"})
	require.NoError(t, err)
	assert.Equal(t, StatusUpdated, updated.Status)
	assert.Equal(t, first.DeploymentID, updated.DeploymentID)
	assert.Equal(t, Checksum("v2"), updated.Payload.Checksum)
}

func TestDeploy_UsesCacheLoadedFromStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	spec := ExtensionSpec{PluginID: "p", ExtensionID: "m", Script: "v1"}

	_, err := f.svc.DeployMonitor(ctx, f.agentID, spec)
	require.NoError(t, err)

	// A fresh coordinator over the same store sees the deployment.
	restarted := NewService(f.store, agents.NewService(f.store, nil, nil, nil, agents.Config{}), f.registry, nil, nil)
	require.NoError(t, restarted.LoadCache(ctx))
	assert.Equal(t, 1, restarted.cache.size())

	res, err := restarted.DeployMonitor(ctx, f.agentID, spec)
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyDeployed, res.Status)
}

func TestDeploy_PlatformAndValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.DeployMonitor(ctx, f.agentID, ExtensionSpec{
		PluginID: "p", ExtensionID: "m", Script: "x", Platforms: []string{"windows", "darwin"},
	})
	assert.ErrorIs(t, err, ErrPlatformNotSupported)

	_, err = f.svc.DeployMonitor(ctx, f.agentID, ExtensionSpec{PluginID: "p", ExtensionID: "m", Script: "x", Platforms: []string{"Linux"}})
	assert.NoError(t, err)

	_, err = f.svc.DeployMonitor(ctx, f.agentID, ExtensionSpec{PluginID: "", ExtensionID: "m", Script: "x"})
	assert.ErrorIs(t, err, ErrInvalidDeployment)

	_, err = f.svc.DeployMonitor(ctx, f.agentID, ExtensionSpec{PluginID: "unknown", ExtensionID: "m"})
	assert.ErrorIs(t, err, ErrInvalidDeployment)

	_, err = f.svc.DeployMonitor(ctx, "missing-agent", ExtensionSpec{PluginID: "p", ExtensionID: "m", Script: "x"})
	assert.ErrorIs(t, err, agents.ErrAgentNotFound)
}

func TestDeploy_FromManifest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.registry.AddManifest(extensions.Manifest{
		ID: "bedtime",
		Actions: []extensions.Extension{{
			ID:     "shutdown",
			Script: "shutdown -h now",
			Config: map[string]any{"delay": 60},
		}},
	}))

	res, err := f.svc.DeployAction(ctx, f.agentID, ExtensionSpec{PluginID: "bedtime", ExtensionID: "shutdown"})
	require.NoError(t, err)
	assert.Equal(t, "shutdown -h now", res.Payload.Script)
	assert.JSONEq(t, `{"delay":60}`, string(res.Payload.Config))

	_, err = f.svc.DeployAction(ctx, f.agentID, ExtensionSpec{PluginID: "bedtime", ExtensionID: "reboot"})
	assert.ErrorIs(t, err, ErrInvalidDeployment)
}

func TestRemoveMonitor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	status, err := f.svc.RemoveMonitor(ctx, f.agentID, "p", "m")
	require.NoError(t, err)
	assert.Equal(t, StatusNotDeployed, status)

	_, err = f.svc.DeployMonitor(ctx, f.agentID, ExtensionSpec{PluginID: "p", ExtensionID: "m", Script: "x"})
	require.NoError(t, err)
	status, err = f.svc.RemoveMonitor(ctx, f.agentID, "p", "m")
	require.NoError(t, err)
	assert.Equal(t, StatusRemoved, status)

	deployments, err := f.svc.ListDeployments(ctx, f.agentID)
	require.NoError(t, err)
	assert.Empty(t, deployments)
}

func TestTriggerAction_RequiresDeployment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.TriggerAction(ctx, f.agentID, "bedtime", "lock", nil)
	assert.ErrorIs(t, err, ErrActionNotDeployed)

	pending, err := f.svc.GetPendingActions(ctx, f.agentID)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// A monitor with the same id is not an action.
	_, err = f.svc.DeployMonitor(ctx, f.agentID, ExtensionSpec{PluginID: "bedtime", ExtensionID: "lock", Script: "x"})
	require.NoError(t, err)
	_, err = f.svc.TriggerAction(ctx, f.agentID, "bedtime", "lock", nil)
	assert.ErrorIs(t, err, ErrActionNotDeployed)

	f.deployAction(t, "bedtime", "lock")
	_, err = f.svc.TriggerAction(ctx, f.agentID, "bedtime", "lock", json.RawMessage(`{not json`))
	assert.ErrorIs(t, err, ErrInvalidDeployment)
}

func TestActionLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deployAction(t, "bedtime", "lock")

	base := time.Now().UTC()
	f.svc.now = func() time.Time { return base }
	first, err := f.svc.TriggerAction(ctx, f.agentID, "bedtime", "lock", json.RawMessage(`{"minutes":5}`))
	require.NoError(t, err)
	f.svc.now = func() time.Time { return base.Add(time.Second) }
	second, err := f.svc.TriggerAction(ctx, f.agentID, "bedtime", "lock", nil)
	require.NoError(t, err)

	pending, err := f.svc.GetPendingActions(ctx, f.agentID)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, second.ID, pending[1].ID)
	assert.JSONEq(t, `{"minutes":5}`, string(pending[0].Arguments))

	// A response before delivery is rejected.
	res := f.svc.ProcessActionResponses(ctx, f.agentID, []ActionResponse{{TriggerID: first.ID, Status: "success"}})
	assert.Zero(t, res.Processed)
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], ErrActionNotDelivered)

	n, err := f.svc.MarkActionsDelivered(ctx, f.agentID, []string{first.ID, second.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	pending, err = f.svc.GetPendingActions(ctx, f.agentID)
	require.NoError(t, err)
	assert.Empty(t, pending)

	res = f.svc.ProcessActionResponses(ctx, f.agentID, []ActionResponse{
		{TriggerID: first.ID, Status: "success", ReturnCode: 0, Output: "locked"},
		{TriggerID: second.ID, Status: "error", ReturnCode: 1, Error: "denied"},
		{TriggerID: "unknown"},
	})
	assert.Equal(t, 2, res.Processed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 2, res.Errors[0].Index)
	assert.ErrorIs(t, res.Errors[0], ErrTriggerNotFound)

	done, err := f.store.GetActionTrigger(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ActionCompleted, done.Status)
	failed, err := f.store.GetActionTrigger(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ActionFailed, failed.Status)

	require.Len(t, f.handler.results, 2)
	assert.Equal(t, "locked", f.handler.results[0].Output)
	assert.Equal(t, "lock", f.handler.results[0].ActionID)

	// Terminal entries never move again.
	res = f.svc.ProcessActionResponses(ctx, f.agentID, []ActionResponse{{TriggerID: first.ID, Status: "failed"}})
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], ErrResponseAlreadyRecorded)
}

func TestProcessActionResponses_ForeignTrigger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deployAction(t, "bedtime", "lock")
	trigger, err := f.svc.TriggerAction(ctx, f.agentID, "bedtime", "lock", nil)
	require.NoError(t, err)
	_, err = f.svc.MarkActionsDelivered(ctx, f.agentID, []string{trigger.ID})
	require.NoError(t, err)

	other := storetest.SeedAgent(t, f.store, "machine-2")
	res := f.svc.ProcessActionResponses(ctx, other.ID, []ActionResponse{{TriggerID: trigger.ID, Status: "success"}})
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], ErrTriggerNotFound)

	n, err := f.svc.MarkActionsDelivered(ctx, other.ID, []string{trigger.ID})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProcessPluginData_PartialFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.handler.failMonitor = "broken"

	res := f.svc.ProcessPluginData(ctx, f.agentID, PluginData{
		"screen-time": {
			"active-window": {{Data: json.RawMessage(`{"title":"Minecraft"}`)}},
			"broken":        {{Data: json.RawMessage(`{"x":1}`)}},
		},
	})
	assert.Equal(t, 1, res.Processed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "broken", res.Errors[0].MonitorID)
	assert.Equal(t, "screen-time", res.Errors[0].PluginID)

	logged, err := f.svc.ListPluginData(ctx, f.agentID, 0)
	require.NoError(t, err)
	require.Len(t, logged, 2)
	processed := map[string]bool{}
	for _, e := range logged {
		processed[e.MonitorID] = e.Processed
	}
	assert.True(t, processed["active-window"])
	assert.False(t, processed["broken"])

	require.Len(t, f.handler.data, 1)
	assert.JSONEq(t, `{"title":"Minecraft"}`, string(f.handler.data[0].Data))
}

func TestSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.DeployMonitor(ctx, f.agentID, ExtensionSpec{PluginID: "p", ExtensionID: "current", Script: "same"})
	require.NoError(t, err)
	_, err = f.svc.DeployMonitor(ctx, f.agentID, ExtensionSpec{PluginID: "p", ExtensionID: "outdated", Script: "new"})
	require.NoError(t, err)
	f.deployAction(t, "p", "lock")
	trigger, err := f.svc.TriggerAction(ctx, f.agentID, "p", "lock", nil)
	require.NoError(t, err)

	result, err := f.svc.Sync(ctx, f.agentID, []InstalledExtension{
		{PluginID: "p", ExtensionType: store.ExtensionMonitor, ExtensionID: "current", Checksum: Checksum("same")},
		{PluginID: "p", ExtensionType: store.ExtensionMonitor, ExtensionID: "outdated", Checksum: Checksum("old")},
		{PluginID: "p", ExtensionType: store.ExtensionMonitor, ExtensionID: "gone", Checksum: "abc"},
	})
	require.NoError(t, err)

	deployIDs := []string{}
	for _, p := range result.Deploy {
		deployIDs = append(deployIDs, string(p.ExtensionType)+"/"+p.ExtensionID)
	}
	assert.ElementsMatch(t, []string{"monitor/outdated", "action/lock"}, deployIDs)
	require.Len(t, result.Remove, 1)
	assert.Equal(t, "gone", result.Remove[0].ExtensionID)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, trigger.ID, result.Actions[0].ID)
	assert.Equal(t, store.ActionDelivered, result.Actions[0].Status)

	// Delivered triggers are not handed out twice.
	again, err := f.svc.Sync(ctx, f.agentID, nil)
	require.NoError(t, err)
	assert.Empty(t, again.Actions)
	assert.Len(t, again.Deploy, 3)
}

func TestRemoveAgentDeployments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deployAction(t, "p", "lock")
	_, err := f.svc.TriggerAction(ctx, f.agentID, "p", "lock", nil)
	require.NoError(t, err)
	f.svc.ProcessPluginData(ctx, f.agentID, PluginData{"p": {"m": {{Data: json.RawMessage(`1`)}}}})

	require.NoError(t, f.svc.RemoveAgentDeployments(ctx, f.agentID))

	deployments, err := f.svc.ListDeployments(ctx, f.agentID)
	require.NoError(t, err)
	assert.Empty(t, deployments)
	pending, err := f.svc.GetPendingActions(ctx, f.agentID)
	require.NoError(t, err)
	assert.Empty(t, pending)
	logged, err := f.svc.ListPluginData(ctx, f.agentID, 10)
	require.NoError(t, err)
	assert.Empty(t, logged)
	assert.Zero(t, f.svc.cache.size())

	_, err = f.svc.TriggerAction(ctx, f.agentID, "p", "lock", nil)
	assert.ErrorIs(t, err, ErrActionNotDeployed)
}

func TestTerminalStatus(t *testing.T) {
	assert.Equal(t, store.ActionCompleted, TerminalStatus("success"))
	assert.Equal(t, store.ActionCompleted, TerminalStatus(" Completed "))
	assert.Equal(t, store.ActionFailed, TerminalStatus("error"))
	assert.Equal(t, store.ActionFailed, TerminalStatus(""))
}
