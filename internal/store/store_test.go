package store_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/EternisAI/hearth/internal/store"
	"github.com/EternisAI/hearth/internal/store/storetest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) store.Store { return storetest.NewSQLite(t) })
}

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	s := storetest.NewPostgres(t)
	// One container for the whole suite; subtests use distinct machine ids.
	runStoreSuite(t, func(t *testing.T) store.Store { return s })
}

func TestSQLiteStoreNotInitialized(t *testing.T) {
	var s *store.SQLiteStore
	_, err := s.ListAgents(context.Background())
	assert.ErrorIs(t, err, store.ErrNotInitialized)
}

func runStoreSuite(t *testing.T, open func(t *testing.T) store.Store) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("agent create conflicts on machine id", func(t *testing.T) {
		s := open(t)
		machineID := "m-" + uuid.NewString()
		agent := storetest.SeedAgent(t, s, machineID)

		_, err := s.CreateAgent(ctx, store.CreateAgentParams{
			ID:        uuid.NewString(),
			MachineID: machineID,
			Hostname:  "other",
			Platform:  "linux",
			AuthToken: "tok_" + uuid.NewString(),
			Now:       now,
		})
		assert.ErrorIs(t, err, store.ErrConflict)

		got, err := s.GetAgentByMachineID(ctx, machineID)
		require.NoError(t, err)
		assert.Equal(t, agent.ID, got.ID)

		got, err = s.GetAgentByAuthToken(ctx, agent.AuthToken)
		require.NoError(t, err)
		assert.Equal(t, agent.ID, got.ID)
	})

	t.Run("refresh keeps child when nil", func(t *testing.T) {
		s := open(t)
		child := "child-a"
		agent, err := s.CreateAgent(ctx, store.CreateAgentParams{
			ID:          uuid.NewString(),
			MachineID:   "m-" + uuid.NewString(),
			ChildID:     &child,
			Hostname:    "h1",
			Platform:    "darwin",
			AuthToken:   "tok_" + uuid.NewString(),
			LastKnownIP: "10.0.0.2",
			Now:         now,
		})
		require.NoError(t, err)
		require.NotNil(t, agent.DefaultChildID)
		assert.Equal(t, child, *agent.DefaultChildID)

		refreshed, err := s.RefreshAgent(ctx, store.RefreshAgentParams{
			ID:       agent.ID,
			Hostname: "h2",
			Platform: "darwin",
			Version:  "2.0.0",
			Now:      now.Add(time.Minute),
		})
		require.NoError(t, err)
		assert.Equal(t, "h2", refreshed.Hostname)
		require.NotNil(t, refreshed.ChildID)
		assert.Equal(t, child, *refreshed.ChildID)
		assert.Equal(t, "10.0.0.2", refreshed.LastKnownIP)
		assert.True(t, refreshed.LastHeartbeat.Equal(now.Add(time.Minute)))
	})

	t.Run("heartbeat and stale listing", func(t *testing.T) {
		s := open(t)
		agent := storetest.SeedAgent(t, s, "m-"+uuid.NewString())
		old := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
		require.NoError(t, s.UpdateAgentHeartbeat(ctx, agent.ID, old, "192.168.1.9"))

		stale, err := s.ListAgentsSeenBefore(ctx, old.Add(time.Second))
		require.NoError(t, err)
		ids := make([]string, 0, len(stale))
		for _, a := range stale {
			ids = append(ids, a.ID)
		}
		assert.Contains(t, ids, agent.ID)

		got, err := s.GetAgentByID(ctx, agent.ID)
		require.NoError(t, err)
		assert.Equal(t, "192.168.1.9", got.LastKnownIP)

		err = s.UpdateAgentHeartbeat(ctx, uuid.NewString(), now, "")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("unknown agent id is not found", func(t *testing.T) {
		s := open(t)
		_, err := s.GetAgentByID(ctx, "not-a-uuid")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.GetAgentByID(ctx, uuid.NewString())
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.ErrorIs(t, s.DeleteAgent(ctx, uuid.NewString()), store.ErrNotFound)
	})

	t.Run("pending token consumed once", func(t *testing.T) {
		s := open(t)
		hash := "hash-" + uuid.NewString()
		_, err := s.CreatePendingToken(ctx, store.CreatePendingTokenParams{
			ID:        uuid.NewString(),
			TokenHash: hash,
			Platform:  "linux",
			ExpiresAt: now.Add(time.Hour),
			Now:       now,
		})
		require.NoError(t, err)

		tok, err := s.ConsumePendingToken(ctx, hash, now)
		require.NoError(t, err)
		assert.Equal(t, hash, tok.TokenHash)

		_, err = s.ConsumePendingToken(ctx, hash, now)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("expired token cannot be consumed and is reaped", func(t *testing.T) {
		s := open(t)
		hash := "hash-" + uuid.NewString()
		_, err := s.CreatePendingToken(ctx, store.CreatePendingTokenParams{
			ID:        uuid.NewString(),
			TokenHash: hash,
			ExpiresAt: now.Add(-time.Minute),
			Now:       now.Add(-time.Hour),
		})
		require.NoError(t, err)

		_, err = s.ConsumePendingToken(ctx, hash, now)
		assert.ErrorIs(t, err, store.ErrNotFound)

		n, err := s.DeleteExpiredPendingTokens(ctx, now)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1))
	})

	t.Run("registration code single use", func(t *testing.T) {
		s := open(t)
		code := uuid.NewString()[:6]
		_, err := s.CreateRegistrationCode(ctx, store.CreateRegistrationCodeParams{
			Code:      code,
			ExpiresAt: now.Add(15 * time.Minute),
			Now:       now,
		})
		require.NoError(t, err)

		_, err = s.CreateRegistrationCode(ctx, store.CreateRegistrationCodeParams{
			Code:      code,
			ExpiresAt: now.Add(15 * time.Minute),
			Now:       now,
		})
		assert.ErrorIs(t, err, store.ErrConflict)

		redeemed, err := s.RedeemRegistrationCode(ctx, code, now)
		require.NoError(t, err)
		assert.True(t, redeemed.Used)

		_, err = s.RedeemRegistrationCode(ctx, code, now)
		assert.ErrorIs(t, err, store.ErrNotFound)

		agent := storetest.SeedAgent(t, s, "m-"+uuid.NewString())
		require.NoError(t, s.LinkRegistrationCode(ctx, code, agent.ID))
	})

	t.Run("policy patch writes only set fields", func(t *testing.T) {
		s := open(t)
		agent := storetest.SeedAgent(t, s, "m-"+uuid.NewString())
		policy, err := s.CreatePolicy(ctx, store.CreatePolicyParams{
			ID:              uuid.NewString(),
			AgentID:         agent.ID,
			ProcessName:     "steam",
			Alternatives:    []string{"steam.exe", "steamwebhelper"},
			Allowed:         false,
			CheckIntervalMs: 30000,
			Now:             now,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"steam.exe", "steamwebhelper"}, policy.Alternatives)

		allowed := true
		updated, err := s.UpdatePolicy(ctx, policy.ID, store.PolicyPatch{Allowed: &allowed}, now.Add(time.Second))
		require.NoError(t, err)
		assert.True(t, updated.Allowed)
		assert.Equal(t, "steam", updated.ProcessName)
		assert.Equal(t, 30000, updated.CheckIntervalMs)
		assert.Equal(t, []string{"steam.exe", "steamwebhelper"}, updated.Alternatives)

		empty := []string{}
		updated, err = s.UpdatePolicy(ctx, policy.ID, store.PolicyPatch{Alternatives: &empty}, now.Add(2*time.Second))
		require.NoError(t, err)
		assert.Empty(t, updated.Alternatives)

		_, err = s.UpdatePolicy(ctx, uuid.NewString(), store.PolicyPatch{Allowed: &allowed}, now)
		assert.ErrorIs(t, err, store.ErrNotFound)

		require.NoError(t, s.DeletePolicy(ctx, policy.ID))
		_, err = s.GetPolicy(ctx, policy.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("violations newest first", func(t *testing.T) {
		s := open(t)
		agent := storetest.SeedAgent(t, s, "m-"+uuid.NewString())
		for i := 0; i < 3; i++ {
			_, err := s.CreateViolation(ctx, store.CreateViolationParams{
				ID:          uuid.NewString(),
				AgentID:     agent.ID,
				ProcessName: "roblox",
				Timestamp:   now.Add(time.Duration(i) * time.Minute),
				ActionTaken: "killed",
				Metadata:    json.RawMessage(`{"pid":42}`),
			})
			require.NoError(t, err)
		}

		got, err := s.ListViolationsByAgent(ctx, agent.ID, 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.True(t, got[0].Timestamp.After(got[1].Timestamp))
		assert.Nil(t, got[0].PolicyID)
		assert.JSONEq(t, `{"pid":42}`, string(got[0].Metadata))
	})

	t.Run("deployment upsert keeps identity", func(t *testing.T) {
		s := open(t)
		agent := storetest.SeedAgent(t, s, "m-"+uuid.NewString())
		key := store.DeploymentKey{
			AgentID:       agent.ID,
			PluginID:      "screen-time",
			ExtensionType: store.ExtensionMonitor,
			ExtensionID:   "usage",
		}
		first, err := s.UpsertDeployment(ctx, store.UpsertDeploymentParams{
			ID: uuid.NewString(), Key: key, ScriptChecksum: "aaa", Script: "echo a", Now: now,
		})
		require.NoError(t, err)

		second, err := s.UpsertDeployment(ctx, store.UpsertDeploymentParams{
			ID: uuid.NewString(), Key: key, ScriptChecksum: "bbb", Script: "echo b",
			Config: json.RawMessage(`{"interval":5}`), Now: now.Add(time.Minute),
		})
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, "bbb", second.ScriptChecksum)
		assert.True(t, second.DeployedAt.Equal(now))

		got, err := s.GetDeployment(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "echo b", got.Script)
		assert.JSONEq(t, `{"interval":5}`, string(got.Config))

		removed, err := s.DeleteDeployment(ctx, key)
		require.NoError(t, err)
		assert.True(t, removed)
		removed, err = s.DeleteDeployment(ctx, key)
		require.NoError(t, err)
		assert.False(t, removed)
	})

	t.Run("action lifecycle", func(t *testing.T) {
		s := open(t)
		agent := storetest.SeedAgent(t, s, "m-"+uuid.NewString())
		other := storetest.SeedAgent(t, s, "m-"+uuid.NewString())

		trigger, err := s.CreateActionTrigger(ctx, store.CreateActionTriggerParams{
			ID: uuid.NewString(), AgentID: agent.ID, PluginID: "lock", ActionID: "lock-screen",
			Arguments: json.RawMessage(`{"minutes":10}`), Now: now,
		})
		require.NoError(t, err)
		assert.Equal(t, store.ActionPending, trigger.Status)

		response := store.ActionResponse{
			ID: uuid.NewString(), TriggerID: trigger.ID, AgentID: agent.ID, PluginID: "lock",
			ActionID: "lock-screen", Status: "success", ExecutedAt: now, ReceivedAt: now,
		}
		_, err = s.RecordActionResponse(ctx, store.RecordActionResponseParams{
			Response: response, TerminalStatus: store.ActionCompleted,
		})
		assert.ErrorIs(t, err, store.ErrInvalidTransition)

		pending, err := s.ListPendingActions(ctx, agent.ID)
		require.NoError(t, err)
		require.Len(t, pending, 1)

		n, err := s.MarkActionsDelivered(ctx, other.ID, []string{trigger.ID}, now)
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = s.MarkActionsDelivered(ctx, agent.ID, []string{trigger.ID}, now.Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		pending, err = s.ListPendingActions(ctx, agent.ID)
		require.NoError(t, err)
		assert.Empty(t, pending)

		foreign := response
		foreign.ID = uuid.NewString()
		foreign.AgentID = other.ID
		_, err = s.RecordActionResponse(ctx, store.RecordActionResponseParams{
			Response: foreign, TerminalStatus: store.ActionCompleted,
		})
		assert.ErrorIs(t, err, store.ErrNotFound)

		_, err = s.RecordActionResponse(ctx, store.RecordActionResponseParams{
			Response: response, TerminalStatus: store.ActionCompleted,
		})
		require.NoError(t, err)

		got, err := s.GetActionTrigger(ctx, trigger.ID)
		require.NoError(t, err)
		assert.Equal(t, store.ActionCompleted, got.Status)
		require.NotNil(t, got.DeliveredAt)

		response.ID = uuid.NewString()
		_, err = s.RecordActionResponse(ctx, store.RecordActionResponseParams{
			Response: response, TerminalStatus: store.ActionFailed,
		})
		assert.ErrorIs(t, err, store.ErrConflict)
	})

	t.Run("plugin data and agent purge", func(t *testing.T) {
		s := open(t)
		agent := storetest.SeedAgent(t, s, "m-"+uuid.NewString())
		entry, err := s.AppendPluginData(ctx, store.AppendPluginDataParams{
			ID: uuid.NewString(), AgentID: agent.ID, PluginID: "screen-time", MonitorID: "usage",
			Data: json.RawMessage(`{"minutes":90}`), CollectedAt: now, ReceivedAt: now,
		})
		require.NoError(t, err)
		assert.False(t, entry.Processed)
		require.NoError(t, s.MarkPluginDataProcessed(ctx, entry.ID))

		_, err = s.UpsertDeployment(ctx, store.UpsertDeploymentParams{
			ID: uuid.NewString(),
			Key: store.DeploymentKey{
				AgentID: agent.ID, PluginID: "lock", ExtensionType: store.ExtensionAction, ExtensionID: "lock-screen",
			},
			ScriptChecksum: "c", Script: "lock", Now: now,
		})
		require.NoError(t, err)
		_, err = s.CreateActionTrigger(ctx, store.CreateActionTriggerParams{
			ID: uuid.NewString(), AgentID: agent.ID, PluginID: "lock", ActionID: "lock-screen", Now: now,
		})
		require.NoError(t, err)

		require.NoError(t, s.RemoveAgentDeployments(ctx, agent.ID))

		deployments, err := s.ListDeploymentsByAgent(ctx, agent.ID)
		require.NoError(t, err)
		assert.Empty(t, deployments)
		pending, err := s.ListPendingActions(ctx, agent.ID)
		require.NoError(t, err)
		assert.Empty(t, pending)
		data, err := s.ListPluginData(ctx, agent.ID, 10)
		require.NoError(t, err)
		assert.Empty(t, data)

		_, err = s.GetAgentByID(ctx, agent.ID)
		assert.NoError(t, err)
	})

	t.Run("deleting agent cascades policies", func(t *testing.T) {
		s := open(t)
		agent := storetest.SeedAgent(t, s, "m-"+uuid.NewString())
		_, err := s.CreatePolicy(ctx, store.CreatePolicyParams{
			ID: uuid.NewString(), AgentID: agent.ID, ProcessName: "fortnite", CheckIntervalMs: 1000, Now: now,
		})
		require.NoError(t, err)

		require.NoError(t, s.DeleteAgent(ctx, agent.ID))
		policies, err := s.ListPoliciesByAgent(ctx, agent.ID)
		require.NoError(t, err)
		assert.Empty(t, policies)
	})
}
