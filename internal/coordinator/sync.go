package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/EternisAI/hearth/internal/store"
)

// Sync compares what the agent reports as installed with its deployment
// rows. The result carries payloads for missing or outdated extensions,
// keys of extensions to uninstall and the pending action triggers. The
// returned triggers are marked delivered before Sync returns.
func (s *Service) Sync(ctx context.Context, agentID string, installed []InstalledExtension) (*SyncResult, error) {
	rows, err := s.store.ListDeploymentsByAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}

	have := make(map[store.DeploymentKey]string, len(installed))
	for _, ext := range installed {
		have[store.DeploymentKey{
			AgentID:       agentID,
			PluginID:      ext.PluginID,
			ExtensionType: ext.ExtensionType,
			ExtensionID:   ext.ExtensionID,
		}] = ext.Checksum
	}

	result := &SyncResult{
		Deploy:  []Payload{},
		Remove:  []store.DeploymentKey{},
		Actions: []Trigger{},
	}
	wanted := make(map[store.DeploymentKey]bool, len(rows))
	for i := range rows {
		d := &rows[i]
		key := d.Key()
		wanted[key] = true
		s.cache.put(key, cachedDeployment{ID: d.ID, Checksum: d.ScriptChecksum})
		if checksum, ok := have[key]; !ok || checksum != d.ScriptChecksum {
			result.Deploy = append(result.Deploy, *payloadFor(d))
		}
	}
	for _, ext := range installed {
		key := store.DeploymentKey{
			AgentID:       agentID,
			PluginID:      ext.PluginID,
			ExtensionType: ext.ExtensionType,
			ExtensionID:   ext.ExtensionID,
		}
		if !wanted[key] {
			result.Remove = append(result.Remove, key)
		}
	}

	pending, err := s.GetPendingActions(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		ids := make([]string, len(pending))
		for i, t := range pending {
			ids[i] = t.ID
		}
		if _, err := s.MarkActionsDelivered(ctx, agentID, ids); err != nil {
			return nil, err
		}
		now := s.now()
		for i := range pending {
			pending[i].Status = store.ActionDelivered
			pending[i].DeliveredAt = &now
		}
		result.Actions = pending
	}

	if len(result.Deploy) > 0 || len(result.Remove) > 0 || len(result.Actions) > 0 {
		slog.Info("Agent sync",
			"agent_id", agentID,
			"deploy", len(result.Deploy),
			"remove", len(result.Remove),
			"actions", len(result.Actions))
	}
	return result, nil
}
