package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/EternisAI/hearth/internal/extensions"
	"github.com/EternisAI/hearth/internal/store"
	"github.com/google/uuid"
)

// ProcessPluginData appends every sample to the plugin data log and then
// routes it to the owning plugin handler. Plugins and monitors are visited
// in sorted order. Errors are collected per sample.
func (s *Service) ProcessPluginData(ctx context.Context, agentID string, batch PluginData) BatchResult {
	var result BatchResult
	for _, pluginID := range sortedKeys(batch) {
		monitors := batch[pluginID]
		for _, monitorID := range sortedKeys(monitors) {
			for i, sample := range monitors[monitorID] {
				if err := s.processSample(ctx, agentID, pluginID, monitorID, sample); err != nil {
					slog.Warn("Plugin data entry failed",
						"agent_id", agentID, "plugin_id", pluginID, "monitor_id", monitorID, "index", i, "error", err)
					result.Errors = append(result.Errors, ItemError{
						PluginID:  pluginID,
						MonitorID: monitorID,
						Index:     i,
						Err:       err,
					})
					continue
				}
				result.Processed++
			}
		}
	}
	return result
}

func (s *Service) processSample(ctx context.Context, agentID, pluginID, monitorID string, sample Sample) error {
	now := s.now()
	collectedAt := sample.CollectedAt
	if collectedAt.IsZero() {
		collectedAt = now
	}

	entry, err := s.store.AppendPluginData(ctx, store.AppendPluginDataParams{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		PluginID:    pluginID,
		MonitorID:   monitorID,
		Data:        sample.Data,
		CollectedAt: collectedAt.UTC(),
		ReceivedAt:  now,
	})
	if err != nil {
		return fmt.Errorf("failed to log plugin data: %w", err)
	}

	if s.extensions != nil {
		err = s.extensions.RouteData(ctx, agentID, extensions.DataEntry{
			PluginID:    pluginID,
			MonitorID:   monitorID,
			Data:        entry.Data,
			CollectedAt: entry.CollectedAt,
		})
	}
	s.metrics.IncPluginData(err == nil)
	if err != nil {
		return err
	}

	if err := s.store.MarkPluginDataProcessed(ctx, entry.ID); err != nil {
		slog.Warn("Failed to mark plugin data processed", "agent_id", agentID, "entry_id", entry.ID, "error", err)
	}
	return nil
}

type PluginDataEntry = store.PluginDataLogEntry

// ListPluginData returns the most recent log entries of an agent.
func (s *Service) ListPluginData(ctx context.Context, agentID string, limit int) ([]PluginDataEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.store.ListPluginData(ctx, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list plugin data: %w", err)
	}
	return rows, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
