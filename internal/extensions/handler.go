package extensions

import (
	"context"

	"github.com/EternisAI/hearth/internal/events"
)

// EventHandler forwards telemetry and action results to the event bus. It
// is the fallback for plugins without a dedicated handler.
type EventHandler struct {
	Publisher events.Publisher
}

func (h EventHandler) HandleData(_ context.Context, agentID string, entry DataEntry) error {
	h.publish(events.Event{
		Type:    events.PluginData,
		AgentID: agentID,
		Data: map[string]any{
			"plugin_id":    entry.PluginID,
			"monitor_id":   entry.MonitorID,
			"collected_at": entry.CollectedAt,
			"data":         entry.Data,
		},
	})
	return nil
}

func (h EventHandler) HandleActionResult(_ context.Context, agentID string, result ActionResult) error {
	h.publish(events.Event{
		Type:    events.ActionResponded,
		AgentID: agentID,
		Data: map[string]any{
			"trigger_id":  result.TriggerID,
			"plugin_id":   result.PluginID,
			"action_id":   result.ActionID,
			"status":      result.Status,
			"return_code": result.ReturnCode,
		},
	})
	return nil
}

func (h EventHandler) publish(ev events.Event) {
	if h.Publisher == nil {
		return
	}
	h.Publisher.Publish(ev)
}
