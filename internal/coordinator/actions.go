package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/EternisAI/hearth/internal/events"
	"github.com/EternisAI/hearth/internal/extensions"
	"github.com/EternisAI/hearth/internal/store"
	"github.com/google/uuid"
)

// TriggerAction queues an action for the agent's next sync. The action must
// be deployed to the agent.
func (s *Service) TriggerAction(ctx context.Context, agentID, pluginID, actionID string, args json.RawMessage) (*Trigger, error) {
	if len(args) > 0 && !json.Valid(args) {
		return nil, fmt.Errorf("%w: arguments are not valid JSON", ErrInvalidDeployment)
	}

	key := store.DeploymentKey{
		AgentID:       agentID,
		PluginID:      pluginID,
		ExtensionType: store.ExtensionAction,
		ExtensionID:   actionID,
	}
	_, found, err := s.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s/%s", ErrActionNotDeployed, pluginID, actionID)
	}

	row, err := s.store.CreateActionTrigger(ctx, store.CreateActionTriggerParams{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		PluginID:  pluginID,
		ActionID:  actionID,
		Arguments: args,
		Now:       s.now(),
	})
	if err != nil {
		slog.Error("Failed to queue action", "agent_id", agentID, "plugin_id", pluginID, "action_id", actionID, "error", err)
		return nil, fmt.Errorf("failed to queue action: %w", err)
	}

	t := toTrigger(row)
	slog.Info("Action triggered", "trigger_id", t.ID, "agent_id", agentID, "plugin_id", pluginID, "action_id", actionID)
	s.metrics.AddActions(string(store.ActionPending), 1)
	s.events.Publish(events.Event{
		Type:    events.ActionTriggered,
		AgentID: agentID,
		Data: map[string]any{
			"trigger_id": t.ID,
			"plugin_id":  pluginID,
			"action_id":  actionID,
		},
	})
	return &t, nil
}

// GetPendingActions returns the agent's pending triggers, oldest first.
func (s *Service) GetPendingActions(ctx context.Context, agentID string) ([]Trigger, error) {
	rows, err := s.store.ListPendingActions(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending actions: %w", err)
	}
	result := make([]Trigger, len(rows))
	for i := range rows {
		result[i] = toTrigger(&rows[i])
	}
	return result, nil
}

// MarkActionsDelivered moves the agent's pending triggers to delivered.
// Triggers are never re-queued afterwards.
func (s *Service) MarkActionsDelivered(ctx context.Context, agentID string, triggerIDs []string) (int64, error) {
	if len(triggerIDs) == 0 {
		return 0, nil
	}
	n, err := s.store.MarkActionsDelivered(ctx, agentID, triggerIDs, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to mark actions delivered: %w", err)
	}
	s.metrics.AddActions(string(store.ActionDelivered), int(n))
	slog.Debug("Actions delivered", "agent_id", agentID, "count", n)
	return n, nil
}

// ProcessActionResponses records each response, moves its trigger to a
// terminal status and routes it to the plugin handler. A failing response
// does not stop the rest of the batch.
func (s *Service) ProcessActionResponses(ctx context.Context, agentID string, responses []ActionResponse) BatchResult {
	var result BatchResult
	for i, resp := range responses {
		if err := s.processActionResponse(ctx, agentID, resp); err != nil {
			slog.Warn("Action response failed",
				"agent_id", agentID, "trigger_id", resp.TriggerID, "error", err)
			result.Errors = append(result.Errors, ItemError{Index: i, TriggerID: resp.TriggerID, Err: err})
			continue
		}
		result.Processed++
	}
	return result
}

func (s *Service) processActionResponse(ctx context.Context, agentID string, resp ActionResponse) error {
	if resp.TriggerID == "" {
		return fmt.Errorf("%w: trigger id is required", ErrTriggerNotFound)
	}
	trigger, err := s.store.GetActionTrigger(ctx, resp.TriggerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrTriggerNotFound
		}
		return fmt.Errorf("failed to get action trigger: %w", err)
	}
	if trigger.AgentID != agentID {
		return ErrTriggerNotFound
	}

	terminal := TerminalStatus(resp.Status)
	now := s.now()
	executedAt := resp.ExecutedAt
	if executedAt.IsZero() {
		executedAt = now
	}

	row, err := s.store.RecordActionResponse(ctx, store.RecordActionResponseParams{
		Response: store.ActionResponse{
			ID:         uuid.NewString(),
			TriggerID:  trigger.ID,
			AgentID:    agentID,
			PluginID:   trigger.PluginID,
			ActionID:   trigger.ActionID,
			Status:     resp.Status,
			ReturnCode: resp.ReturnCode,
			Output:     resp.Output,
			Error:      resp.Error,
			ExecutedAt: executedAt.UTC(),
			ReceivedAt: now,
		},
		TerminalStatus: terminal,
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrTriggerNotFound
	case errors.Is(err, store.ErrInvalidTransition):
		return ErrActionNotDelivered
	case errors.Is(err, store.ErrConflict):
		return ErrResponseAlreadyRecorded
	case err != nil:
		return fmt.Errorf("failed to record action response: %w", err)
	}
	s.metrics.AddActions(string(terminal), 1)

	if s.extensions == nil {
		return nil
	}
	return s.extensions.RouteActionResult(ctx, agentID, extensions.ActionResult{
		TriggerID:  row.TriggerID,
		PluginID:   row.PluginID,
		ActionID:   row.ActionID,
		Status:     row.Status,
		ReturnCode: row.ReturnCode,
		Output:     row.Output,
		Error:      row.Error,
		ExecutedAt: row.ExecutedAt,
	})
}

// TerminalStatus maps an agent-reported status to completed or failed.
func TerminalStatus(reported string) store.ActionStatus {
	switch strings.ToLower(strings.TrimSpace(reported)) {
	case "completed", "complete", "success", "succeeded", "ok":
		return store.ActionCompleted
	default:
		return store.ActionFailed
	}
}

func toTrigger(row *store.ActionQueueEntry) Trigger {
	args := row.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	return Trigger{
		ID:          row.ID,
		AgentID:     row.AgentID,
		PluginID:    row.PluginID,
		ActionID:    row.ActionID,
		Arguments:   args,
		TriggeredAt: row.TriggeredAt,
		DeliveredAt: row.DeliveredAt,
		Status:      row.Status,
	}
}
