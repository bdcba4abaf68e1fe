package handler

import (
	"github.com/EternisAI/hearth/internal/agents"
	"github.com/EternisAI/hearth/internal/api/http/dto"
	"github.com/EternisAI/hearth/internal/coordinator"
	"github.com/EternisAI/hearth/internal/provisioning"
)

func toAgentResponse(a *agents.Agent) dto.AgentResponse {
	return dto.AgentResponse{
		ID:                  a.ID,
		MachineID:           a.MachineID,
		ChildID:             a.ChildID,
		DefaultChildID:      a.DefaultChildID,
		Hostname:            a.Hostname,
		Platform:            a.Platform,
		Version:             a.Version,
		LastKnownIP:         a.LastKnownIP,
		LastHeartbeat:       a.LastHeartbeat,
		RegisteredAt:        a.RegisteredAt,
		UpdatedAt:           a.UpdatedAt,
		Online:              a.Online,
		HeartbeatAgeSeconds: int64(a.HeartbeatAge.Seconds()),
		UpdateAvailable:     a.UpdateAvailable,
	}
}

func toPolicyResponses(policies []agents.Policy) []dto.PolicyResponse {
	result := make([]dto.PolicyResponse, len(policies))
	for i := range policies {
		result[i] = toPolicyResponse(&policies[i])
	}
	return result
}

func toPolicyResponse(p *agents.Policy) dto.PolicyResponse {
	return dto.PolicyResponse{
		ID:              p.ID,
		AgentID:         p.AgentID,
		ProcessName:     p.ProcessName,
		Alternatives:    p.Alternatives,
		Allowed:         p.Allowed,
		CheckIntervalMs: p.CheckIntervalMs,
		PluginName:      p.PluginName,
		Category:        p.Category,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

func toTokenResponse(t *provisioning.PendingToken) dto.TokenResponse {
	return dto.TokenResponse{
		ID:           t.ID,
		ChildID:      t.ChildID,
		Platform:     t.Platform,
		Version:      t.Version,
		ParentAPIURL: t.ParentAPIURL,
		ExpiresAt:    t.ExpiresAt,
		CreatedAt:    t.CreatedAt,
	}
}

func toPayload(p *coordinator.Payload) *dto.ExtensionPayload {
	if p == nil {
		return nil
	}
	return &dto.ExtensionPayload{
		PluginID:      p.PluginID,
		ExtensionType: string(p.ExtensionType),
		ExtensionID:   p.ExtensionID,
		Script:        p.Script,
		Checksum:      p.Checksum,
		Config:        p.Config,
	}
}

func toTriggerResponse(t *coordinator.Trigger) dto.TriggerResponse {
	return dto.TriggerResponse{
		TriggerID:   t.ID,
		PluginID:    t.PluginID,
		ActionID:    t.ActionID,
		Arguments:   t.Arguments,
		Status:      string(t.Status),
		TriggeredAt: t.TriggeredAt,
		DeliveredAt: t.DeliveredAt,
	}
}

func toBatchResult(r coordinator.BatchResult) dto.BatchResult {
	out := dto.BatchResult{Processed: r.Processed, Errors: make([]dto.ItemError, len(r.Errors))}
	for i, e := range r.Errors {
		out.Errors[i] = dto.ItemError{
			Index:     e.Index,
			PluginID:  e.PluginID,
			MonitorID: e.MonitorID,
			TriggerID: e.TriggerID,
			Error:     e.Error(),
		}
	}
	return out
}

func toAgentPolicies(policies []agents.Policy) []dto.AgentPolicy {
	result := make([]dto.AgentPolicy, len(policies))
	for i, p := range policies {
		result[i] = dto.AgentPolicy{
			ID:              p.ID,
			ProcessName:     p.ProcessName,
			Alternatives:    p.Alternatives,
			Allowed:         p.Allowed,
			CheckIntervalMs: p.CheckIntervalMs,
			PluginName:      p.PluginName,
			Category:        p.Category,
		}
	}
	return result
}
