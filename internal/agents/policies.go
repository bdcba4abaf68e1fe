package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/EternisAI/hearth/internal/events"
	"github.com/EternisAI/hearth/internal/store"
	"github.com/google/uuid"
)

const (
	DefaultCheckIntervalMs = 30000
	DefaultViolationLimit  = 100
	maxViolationLimit      = 1000
)

var (
	ErrPolicyNotFound = errors.New("policy not found")
	ErrInvalidPolicy  = errors.New("invalid policy")
)

// Policy mutations are staged in the store only. Agents see them on their
// next policies poll.

func (s *Service) CreatePolicy(ctx context.Context, agentID string, in PolicyInput) (*Policy, error) {
	in.ProcessName = strings.TrimSpace(in.ProcessName)
	if in.ProcessName == "" {
		return nil, fmt.Errorf("%w: process_name is required", ErrInvalidPolicy)
	}
	if in.CheckIntervalMs < 0 {
		return nil, fmt.Errorf("%w: check_interval_ms must not be negative", ErrInvalidPolicy)
	}
	if in.CheckIntervalMs == 0 {
		in.CheckIntervalMs = DefaultCheckIntervalMs
	}
	if _, err := s.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}

	row, err := s.store.CreatePolicy(ctx, store.CreatePolicyParams{
		ID:              uuid.NewString(),
		AgentID:         agentID,
		ProcessName:     in.ProcessName,
		Alternatives:    normalizeAlternatives(in.Alternatives),
		Allowed:         in.Allowed,
		CheckIntervalMs: in.CheckIntervalMs,
		PluginName:      in.PluginName,
		Category:        in.Category,
		Now:             s.now(),
	})
	if err != nil {
		slog.Error("Failed to create policy", "agent_id", agentID, "process_name", in.ProcessName, "error", err)
		return nil, fmt.Errorf("failed to create policy: %w", err)
	}

	p := toPolicy(row)
	slog.Info("Policy created", "policy_id", p.ID, "agent_id", agentID, "process_name", p.ProcessName)
	s.publishPolicy(events.PolicyCreated, &p)
	return &p, nil
}

func (s *Service) GetPolicy(ctx context.Context, policyID string) (*Policy, error) {
	row, err := s.store.GetPolicy(ctx, policyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrPolicyNotFound
		}
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	p := toPolicy(row)
	return &p, nil
}

// ListPolicies returns the authoritative policy set of an agent.
func (s *Service) ListPolicies(ctx context.Context, agentID string) ([]Policy, error) {
	rows, err := s.store.ListPoliciesByAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	result := make([]Policy, len(rows))
	for i := range rows {
		result[i] = toPolicy(&rows[i])
	}
	return result, nil
}

// UpdatePolicy writes only the fields set in patch.
func (s *Service) UpdatePolicy(ctx context.Context, policyID string, patch PolicyPatch) (*Policy, error) {
	if patch.ProcessName != nil {
		name := strings.TrimSpace(*patch.ProcessName)
		if name == "" {
			return nil, fmt.Errorf("%w: process_name must not be empty", ErrInvalidPolicy)
		}
		patch.ProcessName = &name
	}
	if patch.CheckIntervalMs != nil && *patch.CheckIntervalMs <= 0 {
		return nil, fmt.Errorf("%w: check_interval_ms must be positive", ErrInvalidPolicy)
	}
	if patch.Alternatives != nil {
		alts := normalizeAlternatives(*patch.Alternatives)
		patch.Alternatives = &alts
	}
	if patch.empty() {
		return s.GetPolicy(ctx, policyID)
	}

	row, err := s.store.UpdatePolicy(ctx, policyID, store.PolicyPatch{
		ProcessName:     patch.ProcessName,
		Alternatives:    patch.Alternatives,
		Allowed:         patch.Allowed,
		CheckIntervalMs: patch.CheckIntervalMs,
		PluginName:      patch.PluginName,
		Category:        patch.Category,
	}, s.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrPolicyNotFound
		}
		slog.Error("Failed to update policy", "policy_id", policyID, "error", err)
		return nil, fmt.Errorf("failed to update policy: %w", err)
	}

	p := toPolicy(row)
	slog.Info("Policy updated", "policy_id", p.ID, "agent_id", p.AgentID)
	s.publishPolicy(events.PolicyUpdated, &p)
	return &p, nil
}

func (s *Service) DeletePolicy(ctx context.Context, policyID string) error {
	p, err := s.GetPolicy(ctx, policyID)
	if err != nil {
		return err
	}
	if err := s.store.DeletePolicy(ctx, policyID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrPolicyNotFound
		}
		slog.Error("Failed to delete policy", "policy_id", policyID, "error", err)
		return fmt.Errorf("failed to delete policy: %w", err)
	}

	slog.Info("Policy deleted", "policy_id", policyID, "agent_id", p.AgentID)
	s.publishPolicy(events.PolicyDeleted, p)
	return nil
}

func (s *Service) publishPolicy(t events.Type, p *Policy) {
	s.events.Publish(events.Event{
		Type:    t,
		AgentID: p.AgentID,
		Data: map[string]any{
			"policy_id":    p.ID,
			"process_name": p.ProcessName,
			"allowed":      p.Allowed,
		},
	})
}

// HandleViolation records a violation reported by an agent. A policy id that
// does not belong to the agent is stored as null rather than rejected.
func (s *Service) HandleViolation(ctx context.Context, agentID string, in ViolationInput) (*Violation, error) {
	agent, err := s.store.GetAgentByID(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}

	policyID := s.resolvePolicyID(ctx, agentID, in.PolicyID)
	ts := in.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	metadata := in.Metadata
	if len(metadata) == 0 || !json.Valid(metadata) {
		metadata = json.RawMessage("{}")
	}

	row, err := s.store.CreateViolation(ctx, store.CreateViolationParams{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		PolicyID:    policyID,
		ChildID:     agent.ChildID,
		ProcessName: in.ProcessName,
		Timestamp:   ts.UTC(),
		ActionTaken: in.ActionTaken,
		Metadata:    metadata,
	})
	if err != nil {
		slog.Error("Failed to record violation", "agent_id", agentID, "process_name", in.ProcessName, "error", err)
		return nil, fmt.Errorf("failed to record violation: %w", err)
	}

	v := toViolation(row)
	slog.Info("Violation recorded",
		"violation_id", v.ID,
		"agent_id", agentID,
		"process_name", v.ProcessName,
		"action_taken", v.ActionTaken)
	s.metrics.IncViolation()
	data := map[string]any{
		"violation_id": v.ID,
		"process_name": v.ProcessName,
		"action_taken": v.ActionTaken,
	}
	if v.PolicyID != nil {
		data["policy_id"] = *v.PolicyID
	}
	s.events.Publish(events.Event{Type: events.ViolationRecorded, AgentID: agentID, Data: data})
	return &v, nil
}

func (s *Service) resolvePolicyID(ctx context.Context, agentID string, policyID *string) *string {
	if policyID == nil || *policyID == "" {
		return nil
	}
	p, err := s.store.GetPolicy(ctx, *policyID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("Failed to resolve violation policy", "agent_id", agentID, "policy_id", *policyID, "error", err)
		}
		return nil
	}
	if p.AgentID != agentID {
		return nil
	}
	return &p.ID
}

// ListViolations returns the most recent violations first.
func (s *Service) ListViolations(ctx context.Context, agentID string, limit int) ([]Violation, error) {
	if limit <= 0 {
		limit = DefaultViolationLimit
	}
	if limit > maxViolationLimit {
		limit = maxViolationLimit
	}
	rows, err := s.store.ListViolationsByAgent(ctx, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list violations: %w", err)
	}
	result := make([]Violation, len(rows))
	for i := range rows {
		result[i] = toViolation(&rows[i])
	}
	return result, nil
}

func normalizeAlternatives(alts []string) []string {
	result := make([]string, 0, len(alts))
	for _, a := range alts {
		if a = strings.TrimSpace(a); a != "" {
			result = append(result, a)
		}
	}
	return result
}

func toPolicy(row *store.Policy) Policy {
	alts := row.Alternatives
	if alts == nil {
		alts = []string{}
	}
	return Policy{
		ID:              row.ID,
		AgentID:         row.AgentID,
		ProcessName:     row.ProcessName,
		Alternatives:    alts,
		Allowed:         row.Allowed,
		CheckIntervalMs: row.CheckIntervalMs,
		PluginName:      row.PluginName,
		Category:        row.Category,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}
}

func toViolation(row *store.Violation) Violation {
	return Violation{
		ID:          row.ID,
		AgentID:     row.AgentID,
		PolicyID:    row.PolicyID,
		ChildID:     row.ChildID,
		ProcessName: row.ProcessName,
		Timestamp:   row.Timestamp,
		ActionTaken: row.ActionTaken,
		Metadata:    row.Metadata,
	}
}
