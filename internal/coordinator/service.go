// Package coordinator tracks which extension scripts are deployed to which
// agent, queues action triggers and ingests what agents report back.
//
// Nothing here opens a connection to an agent. Deployments and triggers are
// staged in the store and collected by the agent on its next sync.
package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/EternisAI/hearth/internal/agents"
	"github.com/EternisAI/hearth/internal/events"
	"github.com/EternisAI/hearth/internal/extensions"
	"github.com/EternisAI/hearth/internal/metrics"
	"github.com/EternisAI/hearth/internal/store"
	"github.com/google/uuid"
)

var (
	ErrInvalidDeployment       = errors.New("invalid deployment")
	ErrPlatformNotSupported    = errors.New("extension does not support agent platform")
	ErrActionNotDeployed       = errors.New("action not deployed to agent")
	ErrTriggerNotFound         = errors.New("action trigger not found")
	ErrActionNotDelivered      = errors.New("action trigger not delivered yet")
	ErrResponseAlreadyRecorded = errors.New("action response already recorded")
)

// Directory resolves agents for platform checks.
type Directory interface {
	GetAgent(ctx context.Context, agentID string) (*agents.Agent, error)
}

// Extensions resolves manifests and routes agent reports to plugin handlers.
type Extensions interface {
	Manifest(pluginID string) (extensions.Manifest, bool)
	RouteData(ctx context.Context, agentID string, entry extensions.DataEntry) error
	RouteActionResult(ctx context.Context, agentID string, result extensions.ActionResult) error
}

type Service struct {
	store      store.DeploymentStore
	directory  Directory
	extensions Extensions
	events     events.Publisher
	metrics    *metrics.Metrics
	cache      *deploymentCache
	now        func() time.Time
}

func NewService(st store.DeploymentStore, directory Directory, exts Extensions, publisher events.Publisher, m *metrics.Metrics) *Service {
	if publisher == nil {
		publisher = events.Nop
	}
	return &Service{
		store:      st,
		directory:  directory,
		extensions: exts,
		events:     publisher,
		metrics:    m,
		cache:      newDeploymentCache(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// LoadCache rebuilds the deployment cache from the store.
func (s *Service) LoadCache(ctx context.Context) error {
	n, err := s.cache.load(ctx, s.store)
	if err != nil {
		return err
	}
	slog.Info("Deployment cache loaded", "deployments", n)
	return nil
}

// Checksum is the hex SHA-256 of a script body.
func Checksum(script string) string {
	sum := sha256.Sum256([]byte(script))
	return fmt.Sprintf("%x", sum)
}

func (s *Service) DeployMonitor(ctx context.Context, agentID string, spec ExtensionSpec) (*DeployResult, error) {
	return s.deploy(ctx, agentID, store.ExtensionMonitor, spec)
}

// UpdateMonitor replaces the script of a monitor. It has the same upsert
// semantics as DeployMonitor.
func (s *Service) UpdateMonitor(ctx context.Context, agentID string, spec ExtensionSpec) (*DeployResult, error) {
	return s.deploy(ctx, agentID, store.ExtensionMonitor, spec)
}

func (s *Service) RemoveMonitor(ctx context.Context, agentID, pluginID, monitorID string) (Status, error) {
	return s.remove(ctx, store.DeploymentKey{
		AgentID:       agentID,
		PluginID:      pluginID,
		ExtensionType: store.ExtensionMonitor,
		ExtensionID:   monitorID,
	})
}

func (s *Service) DeployAction(ctx context.Context, agentID string, spec ExtensionSpec) (*DeployResult, error) {
	return s.deploy(ctx, agentID, store.ExtensionAction, spec)
}

func (s *Service) RemoveAction(ctx context.Context, agentID, pluginID, actionID string) (Status, error) {
	return s.remove(ctx, store.DeploymentKey{
		AgentID:       agentID,
		PluginID:      pluginID,
		ExtensionType: store.ExtensionAction,
		ExtensionID:   actionID,
	})
}

func (s *Service) deploy(ctx context.Context, agentID string, typ store.ExtensionType, spec ExtensionSpec) (*DeployResult, error) {
	spec, err := s.resolveSpec(typ, spec)
	if err != nil {
		return nil, err
	}

	agent, err := s.directory.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !supportsPlatform(spec.Platforms, agent.Platform) {
		return nil, fmt.Errorf("%w: %s/%s on %s", ErrPlatformNotSupported, spec.PluginID, spec.ExtensionID, agent.Platform)
	}

	key := store.DeploymentKey{
		AgentID:       agentID,
		PluginID:      spec.PluginID,
		ExtensionType: typ,
		ExtensionID:   spec.ExtensionID,
	}
	checksum := Checksum(spec.Script)

	existing, found, err := s.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if found && existing.Checksum == checksum {
		s.metrics.IncDeployment(string(typ), string(StatusAlreadyDeployed))
		slog.Debug("Extension already deployed",
			"agent_id", agentID, "plugin_id", spec.PluginID, "extension_type", typ, "extension_id", spec.ExtensionID)
		return &DeployResult{Status: StatusAlreadyDeployed, DeploymentID: existing.ID}, nil
	}

	row, err := s.store.UpsertDeployment(ctx, store.UpsertDeploymentParams{
		ID:             uuid.NewString(),
		Key:            key,
		ScriptChecksum: checksum,
		Script:         spec.Script,
		Config:         spec.Config,
		Now:            s.now(),
	})
	if err != nil {
		slog.Error("Failed to store deployment",
			"agent_id", agentID, "plugin_id", spec.PluginID, "extension_id", spec.ExtensionID, "error", err)
		return nil, fmt.Errorf("failed to store deployment: %w", err)
	}
	s.cache.put(key, cachedDeployment{ID: row.ID, Checksum: row.ScriptChecksum})

	status := StatusDeployed
	if found {
		status = StatusUpdated
	}
	slog.Info("Extension staged for agent",
		"agent_id", agentID,
		"plugin_id", spec.PluginID,
		"extension_type", typ,
		"extension_id", spec.ExtensionID,
		"status", status)
	s.metrics.IncDeployment(string(typ), string(status))
	s.events.Publish(events.Event{
		Type:    events.ExtensionDeployed,
		AgentID: agentID,
		Data: map[string]any{
			"plugin_id":      spec.PluginID,
			"extension_type": string(typ),
			"extension_id":   spec.ExtensionID,
			"status":         string(status),
		},
	})

	return &DeployResult{
		Status:       status,
		DeploymentID: row.ID,
		Payload:      payloadFor(row),
	}, nil
}

func (s *Service) remove(ctx context.Context, key store.DeploymentKey) (Status, error) {
	removed, err := s.store.DeleteDeployment(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to remove deployment: %w", err)
	}
	s.cache.remove(key)

	if !removed {
		return StatusNotDeployed, nil
	}
	slog.Info("Extension removed from agent",
		"agent_id", key.AgentID,
		"plugin_id", key.PluginID,
		"extension_type", key.ExtensionType,
		"extension_id", key.ExtensionID)
	s.metrics.IncDeployment(string(key.ExtensionType), string(StatusRemoved))
	s.events.Publish(events.Event{
		Type:    events.ExtensionRemoved,
		AgentID: key.AgentID,
		Data: map[string]any{
			"plugin_id":      key.PluginID,
			"extension_type": string(key.ExtensionType),
			"extension_id":   key.ExtensionID,
		},
	})
	return StatusRemoved, nil
}

// lookup reads through the cache to the store.
func (s *Service) lookup(ctx context.Context, key store.DeploymentKey) (cachedDeployment, bool, error) {
	if d, ok := s.cache.get(key); ok {
		return d, true, nil
	}
	row, err := s.store.GetDeployment(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return cachedDeployment{}, false, nil
	}
	if err != nil {
		return cachedDeployment{}, false, fmt.Errorf("failed to get deployment: %w", err)
	}
	d := cachedDeployment{ID: row.ID, Checksum: row.ScriptChecksum}
	s.cache.put(key, d)
	return d, true, nil
}

func (s *Service) resolveSpec(typ store.ExtensionType, spec ExtensionSpec) (ExtensionSpec, error) {
	spec.PluginID = strings.TrimSpace(spec.PluginID)
	spec.ExtensionID = strings.TrimSpace(spec.ExtensionID)
	if spec.PluginID == "" || spec.ExtensionID == "" {
		return spec, fmt.Errorf("%w: plugin id and extension id are required", ErrInvalidDeployment)
	}
	if len(spec.Config) > 0 && !json.Valid(spec.Config) {
		return spec, fmt.Errorf("%w: config is not valid JSON", ErrInvalidDeployment)
	}
	if spec.Script != "" {
		return spec, nil
	}

	if s.extensions == nil {
		return spec, fmt.Errorf("%w: script is required", ErrInvalidDeployment)
	}
	manifest, ok := s.extensions.Manifest(spec.PluginID)
	if !ok {
		return spec, fmt.Errorf("%w: %w: %s", ErrInvalidDeployment, extensions.ErrPluginNotFound, spec.PluginID)
	}
	var ext extensions.Extension
	if typ == store.ExtensionMonitor {
		ext, ok = manifest.Monitor(spec.ExtensionID)
	} else {
		ext, ok = manifest.Action(spec.ExtensionID)
	}
	if !ok {
		return spec, fmt.Errorf("%w: plugin %s has no %s %q", ErrInvalidDeployment, spec.PluginID, typ, spec.ExtensionID)
	}

	spec.Script = ext.Script
	if spec.Platforms == nil {
		spec.Platforms = ext.Platforms
	}
	if len(spec.Config) == 0 && len(ext.Config) > 0 {
		raw, err := json.Marshal(ext.Config)
		if err != nil {
			return spec, fmt.Errorf("%w: encode manifest config: %w", ErrInvalidDeployment, err)
		}
		spec.Config = raw
	}
	return spec, nil
}

func (s *Service) ListDeployments(ctx context.Context, agentID string) ([]Deployment, error) {
	rows, err := s.store.ListDeploymentsByAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	result := make([]Deployment, len(rows))
	for i, r := range rows {
		result[i] = Deployment{
			ID:            r.ID,
			AgentID:       r.AgentID,
			PluginID:      r.PluginID,
			ExtensionType: r.ExtensionType,
			ExtensionID:   r.ExtensionID,
			Checksum:      r.ScriptChecksum,
			DeployedAt:    r.DeployedAt,
			UpdatedAt:     r.UpdatedAt,
		}
	}
	return result, nil
}

// RemoveAgentDeployments purges every coordinator row of an agent. It is the
// compensating step run before an agent is deleted from the directory.
func (s *Service) RemoveAgentDeployments(ctx context.Context, agentID string) error {
	if err := s.store.RemoveAgentDeployments(ctx, agentID); err != nil {
		slog.Error("Failed to remove agent deployments", "agent_id", agentID, "error", err)
		return fmt.Errorf("failed to remove agent deployments: %w", err)
	}
	s.cache.dropAgent(agentID)
	slog.Info("Agent deployments removed", "agent_id", agentID)
	return nil
}

func supportsPlatform(platforms []string, platform string) bool {
	return extensions.Extension{Platforms: platforms}.SupportsPlatform(platform)
}

func payloadFor(d *store.Deployment) *Payload {
	return &Payload{
		PluginID:      d.PluginID,
		ExtensionType: d.ExtensionType,
		ExtensionID:   d.ExtensionID,
		Script:        d.Script,
		Checksum:      d.ScriptChecksum,
		Config:        d.Config,
	}
}
