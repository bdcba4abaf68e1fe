package agents

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/EternisAI/hearth/internal/events"
	"github.com/EternisAI/hearth/internal/metrics"
	"github.com/EternisAI/hearth/internal/provisioning"
	"github.com/EternisAI/hearth/internal/store"
	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
)

const (
	authTokenPrefix = "agt_"
	authTokenLength = 32

	DefaultOnlineThreshold = 5 * time.Minute

	TrustPathToken = "token"
	TrustPathCode  = "code"
	TrustPathNone  = "none"
)

var (
	ErrAgentNotFound    = errors.New("agent not found")
	ErrInvalidAgentInfo = errors.New("invalid agent info")
	ErrUnauthorized     = errors.New("invalid agent credentials")
)

// Credentials redeems the trust material presented at registration.
type Credentials interface {
	RedeemToken(ctx context.Context, token string) (*provisioning.PendingToken, error)
	RedeemCode(ctx context.Context, code string) (*provisioning.RegistrationCode, error)
	LinkCode(ctx context.Context, code, agentID string) error
}

type Config struct {
	OnlineThreshold time.Duration
	// LatestVersion is the newest agent installer version; empty disables
	// update hints.
	LatestVersion string
}

type Service struct {
	store       store.Store
	credentials Credentials
	events      events.Publisher
	metrics     *metrics.Metrics
	config      Config
	latest      *semver.Version
	now         func() time.Time
}

func NewService(st store.Store, credentials Credentials, publisher events.Publisher, m *metrics.Metrics, config Config) *Service {
	if config.OnlineThreshold <= 0 {
		config.OnlineThreshold = DefaultOnlineThreshold
	}
	if publisher == nil {
		publisher = events.Nop
	}

	s := &Service{
		store:       st,
		credentials: credentials,
		events:      publisher,
		metrics:     m,
		config:      config,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if config.LatestVersion != "" {
		v, err := semver.NewVersion(config.LatestVersion)
		if err != nil {
			slog.Warn("Ignoring invalid latest agent version", "version", config.LatestVersion, "error", err)
		} else {
			s.latest = v
		}
	}
	return s
}

func (s *Service) OnlineThreshold() time.Duration { return s.config.OnlineThreshold }

func (s *Service) LatestVersion() string {
	if s.latest == nil {
		return ""
	}
	return s.latest.Original()
}

// GenerateAuthToken creates a new opaque bearer token with crypto/rand
func GenerateAuthToken() (string, error) {
	bytes := make([]byte, authTokenLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return authTokenPrefix + base64.RawURLEncoding.EncodeToString(bytes), nil
}

// Register creates or refreshes the agent for info.MachineID.
//
// A valid trust token wins over a registration code; the code is then left
// unredeemed. A token or code that fails to redeem (unknown, expired or lost
// to a concurrent redemption) falls through to registration without a child.
// Re-registration never rotates the auth token and keeps the current child
// unless the redeemed credential names one.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	info := req.Info
	if info.MachineID == "" || info.Hostname == "" || info.Platform == "" {
		return nil, fmt.Errorf("%w: machine_id, hostname and platform are required", ErrInvalidAgentInfo)
	}

	childID, path, err := s.redeemCredentials(ctx, req)
	if err != nil {
		return nil, err
	}

	agent, authToken, created, err := s.upsertAgent(ctx, info, childID)
	if err != nil {
		slog.Error("Agent registration failed", "machine_id", info.MachineID, "error", err)
		return nil, err
	}

	if path == TrustPathCode {
		if err := s.credentials.LinkCode(ctx, req.RegistrationCode, agent.ID); err != nil {
			slog.Warn("Failed to link registration code to agent", "agent_id", agent.ID, "error", err)
		}
	}

	policies, err := s.ListPolicies(ctx, agent.ID)
	if err != nil {
		return nil, err
	}

	slog.Info("Agent registered",
		"agent_id", agent.ID,
		"machine_id", agent.MachineID,
		"hostname", agent.Hostname,
		"platform", agent.Platform,
		"trust_path", path,
		"created", created)
	s.metrics.IncRegistration(path, created)
	s.events.Publish(events.Event{
		Type:    events.AgentRegistered,
		AgentID: agent.ID,
		Data: map[string]any{
			"hostname":   agent.Hostname,
			"platform":   agent.Platform,
			"created":    created,
			"trust_path": path,
		},
	})

	return &RegisterResult{
		Agent:     *agent,
		AuthToken: authToken,
		Created:   created,
		TrustPath: path,
		Policies:  policies,
	}, nil
}

func (s *Service) redeemCredentials(ctx context.Context, req RegisterRequest) (*string, string, error) {
	if s.credentials == nil {
		return nil, TrustPathNone, nil
	}

	if req.TrustToken != "" {
		tok, err := s.credentials.RedeemToken(ctx, req.TrustToken)
		switch {
		case err == nil:
			if req.RegistrationCode != "" {
				slog.Warn("Registration code ignored because a trust token was redeemed",
					"machine_id", req.Info.MachineID)
			}
			return tok.ChildID, TrustPathToken, nil
		case errors.Is(err, provisioning.ErrTokenNotFound):
			slog.Warn("Trust token not redeemable, continuing registration", "machine_id", req.Info.MachineID)
		default:
			return nil, "", fmt.Errorf("failed to redeem trust token: %w", err)
		}
	}

	if req.RegistrationCode != "" {
		code, err := s.credentials.RedeemCode(ctx, req.RegistrationCode)
		switch {
		case err == nil:
			return code.ChildID, TrustPathCode, nil
		case errors.Is(err, provisioning.ErrCodeNotFound):
			slog.Warn("Registration code not redeemable, continuing registration", "machine_id", req.Info.MachineID)
		default:
			return nil, "", fmt.Errorf("failed to redeem registration code: %w", err)
		}
	}

	return nil, TrustPathNone, nil
}

func (s *Service) upsertAgent(ctx context.Context, info AgentInfo, childID *string) (*Agent, string, bool, error) {
	now := s.now()

	existing, err := s.store.GetAgentByMachineID(ctx, info.MachineID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, "", false, fmt.Errorf("failed to look up agent: %w", err)
	}

	if existing == nil {
		token, err := GenerateAuthToken()
		if err != nil {
			return nil, "", false, err
		}
		row, err := s.store.CreateAgent(ctx, store.CreateAgentParams{
			ID:          uuid.NewString(),
			MachineID:   info.MachineID,
			ChildID:     childID,
			Hostname:    info.Hostname,
			Platform:    info.Platform,
			Version:     info.Version,
			AuthToken:   token,
			LastKnownIP: info.IP,
			Now:         now,
		})
		if err == nil {
			return s.toAgent(row), row.AuthToken, true, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, "", false, fmt.Errorf("failed to create agent: %w", err)
		}
		// Lost a race with a concurrent first registration of the same machine.
		existing, err = s.store.GetAgentByMachineID(ctx, info.MachineID)
		if err != nil {
			return nil, "", false, fmt.Errorf("failed to look up agent after conflict: %w", err)
		}
	}

	row, err := s.store.RefreshAgent(ctx, store.RefreshAgentParams{
		ID:          existing.ID,
		ChildID:     childID,
		Hostname:    info.Hostname,
		Platform:    info.Platform,
		Version:     info.Version,
		LastKnownIP: info.IP,
		Now:         now,
	})
	if err != nil {
		return nil, "", false, fmt.Errorf("failed to refresh agent: %w", err)
	}
	return s.toAgent(row), row.AuthToken, false, nil
}

// Heartbeat records agent liveness. Failures are logged and never returned.
func (s *Service) Heartbeat(ctx context.Context, agentID string, ip string) {
	if err := s.store.UpdateAgentHeartbeat(ctx, agentID, s.now(), ip); err != nil {
		s.metrics.IncHeartbeat(false)
		slog.Warn("Failed to record heartbeat", "agent_id", agentID, "error", err)
		return
	}
	s.metrics.IncHeartbeat(true)
	slog.Debug("Heartbeat", "agent_id", agentID)
}

// Authenticate resolves a bearer token to its agent.
func (s *Service) Authenticate(ctx context.Context, authToken string) (*Agent, error) {
	if authToken == "" {
		return nil, ErrUnauthorized
	}
	row, err := s.store.GetAgentByAuthToken(ctx, authToken)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("failed to authenticate agent: %w", err)
	}
	return s.toAgent(row), nil
}

func (s *Service) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	result := make([]Agent, len(rows))
	for i := range rows {
		result[i] = *s.toAgent(&rows[i])
	}
	return result, nil
}

func (s *Service) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row, err := s.store.GetAgentByID(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return s.toAgent(row), nil
}

// SetChild assigns (or clears, with nil) the child monitored by an agent.
func (s *Service) SetChild(ctx context.Context, agentID string, childID *string) (*Agent, error) {
	if err := s.store.SetAgentChild(ctx, agentID, childID, s.now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("failed to set child: %w", err)
	}
	agent, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	slog.Info("Agent child updated", "agent_id", agentID)
	data := map[string]any{"child_id": nil}
	if childID != nil {
		data["child_id"] = *childID
	}
	s.events.Publish(events.Event{Type: events.AgentChildChanged, AgentID: agentID, Data: data})
	return agent, nil
}

// DeleteAgent removes the agent and everything the directory owns for it.
func (s *Service) DeleteAgent(ctx context.Context, agentID string) error {
	if err := s.store.DeleteAgent(ctx, agentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrAgentNotFound
		}
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	slog.Info("Agent deleted", "agent_id", agentID)
	s.events.Publish(events.Event{Type: events.AgentDeleted, AgentID: agentID})
	return nil
}

func (s *Service) toAgent(row *store.Agent) *Agent {
	age := s.now().Sub(row.LastHeartbeat)
	if age < 0 {
		age = 0
	}
	return &Agent{
		ID:              row.ID,
		MachineID:       row.MachineID,
		ChildID:         row.ChildID,
		DefaultChildID:  row.DefaultChildID,
		Hostname:        row.Hostname,
		Platform:        row.Platform,
		Version:         row.Version,
		LastKnownIP:     row.LastKnownIP,
		LastHeartbeat:   row.LastHeartbeat,
		RegisteredAt:    row.RegisteredAt,
		UpdatedAt:       row.UpdatedAt,
		Online:          age < s.config.OnlineThreshold,
		HeartbeatAge:    age,
		UpdateAvailable: s.updateAvailable(row.Version),
	}
}

func (s *Service) updateAvailable(version string) bool {
	if s.latest == nil || version == "" {
		return false
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	return v.LessThan(s.latest)
}
