package dto

import (
	"encoding/json"
	"time"
)

type AgentResponse struct {
	ID                  string    `json:"id"`
	MachineID           string    `json:"machine_id"`
	ChildID             *string   `json:"child_id"`
	DefaultChildID      *string   `json:"default_child_id"`
	Hostname            string    `json:"hostname"`
	Platform            string    `json:"platform"`
	Version             string    `json:"version"`
	LastKnownIP         string    `json:"last_known_ip,omitempty"`
	LastHeartbeat       time.Time `json:"last_heartbeat"`
	RegisteredAt        time.Time `json:"registered_at"`
	UpdatedAt           time.Time `json:"updated_at"`
	Online              bool      `json:"online"`
	HeartbeatAgeSeconds int64     `json:"heartbeat_age_seconds"`
	UpdateAvailable     bool      `json:"update_available"`
}

type ListAgentsResponse struct {
	Agents        []AgentResponse `json:"agents"`
	Count         int             `json:"count"`
	LatestVersion string          `json:"latest_version,omitempty"`
}

type SetChildRequest struct {
	ChildID *string `json:"child_id"`
}

type CreatePolicyRequest struct {
	ProcessName     string   `json:"process_name" binding:"required"`
	Alternatives    []string `json:"alternatives"`
	Allowed         bool     `json:"allowed"`
	CheckIntervalMs int      `json:"check_interval_ms" binding:"omitempty,min=1"`
	PluginName      string   `json:"plugin_name"`
	Category        string   `json:"category"`
}

// UpdatePolicyRequest is a partial update; absent fields are left unchanged.
type UpdatePolicyRequest struct {
	ProcessName     *string   `json:"process_name"`
	Alternatives    *[]string `json:"alternatives"`
	Allowed         *bool     `json:"allowed"`
	CheckIntervalMs *int      `json:"check_interval_ms"`
	PluginName      *string   `json:"plugin_name"`
	Category        *string   `json:"category"`
}

type PolicyResponse struct {
	ID              string    `json:"id"`
	AgentID         string    `json:"agent_id"`
	ProcessName     string    `json:"process_name"`
	Alternatives    []string  `json:"alternatives"`
	Allowed         bool      `json:"allowed"`
	CheckIntervalMs int       `json:"check_interval_ms"`
	PluginName      string    `json:"plugin_name,omitempty"`
	Category        string    `json:"category,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type ListPoliciesResponse struct {
	Policies []PolicyResponse `json:"policies"`
	Count    int              `json:"count"`
}

type ViolationResponse struct {
	ID          string          `json:"id"`
	AgentID     string          `json:"agent_id"`
	PolicyID    *string         `json:"policy_id"`
	ChildID     *string         `json:"child_id"`
	ProcessName string          `json:"process_name"`
	Timestamp   time.Time       `json:"timestamp"`
	ActionTaken string          `json:"action_taken,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

type ListViolationsResponse struct {
	Violations []ViolationResponse `json:"violations"`
	Count      int                 `json:"count"`
}

type IdentityResponse struct {
	UUID         string           `json:"uuid"`
	Fingerprint  string           `json:"fingerprint"`
	PublicKeyPEM string           `json:"public_key_pem"`
	CreatedAt    time.Time        `json:"created_at"`
	Discovery    *DiscoveryStatus `json:"discovery,omitempty"`
}

type DiscoveryStatus struct {
	State       string `json:"state"`
	Advertised  bool   `json:"advertised"`
	ServiceType string `json:"service_type,omitempty"`
	Instance    string `json:"instance,omitempty"`
	Port        int    `json:"port,omitempty"`
	Error       string `json:"error,omitempty"`
}

type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database,omitempty"`
}
