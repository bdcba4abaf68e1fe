package dto

import (
	"encoding/json"
	"time"
)

// Agent-facing request and response bodies.

type AgentInfo struct {
	MachineID string `json:"machineId"`
	Hostname  string `json:"hostname"`
	Platform  string `json:"platform"`
	Version   string `json:"version"`
	IP        string `json:"ip"`
}

type RegisterRequest struct {
	TrustToken       string    `json:"trustToken"`
	RegistrationCode string    `json:"registrationCode"`
	AgentInfo        AgentInfo `json:"agentInfo"`
}

type RegisterResponse struct {
	AgentID         string           `json:"agentId"`
	AuthToken       string           `json:"authToken"`
	ChildID         *string          `json:"childId"`
	Created         bool             `json:"created"`
	Policies        []AgentPolicy    `json:"policies"`
	LatestVersion   string           `json:"latestVersion,omitempty"`
	UpdateAvailable bool             `json:"updateAvailable"`
}

// AgentPolicy is the policy shape the agent enforces.
type AgentPolicy struct {
	ID              string   `json:"id"`
	ProcessName     string   `json:"processName"`
	Alternatives    []string `json:"alternatives"`
	Allowed         bool     `json:"allowed"`
	CheckIntervalMs int      `json:"checkIntervalMs"`
	PluginName      string   `json:"pluginName,omitempty"`
	Category        string   `json:"category,omitempty"`
}

type HeartbeatRequest struct {
	IP       string         `json:"ip"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type HeartbeatResponse struct {
	Status     string    `json:"status"`
	ServerTime time.Time `json:"serverTime"`
}

type AgentPoliciesResponse struct {
	AgentID  string        `json:"agentId"`
	ChildID  *string       `json:"childId"`
	Policies []AgentPolicy `json:"policies"`
}

type ViolationRequest struct {
	PolicyID    *string         `json:"policyId"`
	ProcessName string          `json:"processName" binding:"required"`
	Timestamp   *time.Time      `json:"timestamp"`
	ActionTaken string          `json:"actionTaken"`
	Metadata    json.RawMessage `json:"metadata"`
}

type ViolationCreatedResponse struct {
	ViolationID string `json:"violationId"`
}

type InstalledExtension struct {
	PluginID      string `json:"pluginId" binding:"required"`
	ExtensionType string `json:"extensionType" binding:"required,oneof=monitor action"`
	ExtensionID   string `json:"extensionId" binding:"required"`
	Checksum      string `json:"checksum"`
}

type SyncRequest struct {
	Installed []InstalledExtension `json:"installed" binding:"dive"`
}

type ExtensionPayload struct {
	PluginID      string          `json:"pluginId"`
	ExtensionType string          `json:"extensionType"`
	ExtensionID   string          `json:"extensionId"`
	Script        string          `json:"script"`
	Checksum      string          `json:"checksum"`
	Config        json.RawMessage `json:"config,omitempty"`
}

type ExtensionKey struct {
	PluginID      string `json:"pluginId"`
	ExtensionType string `json:"extensionType"`
	ExtensionID   string `json:"extensionId"`
}

type PendingAction struct {
	TriggerID   string          `json:"triggerId"`
	PluginID    string          `json:"pluginId"`
	ActionID    string          `json:"actionId"`
	Arguments   json.RawMessage `json:"arguments"`
	TriggeredAt time.Time       `json:"triggeredAt"`
}

type SyncResponse struct {
	Deploy  []ExtensionPayload `json:"deploy"`
	Remove  []ExtensionKey     `json:"remove"`
	Actions []PendingAction    `json:"actions"`
}

type Sample struct {
	Data        json.RawMessage `json:"data"`
	CollectedAt *time.Time      `json:"collectedAt"`
}

type ActionResponseReport struct {
	TriggerID  string     `json:"triggerId"`
	Status     string     `json:"status"`
	ReturnCode int        `json:"returnCode"`
	Output     string     `json:"output"`
	Error      string     `json:"error"`
	ExecutedAt *time.Time `json:"executedAt"`
}

type ReportRequest struct {
	// PluginData is keyed by plugin id, then monitor id.
	PluginData      map[string]map[string][]Sample `json:"pluginData"`
	ActionResponses []ActionResponseReport         `json:"actionResponses"`
}

type ItemError struct {
	Index     int    `json:"index"`
	PluginID  string `json:"pluginId,omitempty"`
	MonitorID string `json:"monitorId,omitempty"`
	TriggerID string `json:"triggerId,omitempty"`
	Error     string `json:"error"`
}

type BatchResult struct {
	Processed int         `json:"processed"`
	Errors    []ItemError `json:"errors"`
}

type ReportResponse struct {
	PluginData      BatchResult `json:"pluginData"`
	ActionResponses BatchResult `json:"actionResponses"`
}
