package store

import (
	"encoding/json"
	"time"
)

type ExtensionType string

const (
	ExtensionMonitor ExtensionType = "monitor"
	ExtensionAction  ExtensionType = "action"
)

type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionDelivered ActionStatus = "delivered"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
)

type Agent struct {
	ID             string
	MachineID      string
	ChildID        *string
	DefaultChildID *string
	Hostname       string
	Platform       string
	Version        string
	AuthToken      string
	LastKnownIP    string
	LastHeartbeat  time.Time
	RegisteredAt   time.Time
	UpdatedAt      time.Time
}

type CreateAgentParams struct {
	ID          string
	MachineID   string
	ChildID     *string
	Hostname    string
	Platform    string
	Version     string
	AuthToken   string
	LastKnownIP string
	Now         time.Time
}

// RefreshAgentParams carries a re-registration. A nil ChildID keeps the
// stored assignment.
type RefreshAgentParams struct {
	ID          string
	ChildID     *string
	Hostname    string
	Platform    string
	Version     string
	LastKnownIP string
	Now         time.Time
}

type PendingAgentToken struct {
	ID           string
	TokenHash    string
	ChildID      *string
	Platform     string
	Version      string
	ParentAPIURL string
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

type CreatePendingTokenParams struct {
	ID           string
	TokenHash    string
	ChildID      *string
	Platform     string
	Version      string
	ParentAPIURL string
	ExpiresAt    time.Time
	Now          time.Time
}

type RegistrationCode struct {
	Code      string
	ChildID   *string
	ExpiresAt time.Time
	Used      bool
	AgentID   *string
	CreatedAt time.Time
}

type CreateRegistrationCodeParams struct {
	Code      string
	ChildID   *string
	ExpiresAt time.Time
	Now       time.Time
}

type Policy struct {
	ID              string
	AgentID         string
	ProcessName     string
	Alternatives    []string
	Allowed         bool
	CheckIntervalMs int
	PluginName      string
	Category        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type CreatePolicyParams struct {
	ID              string
	AgentID         string
	ProcessName     string
	Alternatives    []string
	Allowed         bool
	CheckIntervalMs int
	PluginName      string
	Category        string
	Now             time.Time
}

type PolicyPatch struct {
	ProcessName     *string
	Alternatives    *[]string
	Allowed         *bool
	CheckIntervalMs *int
	PluginName      *string
	Category        *string
}

type Violation struct {
	ID          string
	AgentID     string
	PolicyID    *string
	ChildID     *string
	ProcessName string
	Timestamp   time.Time
	ActionTaken string
	Metadata    json.RawMessage
}

type CreateViolationParams struct {
	ID          string
	AgentID     string
	PolicyID    *string
	ChildID     *string
	ProcessName string
	Timestamp   time.Time
	ActionTaken string
	Metadata    json.RawMessage
}

type DeploymentKey struct {
	AgentID       string
	PluginID      string
	ExtensionType ExtensionType
	ExtensionID   string
}

type Deployment struct {
	ID             string
	AgentID        string
	PluginID       string
	ExtensionType  ExtensionType
	ExtensionID    string
	ScriptChecksum string
	Script         string
	Config         json.RawMessage
	DeployedAt     time.Time
	UpdatedAt      time.Time
}

func (d Deployment) Key() DeploymentKey {
	return DeploymentKey{
		AgentID:       d.AgentID,
		PluginID:      d.PluginID,
		ExtensionType: d.ExtensionType,
		ExtensionID:   d.ExtensionID,
	}
}

type UpsertDeploymentParams struct {
	ID             string
	Key            DeploymentKey
	ScriptChecksum string
	Script         string
	Config         json.RawMessage
	Now            time.Time
}

type ActionQueueEntry struct {
	ID          string
	AgentID     string
	PluginID    string
	ActionID    string
	Arguments   json.RawMessage
	TriggeredAt time.Time
	DeliveredAt *time.Time
	Status      ActionStatus
}

type CreateActionTriggerParams struct {
	ID        string
	AgentID   string
	PluginID  string
	ActionID  string
	Arguments json.RawMessage
	Now       time.Time
}

type ActionResponse struct {
	ID         string
	TriggerID  string
	AgentID    string
	PluginID   string
	ActionID   string
	Status     string
	ReturnCode int
	Output     string
	Error      string
	ExecutedAt time.Time
	ReceivedAt time.Time
}

type RecordActionResponseParams struct {
	Response       ActionResponse
	TerminalStatus ActionStatus
}

type PluginDataLogEntry struct {
	ID          string
	AgentID     string
	PluginID    string
	MonitorID   string
	Data        json.RawMessage
	CollectedAt time.Time
	ReceivedAt  time.Time
	Processed   bool
}

type AppendPluginDataParams struct {
	ID          string
	AgentID     string
	PluginID    string
	MonitorID   string
	Data        json.RawMessage
	CollectedAt time.Time
	ReceivedAt  time.Time
}
