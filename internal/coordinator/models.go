package coordinator

import (
	"encoding/json"
	"time"

	"github.com/EternisAI/hearth/internal/store"
)

type Status string

const (
	StatusDeployed        Status = "deployed"
	StatusUpdated         Status = "updated"
	StatusAlreadyDeployed Status = "already_deployed"
	StatusRemoved         Status = "removed"
	StatusNotDeployed     Status = "not_deployed"
)

// ExtensionSpec is a deployment request. When Script is empty the script,
// platforms and config come from the plugin manifest.
type ExtensionSpec struct {
	PluginID    string
	ExtensionID string
	Script      string
	Platforms   []string
	Config      json.RawMessage
}

// Payload is what an agent applies on its next sync.
type Payload struct {
	PluginID      string
	ExtensionType store.ExtensionType
	ExtensionID   string
	Script        string
	Checksum      string
	Config        json.RawMessage
}

type DeployResult struct {
	Status       Status
	DeploymentID string
	Payload      *Payload
}

type Deployment struct {
	ID            string
	AgentID       string
	PluginID      string
	ExtensionType store.ExtensionType
	ExtensionID   string
	Checksum      string
	DeployedAt    time.Time
	UpdatedAt     time.Time
}

type Trigger struct {
	ID          string
	AgentID     string
	PluginID    string
	ActionID    string
	Arguments   json.RawMessage
	TriggeredAt time.Time
	DeliveredAt *time.Time
	Status      store.ActionStatus
}

// Sample is one telemetry entry inside a plugin data batch.
type Sample struct {
	Data        json.RawMessage
	CollectedAt time.Time
}

// PluginData groups samples by plugin id, then monitor id.
type PluginData map[string]map[string][]Sample

type ActionResponse struct {
	TriggerID  string
	Status     string
	ReturnCode int
	Output     string
	Error      string
	ExecutedAt time.Time
}

// ItemError reports one failed entry of a batch. Sibling entries are not
// affected.
type ItemError struct {
	PluginID  string
	MonitorID string
	Index     int
	TriggerID string
	Err       error
}

func (e ItemError) Error() string { return e.Err.Error() }

func (e ItemError) Unwrap() error { return e.Err }

type BatchResult struct {
	Processed int
	Errors    []ItemError
}

// InstalledExtension is what an agent reports it currently runs.
type InstalledExtension struct {
	PluginID      string
	ExtensionType store.ExtensionType
	ExtensionID   string
	Checksum      string
}

type SyncResult struct {
	Deploy  []Payload
	Remove  []store.DeploymentKey
	Actions []Trigger
}
