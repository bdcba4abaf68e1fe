package agents

import (
	"encoding/json"
	"time"
)

// Agent is the directory view of an agent. Online and HeartbeatAge are
// derived at read time and never stored. The bearer token is not part of
// the view.
type Agent struct {
	ID              string
	MachineID       string
	ChildID         *string
	DefaultChildID  *string
	Hostname        string
	Platform        string
	Version         string
	LastKnownIP     string
	LastHeartbeat   time.Time
	RegisteredAt    time.Time
	UpdatedAt       time.Time
	Online          bool
	HeartbeatAge    time.Duration
	UpdateAvailable bool
}

type AgentInfo struct {
	MachineID string
	Hostname  string
	Platform  string
	Version   string
	IP        string
}

type RegisterRequest struct {
	TrustToken       string
	RegistrationCode string
	Info             AgentInfo
}

type RegisterResult struct {
	Agent     Agent
	AuthToken string
	// Created is false for a re-registration of a known machine.
	Created bool
	// TrustPath is "token", "code" or "none".
	TrustPath string
	Policies  []Policy
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

type PolicyInput struct {
	ProcessName     string
	Alternatives    []string
	Allowed         bool
	CheckIntervalMs int
	PluginName      string
	Category        string
}

// PolicyPatch carries only the fields to change.
type PolicyPatch struct {
	ProcessName     *string
	Alternatives    *[]string
	Allowed         *bool
	CheckIntervalMs *int
	PluginName      *string
	Category        *string
}

func (p PolicyPatch) empty() bool {
	return p.ProcessName == nil && p.Alternatives == nil && p.Allowed == nil &&
		p.CheckIntervalMs == nil && p.PluginName == nil && p.Category == nil
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

type ViolationInput struct {
	PolicyID    *string
	ProcessName string
	Timestamp   time.Time
	ActionTaken string
	Metadata    json.RawMessage
}
