package dto

import (
	"encoding/json"
	"time"
)

type DeployRequest struct {
	PluginID    string          `json:"plugin_id" binding:"required"`
	ExtensionID string          `json:"extension_id" binding:"required"`
	Script      string          `json:"script"`
	Platforms   []string        `json:"platforms"`
	Config      json.RawMessage `json:"config"`
}

type UpdateMonitorRequest struct {
	Script    string          `json:"script"`
	Platforms []string        `json:"platforms"`
	Config    json.RawMessage `json:"config"`
}

type DeployResponse struct {
	Status       string            `json:"status"`
	DeploymentID string            `json:"deployment_id,omitempty"`
	Payload      *ExtensionPayload `json:"payload,omitempty"`
}

type RemoveResponse struct {
	Status string `json:"status"`
}

type DeploymentResponse struct {
	ID            string    `json:"id"`
	PluginID      string    `json:"plugin_id"`
	ExtensionType string    `json:"extension_type"`
	ExtensionID   string    `json:"extension_id"`
	Checksum      string    `json:"checksum"`
	DeployedAt    time.Time `json:"deployed_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type ListDeploymentsResponse struct {
	Deployments []DeploymentResponse `json:"deployments"`
	Count       int                  `json:"count"`
}

type TriggerActionRequest struct {
	Arguments json.RawMessage `json:"arguments"`
}

type TriggerResponse struct {
	TriggerID   string          `json:"trigger_id"`
	PluginID    string          `json:"plugin_id"`
	ActionID    string          `json:"action_id"`
	Arguments   json.RawMessage `json:"arguments"`
	Status      string          `json:"status"`
	TriggeredAt time.Time       `json:"triggered_at"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`
}

type ListTriggersResponse struct {
	Actions []TriggerResponse `json:"actions"`
	Count   int               `json:"count"`
}

type PluginDataResponse struct {
	ID          string          `json:"id"`
	PluginID    string          `json:"plugin_id"`
	MonitorID   string          `json:"monitor_id"`
	Data        json.RawMessage `json:"data"`
	CollectedAt time.Time       `json:"collected_at"`
	ReceivedAt  time.Time       `json:"received_at"`
	Processed   bool            `json:"processed"`
}

type ListPluginDataResponse struct {
	Entries []PluginDataResponse `json:"entries"`
	Count   int                  `json:"count"`
}

type ExtensionInfo struct {
	ID        string   `json:"id"`
	Platforms []string `json:"platforms,omitempty"`
}

type PluginResponse struct {
	ID       string          `json:"id"`
	Name     string          `json:"name,omitempty"`
	Version  string          `json:"version,omitempty"`
	Monitors []ExtensionInfo `json:"monitors"`
	Actions  []ExtensionInfo `json:"actions"`
}

type ListPluginsResponse struct {
	Plugins []PluginResponse `json:"plugins"`
	Count   int              `json:"count"`
}
