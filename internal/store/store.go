// Package store defines the persistence contract consumed by the coordination
// engine and its PostgreSQL and SQLite implementations.
//
// Every operation is a fixed statement per dialect. Write atomicity is the
// store's responsibility: compare-and-delete/compare-and-update statements are
// the commit points for token redemption and action lifecycle transitions.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotInitialized = errors.New("store not initialized")
	ErrNotFound       = errors.New("record not found")
	ErrConflict       = errors.New("record conflict")
)

// ErrInvalidTransition is returned when a row is not in the state an
// operation requires, e.g. a response for an undelivered trigger.
var ErrInvalidTransition = errors.New("invalid state transition")

// Store is the full persistence contract. Agent directory rows (agents,
// tokens, codes, policies, violations) and coordinator rows (deployments,
// action queue, responses, plugin data) share one database.
type Store interface {
	AgentStore
	ProvisioningStore
	PolicyStore
	DeploymentStore

	Ping(ctx context.Context) error
	Close() error
}

type AgentStore interface {
	GetAgentByID(ctx context.Context, id string) (*Agent, error)
	GetAgentByMachineID(ctx context.Context, machineID string) (*Agent, error)
	GetAgentByAuthToken(ctx context.Context, authToken string) (*Agent, error)
	ListAgents(ctx context.Context) ([]Agent, error)
	// CreateAgent inserts a new agent. It returns ErrConflict when another
	// row already owns the machine id.
	CreateAgent(ctx context.Context, params CreateAgentParams) (*Agent, error)
	RefreshAgent(ctx context.Context, params RefreshAgentParams) (*Agent, error)
	UpdateAgentHeartbeat(ctx context.Context, id string, at time.Time, ip string) error
	SetAgentChild(ctx context.Context, id string, childID *string, at time.Time) error
	DeleteAgent(ctx context.Context, id string) error
	ListAgentsSeenBefore(ctx context.Context, cutoff time.Time) ([]Agent, error)
}

type ProvisioningStore interface {
	CreatePendingToken(ctx context.Context, params CreatePendingTokenParams) (*PendingAgentToken, error)
	ListPendingTokens(ctx context.Context) ([]PendingAgentToken, error)
	// ConsumePendingToken deletes an unexpired token by hash and returns the
	// deleted row. The delete is the redemption commit point: concurrent
	// callers racing on the same token see ErrNotFound.
	ConsumePendingToken(ctx context.Context, tokenHash string, now time.Time) (*PendingAgentToken, error)
	DeletePendingToken(ctx context.Context, id string) error
	DeleteExpiredPendingTokens(ctx context.Context, now time.Time) (int64, error)

	CreateRegistrationCode(ctx context.Context, params CreateRegistrationCodeParams) (*RegistrationCode, error)
	// RedeemRegistrationCode flips an unused, unexpired code to used.
	RedeemRegistrationCode(ctx context.Context, code string, now time.Time) (*RegistrationCode, error)
	LinkRegistrationCode(ctx context.Context, code string, agentID string) error
	DeleteExpiredRegistrationCodes(ctx context.Context, now time.Time) (int64, error)
}

type PolicyStore interface {
	CreatePolicy(ctx context.Context, params CreatePolicyParams) (*Policy, error)
	GetPolicy(ctx context.Context, id string) (*Policy, error)
	ListPoliciesByAgent(ctx context.Context, agentID string) ([]Policy, error)
	// UpdatePolicy writes only the non-nil fields of the patch.
	UpdatePolicy(ctx context.Context, id string, patch PolicyPatch, at time.Time) (*Policy, error)
	DeletePolicy(ctx context.Context, id string) error

	CreateViolation(ctx context.Context, params CreateViolationParams) (*Violation, error)
	ListViolationsByAgent(ctx context.Context, agentID string, limit int) ([]Violation, error)
}

type DeploymentStore interface {
	GetDeployment(ctx context.Context, key DeploymentKey) (*Deployment, error)
	ListDeploymentsByAgent(ctx context.Context, agentID string) ([]Deployment, error)
	ListAllDeployments(ctx context.Context) ([]Deployment, error)
	UpsertDeployment(ctx context.Context, params UpsertDeploymentParams) (*Deployment, error)
	// DeleteDeployment reports whether a row was removed.
	DeleteDeployment(ctx context.Context, key DeploymentKey) (bool, error)

	CreateActionTrigger(ctx context.Context, params CreateActionTriggerParams) (*ActionQueueEntry, error)
	GetActionTrigger(ctx context.Context, id string) (*ActionQueueEntry, error)
	ListPendingActions(ctx context.Context, agentID string) ([]ActionQueueEntry, error)
	// MarkActionsDelivered moves pending entries owned by agentID to
	// delivered and returns how many rows changed.
	MarkActionsDelivered(ctx context.Context, agentID string, triggerIDs []string, at time.Time) (int64, error)
	// RecordActionResponse inserts the response and moves the delivered
	// queue entry to its terminal status in one transaction.
	RecordActionResponse(ctx context.Context, params RecordActionResponseParams) (*ActionResponse, error)

	AppendPluginData(ctx context.Context, params AppendPluginDataParams) (*PluginDataLogEntry, error)
	MarkPluginDataProcessed(ctx context.Context, id string) error
	ListPluginData(ctx context.Context, agentID string, limit int) ([]PluginDataLogEntry, error)

	// RemoveAgentDeployments purges deployment, queue, response and plugin
	// data rows for an agent in one transaction.
	RemoveAgentDeployments(ctx context.Context, agentID string) error
}
