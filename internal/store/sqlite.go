package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// timeLayout is fixed width so that text comparison orders chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store over a database/sql handle opened with the
// modernc SQLite driver. Timestamps are stored as UTC text.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLite(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) ready() error {
	if s == nil || s.db == nil {
		return ErrNotInitialized
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --- agents ---

const sqliteAgentColumns = `id, machine_id, child_id, default_child_id, hostname, platform, version,
	auth_token, last_known_ip, last_heartbeat, registered_at, updated_at`

func scanSQLiteAgent(row scanner) (*Agent, error) {
	var a Agent
	var childID, defaultChildID sql.NullString
	var lastHeartbeat, registeredAt, updatedAt string
	if err := row.Scan(&a.ID, &a.MachineID, &childID, &defaultChildID, &a.Hostname, &a.Platform,
		&a.Version, &a.AuthToken, &a.LastKnownIP, &lastHeartbeat, &registeredAt, &updatedAt); err != nil {
		return nil, err
	}
	a.ChildID = stringPtr(childID)
	a.DefaultChildID = stringPtr(defaultChildID)
	var err error
	if a.LastHeartbeat, err = parseTime(lastHeartbeat); err != nil {
		return nil, err
	}
	if a.RegisteredAt, err = parseTime(registeredAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLiteStore) getAgent(ctx context.Context, where string, arg any) (*Agent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteAgentColumns+` FROM agents WHERE `+where+` = ?`, arg)
	a, err := scanSQLiteAgent(row)
	if err != nil {
		return nil, notFound(err)
	}
	return a, nil
}

func (s *SQLiteStore) GetAgentByID(ctx context.Context, id string) (*Agent, error) {
	return s.getAgent(ctx, "id", id)
}

func (s *SQLiteStore) GetAgentByMachineID(ctx context.Context, machineID string) (*Agent, error) {
	return s.getAgent(ctx, "machine_id", machineID)
}

func (s *SQLiteStore) GetAgentByAuthToken(ctx context.Context, authToken string) (*Agent, error) {
	return s.getAgent(ctx, "auth_token", authToken)
}

func (s *SQLiteStore) ListAgents(ctx context.Context) ([]Agent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteAgentColumns+` FROM agents ORDER BY registered_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return collectRows(rows, scanSQLiteAgent)
}

func (s *SQLiteStore) CreateAgent(ctx context.Context, p CreateAgentParams) (*Agent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	now := formatTime(p.Now)
	row := s.db.QueryRowContext(ctx, `INSERT INTO agents (
			id, machine_id, child_id, default_child_id, hostname, platform, version,
			auth_token, last_known_ip, last_heartbeat, registered_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (machine_id) DO NOTHING
		RETURNING `+sqliteAgentColumns,
		p.ID, p.MachineID, nullString(p.ChildID), nullString(p.ChildID), p.Hostname, p.Platform, p.Version,
		p.AuthToken, p.LastKnownIP, now, now, now,
	)
	a, err := scanSQLiteAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("insert agent %s: %w", p.MachineID, err)
	}
	return a, nil
}

func (s *SQLiteStore) RefreshAgent(ctx context.Context, p RefreshAgentParams) (*Agent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	now := formatTime(p.Now)
	row := s.db.QueryRowContext(ctx, `UPDATE agents SET
			hostname = ?,
			platform = ?,
			version = ?,
			last_known_ip = CASE WHEN ? = '' THEN last_known_ip ELSE ? END,
			child_id = COALESCE(?, child_id),
			default_child_id = COALESCE(default_child_id, ?),
			last_heartbeat = ?,
			updated_at = ?
		WHERE id = ?
		RETURNING `+sqliteAgentColumns,
		p.Hostname, p.Platform, p.Version,
		p.LastKnownIP, p.LastKnownIP,
		nullString(p.ChildID), nullString(p.ChildID),
		now, now, p.ID,
	)
	a, err := scanSQLiteAgent(row)
	if err != nil {
		return nil, notFound(err)
	}
	return a, nil
}

func (s *SQLiteStore) UpdateAgentHeartbeat(ctx context.Context, id string, at time.Time, ip string) error {
	if err := s.ready(); err != nil {
		return err
	}
	ts := formatTime(at)
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET
			last_heartbeat = ?,
			updated_at = ?,
			last_known_ip = CASE WHEN ? = '' THEN last_known_ip ELSE ? END
		WHERE id = ?`,
		ts, ts, ip, ip, id,
	)
	return affectedOne(res, err)
}

func (s *SQLiteStore) SetAgentChild(ctx context.Context, id string, childID *string, at time.Time) error {
	if err := s.ready(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET
			child_id = ?,
			default_child_id = COALESCE(default_child_id, ?),
			updated_at = ?
		WHERE id = ?`,
		nullString(childID), nullString(childID), formatTime(at), id,
	)
	return affectedOne(res, err)
}

func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	return affectedOne(res, err)
}

func (s *SQLiteStore) ListAgentsSeenBefore(ctx context.Context, cutoff time.Time) ([]Agent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteAgentColumns+` FROM agents
		WHERE last_heartbeat < ? ORDER BY last_heartbeat`, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list stale agents: %w", err)
	}
	return collectRows(rows, scanSQLiteAgent)
}

// --- pending tokens and registration codes ---

const sqliteTokenColumns = `id, token_hash, child_id, platform, version, parent_api_url, expires_at, created_at`

func scanSQLiteToken(row scanner) (*PendingAgentToken, error) {
	var t PendingAgentToken
	var childID sql.NullString
	var expiresAt, createdAt string
	if err := row.Scan(&t.ID, &t.TokenHash, &childID, &t.Platform, &t.Version, &t.ParentAPIURL,
		&expiresAt, &createdAt); err != nil {
		return nil, err
	}
	t.ChildID = stringPtr(childID)
	var err error
	if t.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) CreatePendingToken(ctx context.Context, p CreatePendingTokenParams) (*PendingAgentToken, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `INSERT INTO pending_agent_tokens (
			id, token_hash, child_id, platform, version, parent_api_url, expires_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING `+sqliteTokenColumns,
		p.ID, p.TokenHash, nullString(p.ChildID), p.Platform, p.Version, p.ParentAPIURL,
		formatTime(p.ExpiresAt), formatTime(p.Now),
	)
	t, err := scanSQLiteToken(row)
	if err != nil {
		return nil, fmt.Errorf("insert pending token: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) ListPendingTokens(ctx context.Context) ([]PendingAgentToken, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteTokenColumns+` FROM pending_agent_tokens ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list pending tokens: %w", err)
	}
	return collectRows(rows, scanSQLiteToken)
}

func (s *SQLiteStore) ConsumePendingToken(ctx context.Context, tokenHash string, now time.Time) (*PendingAgentToken, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `DELETE FROM pending_agent_tokens
		WHERE token_hash = ? AND expires_at > ?
		RETURNING `+sqliteTokenColumns, tokenHash, formatTime(now))
	t, err := scanSQLiteToken(row)
	if err != nil {
		return nil, notFound(err)
	}
	return t, nil
}

func (s *SQLiteStore) DeletePendingToken(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_agent_tokens WHERE id = ?`, id)
	return affectedOne(res, err)
}

func (s *SQLiteStore) DeleteExpiredPendingTokens(ctx context.Context, now time.Time) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_agent_tokens WHERE expires_at <= ?`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired pending tokens: %w", err)
	}
	return res.RowsAffected()
}

const sqliteCodeColumns = `code, child_id, expires_at, used, agent_id, created_at`

func scanSQLiteCode(row scanner) (*RegistrationCode, error) {
	var c RegistrationCode
	var childID, agentID sql.NullString
	var expiresAt, createdAt string
	if err := row.Scan(&c.Code, &childID, &expiresAt, &c.Used, &agentID, &createdAt); err != nil {
		return nil, err
	}
	c.ChildID = stringPtr(childID)
	c.AgentID = stringPtr(agentID)
	var err error
	if c.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStore) CreateRegistrationCode(ctx context.Context, p CreateRegistrationCodeParams) (*RegistrationCode, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `INSERT INTO registration_codes (code, child_id, expires_at, used, created_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT (code) DO NOTHING
		RETURNING `+sqliteCodeColumns,
		p.Code, nullString(p.ChildID), formatTime(p.ExpiresAt), formatTime(p.Now),
	)
	c, err := scanSQLiteCode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("insert registration code: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) RedeemRegistrationCode(ctx context.Context, code string, now time.Time) (*RegistrationCode, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `UPDATE registration_codes SET used = 1
		WHERE code = ? AND used = 0 AND expires_at > ?
		RETURNING `+sqliteCodeColumns, code, formatTime(now))
	c, err := scanSQLiteCode(row)
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

func (s *SQLiteStore) LinkRegistrationCode(ctx context.Context, code string, agentID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE registration_codes SET agent_id = ? WHERE code = ?`, agentID, code)
	return affectedOne(res, err)
}

func (s *SQLiteStore) DeleteExpiredRegistrationCodes(ctx context.Context, now time.Time) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM registration_codes WHERE used = 0 AND expires_at <= ?`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired registration codes: %w", err)
	}
	return res.RowsAffected()
}

// --- policies and violations ---

const sqlitePolicyColumns = `id, agent_id, process_name, alternatives, allowed, check_interval_ms,
	plugin_name, category, created_at, updated_at`

func scanSQLitePolicy(row scanner) (*Policy, error) {
	var p Policy
	var alternatives, createdAt, updatedAt string
	if err := row.Scan(&p.ID, &p.AgentID, &p.ProcessName, &alternatives, &p.Allowed, &p.CheckIntervalMs,
		&p.PluginName, &p.Category, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(alternatives), &p.Alternatives); err != nil {
		return nil, fmt.Errorf("decode alternatives for policy %s: %w", p.ID, err)
	}
	var err error
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) CreatePolicy(ctx context.Context, p CreatePolicyParams) (*Policy, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	alternatives, err := encodeStrings(p.Alternatives)
	if err != nil {
		return nil, err
	}
	now := formatTime(p.Now)
	row := s.db.QueryRowContext(ctx, `INSERT INTO policies (
			id, agent_id, process_name, alternatives, allowed, check_interval_ms,
			plugin_name, category, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING `+sqlitePolicyColumns,
		p.ID, p.AgentID, p.ProcessName, alternatives, p.Allowed, p.CheckIntervalMs,
		p.PluginName, p.Category, now, now,
	)
	policy, err := scanSQLitePolicy(row)
	if err != nil {
		return nil, fmt.Errorf("insert policy for agent %s: %w", p.AgentID, err)
	}
	return policy, nil
}

func (s *SQLiteStore) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+sqlitePolicyColumns+` FROM policies WHERE id = ?`, id)
	p, err := scanSQLitePolicy(row)
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

func (s *SQLiteStore) ListPoliciesByAgent(ctx context.Context, agentID string) ([]Policy, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqlitePolicyColumns+` FROM policies
		WHERE agent_id = ? ORDER BY created_at, id`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list policies for agent %s: %w", agentID, err)
	}
	return collectRows(rows, scanSQLitePolicy)
}

func (s *SQLiteStore) UpdatePolicy(ctx context.Context, id string, patch PolicyPatch, at time.Time) (*Policy, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var alternatives any
	if patch.Alternatives != nil {
		encoded, err := encodeStrings(*patch.Alternatives)
		if err != nil {
			return nil, err
		}
		alternatives = encoded
	}
	row := s.db.QueryRowContext(ctx, `UPDATE policies SET
			process_name = COALESCE(?, process_name),
			alternatives = COALESCE(?, alternatives),
			allowed = COALESCE(?, allowed),
			check_interval_ms = COALESCE(?, check_interval_ms),
			plugin_name = COALESCE(?, plugin_name),
			category = COALESCE(?, category),
			updated_at = ?
		WHERE id = ?
		RETURNING `+sqlitePolicyColumns,
		nullString(patch.ProcessName), alternatives, nullBool(patch.Allowed), nullInt(patch.CheckIntervalMs),
		nullString(patch.PluginName), nullString(patch.Category), formatTime(at), id,
	)
	p, err := scanSQLitePolicy(row)
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

func (s *SQLiteStore) DeletePolicy(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE id = ?`, id)
	return affectedOne(res, err)
}

const sqliteViolationColumns = `id, agent_id, policy_id, child_id, process_name, occurred_at, action_taken, metadata`

func scanSQLiteViolation(row scanner) (*Violation, error) {
	var v Violation
	var policyID, childID sql.NullString
	var occurredAt, metadata string
	if err := row.Scan(&v.ID, &v.AgentID, &policyID, &childID, &v.ProcessName, &occurredAt,
		&v.ActionTaken, &metadata); err != nil {
		return nil, err
	}
	v.PolicyID = stringPtr(policyID)
	v.ChildID = stringPtr(childID)
	v.Metadata = json.RawMessage(metadata)
	var err error
	if v.Timestamp, err = parseTime(occurredAt); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *SQLiteStore) CreateViolation(ctx context.Context, p CreateViolationParams) (*Violation, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `INSERT INTO violations (
			id, agent_id, policy_id, child_id, process_name, occurred_at, action_taken, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING `+sqliteViolationColumns,
		p.ID, p.AgentID, nullString(p.PolicyID), nullString(p.ChildID), p.ProcessName,
		formatTime(p.Timestamp), p.ActionTaken, jsonText(p.Metadata, "{}"),
	)
	v, err := scanSQLiteViolation(row)
	if err != nil {
		return nil, fmt.Errorf("insert violation for agent %s: %w", p.AgentID, err)
	}
	return v, nil
}

func (s *SQLiteStore) ListViolationsByAgent(ctx context.Context, agentID string, limit int) ([]Violation, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteViolationColumns+` FROM violations
		WHERE agent_id = ? ORDER BY occurred_at DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list violations for agent %s: %w", agentID, err)
	}
	return collectRows(rows, scanSQLiteViolation)
}

// --- deployments ---

const sqliteDeploymentColumns = `id, agent_id, plugin_id, extension_type, extension_id, script_checksum,
	script, config, deployed_at, updated_at`

func scanSQLiteDeployment(row scanner) (*Deployment, error) {
	var d Deployment
	var extType, config, deployedAt, updatedAt string
	if err := row.Scan(&d.ID, &d.AgentID, &d.PluginID, &extType, &d.ExtensionID, &d.ScriptChecksum,
		&d.Script, &config, &deployedAt, &updatedAt); err != nil {
		return nil, err
	}
	d.ExtensionType = ExtensionType(extType)
	d.Config = json.RawMessage(config)
	var err error
	if d.DeployedAt, err = parseTime(deployedAt); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *SQLiteStore) GetDeployment(ctx context.Context, key DeploymentKey) (*Deployment, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteDeploymentColumns+` FROM plugin_deployments
		WHERE agent_id = ? AND plugin_id = ? AND extension_type = ? AND extension_id = ?`,
		key.AgentID, key.PluginID, string(key.ExtensionType), key.ExtensionID)
	d, err := scanSQLiteDeployment(row)
	if err != nil {
		return nil, notFound(err)
	}
	return d, nil
}

func (s *SQLiteStore) ListDeploymentsByAgent(ctx context.Context, agentID string) ([]Deployment, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteDeploymentColumns+` FROM plugin_deployments
		WHERE agent_id = ? ORDER BY plugin_id, extension_type, extension_id`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list deployments for agent %s: %w", agentID, err)
	}
	return collectRows(rows, scanSQLiteDeployment)
}

func (s *SQLiteStore) ListAllDeployments(ctx context.Context) ([]Deployment, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteDeploymentColumns+` FROM plugin_deployments
		ORDER BY agent_id, plugin_id, extension_type, extension_id`)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	return collectRows(rows, scanSQLiteDeployment)
}

func (s *SQLiteStore) UpsertDeployment(ctx context.Context, p UpsertDeploymentParams) (*Deployment, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	now := formatTime(p.Now)
	row := s.db.QueryRowContext(ctx, `INSERT INTO plugin_deployments (
			id, agent_id, plugin_id, extension_type, extension_id, script_checksum,
			script, config, deployed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_id, plugin_id, extension_type, extension_id) DO UPDATE SET
			script_checksum = excluded.script_checksum,
			script = excluded.script,
			config = excluded.config,
			updated_at = excluded.updated_at
		RETURNING `+sqliteDeploymentColumns,
		p.ID, p.Key.AgentID, p.Key.PluginID, string(p.Key.ExtensionType), p.Key.ExtensionID, p.ScriptChecksum,
		p.Script, jsonText(p.Config, "{}"), now, now,
	)
	d, err := scanSQLiteDeployment(row)
	if err != nil {
		return nil, fmt.Errorf("upsert deployment %s/%s for agent %s: %w",
			p.Key.PluginID, p.Key.ExtensionID, p.Key.AgentID, err)
	}
	return d, nil
}

func (s *SQLiteStore) DeleteDeployment(ctx context.Context, key DeploymentKey) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM plugin_deployments
		WHERE agent_id = ? AND plugin_id = ? AND extension_type = ? AND extension_id = ?`,
		key.AgentID, key.PluginID, string(key.ExtensionType), key.ExtensionID)
	if err != nil {
		return false, fmt.Errorf("delete deployment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- action queue ---

const sqliteActionColumns = `id, agent_id, plugin_id, action_id, arguments, triggered_at, delivered_at, status`

func scanSQLiteAction(row scanner) (*ActionQueueEntry, error) {
	var e ActionQueueEntry
	var arguments, triggeredAt, status string
	var deliveredAt sql.NullString
	if err := row.Scan(&e.ID, &e.AgentID, &e.PluginID, &e.ActionID, &arguments, &triggeredAt,
		&deliveredAt, &status); err != nil {
		return nil, err
	}
	e.Arguments = json.RawMessage(arguments)
	e.Status = ActionStatus(status)
	var err error
	if e.TriggeredAt, err = parseTime(triggeredAt); err != nil {
		return nil, err
	}
	if deliveredAt.Valid {
		t, err := parseTime(deliveredAt.String)
		if err != nil {
			return nil, err
		}
		e.DeliveredAt = &t
	}
	return &e, nil
}

func (s *SQLiteStore) CreateActionTrigger(ctx context.Context, p CreateActionTriggerParams) (*ActionQueueEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `INSERT INTO action_queue (
			id, agent_id, plugin_id, action_id, arguments, triggered_at, status
		) VALUES (?, ?, ?, ?, ?, ?, 'pending')
		RETURNING `+sqliteActionColumns,
		p.ID, p.AgentID, p.PluginID, p.ActionID, jsonText(p.Arguments, "{}"), formatTime(p.Now),
	)
	e, err := scanSQLiteAction(row)
	if err != nil {
		return nil, fmt.Errorf("insert action trigger %s/%s for agent %s: %w", p.PluginID, p.ActionID, p.AgentID, err)
	}
	return e, nil
}

func (s *SQLiteStore) GetActionTrigger(ctx context.Context, id string) (*ActionQueueEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteActionColumns+` FROM action_queue WHERE id = ?`, id)
	e, err := scanSQLiteAction(row)
	if err != nil {
		return nil, notFound(err)
	}
	return e, nil
}

func (s *SQLiteStore) ListPendingActions(ctx context.Context, agentID string) ([]ActionQueueEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteActionColumns+` FROM action_queue
		WHERE agent_id = ? AND status = 'pending' ORDER BY triggered_at, rowid`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list pending actions for agent %s: %w", agentID, err)
	}
	return collectRows(rows, scanSQLiteAction)
}

func (s *SQLiteStore) MarkActionsDelivered(ctx context.Context, agentID string, triggerIDs []string, at time.Time) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	if len(triggerIDs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin mark delivered: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `UPDATE action_queue SET status = 'delivered', delivered_at = ?
		WHERE id = ? AND agent_id = ? AND status = 'pending'`)
	if err != nil {
		return 0, fmt.Errorf("prepare mark delivered: %w", err)
	}
	defer stmt.Close()

	ts := formatTime(at)
	var total int64
	for _, id := range triggerIDs {
		res, err := stmt.ExecContext(ctx, ts, id, agentID)
		if err != nil {
			return 0, fmt.Errorf("mark action %s delivered: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit mark delivered: %w", err)
	}
	return total, nil
}

func (s *SQLiteStore) RecordActionResponse(ctx context.Context, p RecordActionResponseParams) (*ActionResponse, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	r := p.Response
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin record response: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var owner, status string
	err = tx.QueryRowContext(ctx, `SELECT agent_id, status FROM action_queue WHERE id = ?`, r.TriggerID).
		Scan(&owner, &status)
	if err != nil {
		return nil, notFound(err)
	}
	if err := checkResponseTransition(owner, ActionStatus(status), r.AgentID); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE action_queue SET status = ? WHERE id = ? AND status = 'delivered'`,
		string(p.TerminalStatus), r.TriggerID); err != nil {
		return nil, fmt.Errorf("update action %s status: %w", r.TriggerID, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO action_responses (
			id, trigger_id, agent_id, plugin_id, action_id, status, return_code, output, error,
			executed_at, received_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TriggerID, r.AgentID, r.PluginID, r.ActionID, r.Status, r.ReturnCode, r.Output, r.Error,
		formatTime(r.ExecutedAt), formatTime(r.ReceivedAt),
	); err != nil {
		return nil, fmt.Errorf("insert action response for %s: %w", r.TriggerID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit record response: %w", err)
	}
	return &r, nil
}

// --- plugin data log ---

const sqlitePluginDataColumns = `id, agent_id, plugin_id, monitor_id, data, collected_at, received_at, processed`

func scanSQLitePluginData(row scanner) (*PluginDataLogEntry, error) {
	var e PluginDataLogEntry
	var data, collectedAt, receivedAt string
	if err := row.Scan(&e.ID, &e.AgentID, &e.PluginID, &e.MonitorID, &data, &collectedAt, &receivedAt,
		&e.Processed); err != nil {
		return nil, err
	}
	e.Data = json.RawMessage(data)
	var err error
	if e.CollectedAt, err = parseTime(collectedAt); err != nil {
		return nil, err
	}
	if e.ReceivedAt, err = parseTime(receivedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SQLiteStore) AppendPluginData(ctx context.Context, p AppendPluginDataParams) (*PluginDataLogEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `INSERT INTO plugin_data_log (
			id, agent_id, plugin_id, monitor_id, data, collected_at, received_at, processed
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0)
		RETURNING `+sqlitePluginDataColumns,
		p.ID, p.AgentID, p.PluginID, p.MonitorID, jsonText(p.Data, "null"),
		formatTime(p.CollectedAt), formatTime(p.ReceivedAt),
	)
	e, err := scanSQLitePluginData(row)
	if err != nil {
		return nil, fmt.Errorf("append plugin data %s/%s for agent %s: %w", p.PluginID, p.MonitorID, p.AgentID, err)
	}
	return e, nil
}

func (s *SQLiteStore) MarkPluginDataProcessed(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE plugin_data_log SET processed = 1 WHERE id = ?`, id)
	return affectedOne(res, err)
}

func (s *SQLiteStore) ListPluginData(ctx context.Context, agentID string, limit int) ([]PluginDataLogEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqlitePluginDataColumns+` FROM plugin_data_log
		WHERE agent_id = ? ORDER BY received_at DESC, rowid DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list plugin data for agent %s: %w", agentID, err)
	}
	return collectRows(rows, scanSQLitePluginData)
}

func (s *SQLiteStore) RemoveAgentDeployments(ctx context.Context, agentID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin remove deployments: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM action_responses WHERE agent_id = ?`,
		`DELETE FROM action_queue WHERE agent_id = ?`,
		`DELETE FROM plugin_deployments WHERE agent_id = ?`,
		`DELETE FROM plugin_data_log WHERE agent_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, agentID); err != nil {
			return fmt.Errorf("remove deployments for agent %s: %w", agentID, err)
		}
	}
	return tx.Commit()
}

// --- helpers ---

func collectRows[T any](rows *sql.Rows, scan func(scanner) (*T, error)) ([]T, error) {
	defer rows.Close()
	result := make([]T, 0)
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", value, err)
	}
	return t, nil
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullBool(v *bool) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func jsonText(raw json.RawMessage, empty string) string {
	if len(raw) == 0 {
		return empty
	}
	return string(raw)
}

func encodeStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("encode string list: %w", err)
	}
	return string(b), nil
}

// checkResponseTransition enforces pending -> delivered -> {completed, failed}.
func checkResponseTransition(owner string, status ActionStatus, agentID string) error {
	if owner != agentID {
		return ErrNotFound
	}
	switch status {
	case ActionDelivered:
		return nil
	case ActionPending:
		return ErrInvalidTransition
	default:
		return ErrConflict
	}
}
