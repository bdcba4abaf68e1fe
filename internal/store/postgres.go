package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) ready() error {
	if s == nil || s.pool == nil {
		return ErrNotInitialized
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// --- agents ---

const pgAgentColumns = `id, machine_id, child_id, default_child_id, hostname, platform, version,
	auth_token, last_known_ip, last_heartbeat, registered_at, updated_at`

func scanPgAgent(row scanner) (*Agent, error) {
	var a Agent
	var id pgtype.UUID
	var childID, defaultChildID pgtype.Text
	if err := row.Scan(&id, &a.MachineID, &childID, &defaultChildID, &a.Hostname, &a.Platform, &a.Version,
		&a.AuthToken, &a.LastKnownIP, &a.LastHeartbeat, &a.RegisteredAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.ID = uuidToString(id.Bytes)
	a.ChildID = textPtr(childID)
	a.DefaultChildID = textPtr(defaultChildID)
	normalizeTimes(&a.LastHeartbeat, &a.RegisteredAt, &a.UpdatedAt)
	return &a, nil
}

func (s *PostgresStore) GetAgentByID(ctx context.Context, id string) (*Agent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	pgID, ok := parseUUID(id)
	if !ok {
		return nil, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+pgAgentColumns+` FROM agents WHERE id = $1`, pgID)
	a, err := scanPgAgent(row)
	if err != nil {
		return nil, pgNotFound(err)
	}
	return a, nil
}

func (s *PostgresStore) GetAgentByMachineID(ctx context.Context, machineID string) (*Agent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx, `SELECT `+pgAgentColumns+` FROM agents WHERE machine_id = $1`, machineID)
	a, err := scanPgAgent(row)
	if err != nil {
		return nil, pgNotFound(err)
	}
	return a, nil
}

func (s *PostgresStore) GetAgentByAuthToken(ctx context.Context, authToken string) (*Agent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx, `SELECT `+pgAgentColumns+` FROM agents WHERE auth_token = $1`, authToken)
	a, err := scanPgAgent(row)
	if err != nil {
		return nil, pgNotFound(err)
	}
	return a, nil
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]Agent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT `+pgAgentColumns+` FROM agents ORDER BY registered_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return collectPgRows(rows, scanPgAgent)
}

func (s *PostgresStore) CreateAgent(ctx context.Context, p CreateAgentParams) (*Agent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	pgID, ok := parseUUID(p.ID)
	if !ok {
		return nil, fmt.Errorf("invalid agent id %q", p.ID)
	}
	row := s.pool.QueryRow(ctx, `INSERT INTO agents (
			id, machine_id, child_id, default_child_id, hostname, platform, version,
			auth_token, last_known_ip, last_heartbeat, registered_at, updated_at
		) VALUES ($1, $2, $3, $3, $4, $5, $6, $7, $8, $9, $9, $9)
		ON CONFLICT (machine_id) DO NOTHING
		RETURNING `+pgAgentColumns,
		pgID, p.MachineID, nullText(p.ChildID), p.Hostname, p.Platform, p.Version,
		p.AuthToken, p.LastKnownIP, p.Now.UTC(),
	)
	a, err := scanPgAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("insert agent %s: %w", p.MachineID, err)
	}
	return a, nil
}

func (s *PostgresStore) RefreshAgent(ctx context.Context, p RefreshAgentParams) (*Agent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	pgID, ok := parseUUID(p.ID)
	if !ok {
		return nil, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `UPDATE agents SET
			hostname = $2,
			platform = $3,
			version = $4,
			last_known_ip = CASE WHEN $5 = '' THEN last_known_ip ELSE $5 END,
			child_id = COALESCE($6, child_id),
			default_child_id = COALESCE(default_child_id, $6),
			last_heartbeat = $7,
			updated_at = $7
		WHERE id = $1
		RETURNING `+pgAgentColumns,
		pgID, p.Hostname, p.Platform, p.Version, p.LastKnownIP, nullText(p.ChildID), p.Now.UTC(),
	)
	a, err := scanPgAgent(row)
	if err != nil {
		return nil, pgNotFound(err)
	}
	return a, nil
}

func (s *PostgresStore) UpdateAgentHeartbeat(ctx context.Context, id string, at time.Time, ip string) error {
	if err := s.ready(); err != nil {
		return err
	}
	pgID, ok := parseUUID(id)
	if !ok {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `UPDATE agents SET
			last_heartbeat = $2,
			updated_at = $2,
			last_known_ip = CASE WHEN $3 = '' THEN last_known_ip ELSE $3 END
		WHERE id = $1`, pgID, at.UTC(), ip)
	if err != nil {
		return fmt.Errorf("update heartbeat for agent %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetAgentChild(ctx context.Context, id string, childID *string, at time.Time) error {
	if err := s.ready(); err != nil {
		return err
	}
	pgID, ok := parseUUID(id)
	if !ok {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `UPDATE agents SET
			child_id = $2,
			default_child_id = COALESCE(default_child_id, $2),
			updated_at = $3
		WHERE id = $1`, pgID, nullText(childID), at.UTC())
	if err != nil {
		return fmt.Errorf("set child for agent %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteAgent(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "agents", id)
}

func (s *PostgresStore) ListAgentsSeenBefore(ctx context.Context, cutoff time.Time) ([]Agent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT `+pgAgentColumns+` FROM agents
		WHERE last_heartbeat < $1 ORDER BY last_heartbeat`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("list stale agents: %w", err)
	}
	return collectPgRows(rows, scanPgAgent)
}

// --- pending tokens and registration codes ---

const pgTokenColumns = `id, token_hash, child_id, platform, version, parent_api_url, expires_at, created_at`

func scanPgToken(row scanner) (*PendingAgentToken, error) {
	var t PendingAgentToken
	var id pgtype.UUID
	var childID pgtype.Text
	if err := row.Scan(&id, &t.TokenHash, &childID, &t.Platform, &t.Version, &t.ParentAPIURL,
		&t.ExpiresAt, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.ID = uuidToString(id.Bytes)
	t.ChildID = textPtr(childID)
	normalizeTimes(&t.ExpiresAt, &t.CreatedAt)
	return &t, nil
}

func (s *PostgresStore) CreatePendingToken(ctx context.Context, p CreatePendingTokenParams) (*PendingAgentToken, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	pgID, ok := parseUUID(p.ID)
	if !ok {
		return nil, fmt.Errorf("invalid token id %q", p.ID)
	}
	row := s.pool.QueryRow(ctx, `INSERT INTO pending_agent_tokens (
			id, token_hash, child_id, platform, version, parent_api_url, expires_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+pgTokenColumns,
		pgID, p.TokenHash, nullText(p.ChildID), p.Platform, p.Version, p.ParentAPIURL,
		p.ExpiresAt.UTC(), p.Now.UTC(),
	)
	t, err := scanPgToken(row)
	if err != nil {
		return nil, fmt.Errorf("insert pending token: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ListPendingTokens(ctx context.Context) ([]PendingAgentToken, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT `+pgTokenColumns+` FROM pending_agent_tokens ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list pending tokens: %w", err)
	}
	return collectPgRows(rows, scanPgToken)
}

func (s *PostgresStore) ConsumePendingToken(ctx context.Context, tokenHash string, now time.Time) (*PendingAgentToken, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx, `DELETE FROM pending_agent_tokens
		WHERE token_hash = $1 AND expires_at > $2
		RETURNING `+pgTokenColumns, tokenHash, now.UTC())
	t, err := scanPgToken(row)
	if err != nil {
		return nil, pgNotFound(err)
	}
	return t, nil
}

func (s *PostgresStore) DeletePendingToken(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "pending_agent_tokens", id)
}

func (s *PostgresStore) DeleteExpiredPendingTokens(ctx context.Context, now time.Time) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM pending_agent_tokens WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired pending tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

const pgCodeColumns = `code, child_id, expires_at, used, agent_id, created_at`

func scanPgCode(row scanner) (*RegistrationCode, error) {
	var c RegistrationCode
	var childID pgtype.Text
	var agentID pgtype.UUID
	if err := row.Scan(&c.Code, &childID, &c.ExpiresAt, &c.Used, &agentID, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.ChildID = textPtr(childID)
	if agentID.Valid {
		id := uuidToString(agentID.Bytes)
		c.AgentID = &id
	}
	normalizeTimes(&c.ExpiresAt, &c.CreatedAt)
	return &c, nil
}

func (s *PostgresStore) CreateRegistrationCode(ctx context.Context, p CreateRegistrationCodeParams) (*RegistrationCode, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx, `INSERT INTO registration_codes (code, child_id, expires_at, used, created_at)
		VALUES ($1, $2, $3, FALSE, $4)
		ON CONFLICT (code) DO NOTHING
		RETURNING `+pgCodeColumns,
		p.Code, nullText(p.ChildID), p.ExpiresAt.UTC(), p.Now.UTC(),
	)
	c, err := scanPgCode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("insert registration code: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) RedeemRegistrationCode(ctx context.Context, code string, now time.Time) (*RegistrationCode, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx, `UPDATE registration_codes SET used = TRUE
		WHERE code = $1 AND NOT used AND expires_at > $2
		RETURNING `+pgCodeColumns, code, now.UTC())
	c, err := scanPgCode(row)
	if err != nil {
		return nil, pgNotFound(err)
	}
	return c, nil
}

func (s *PostgresStore) LinkRegistrationCode(ctx context.Context, code string, agentID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	pgID, ok := parseUUID(agentID)
	if !ok {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `UPDATE registration_codes SET agent_id = $2 WHERE code = $1`, code, pgID)
	if err != nil {
		return fmt.Errorf("link registration code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteExpiredRegistrationCodes(ctx context.Context, now time.Time) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM registration_codes WHERE NOT used AND expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired registration codes: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- policies and violations ---

const pgPolicyColumns = `id, agent_id, process_name, alternatives, allowed, check_interval_ms,
	plugin_name, category, created_at, updated_at`

func scanPgPolicy(row scanner) (*Policy, error) {
	var p Policy
	var id, agentID pgtype.UUID
	var checkInterval int32
	if err := row.Scan(&id, &agentID, &p.ProcessName, &p.Alternatives, &p.Allowed, &checkInterval,
		&p.PluginName, &p.Category, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.ID = uuidToString(id.Bytes)
	p.AgentID = uuidToString(agentID.Bytes)
	p.CheckIntervalMs = int(checkInterval)
	if p.Alternatives == nil {
		p.Alternatives = []string{}
	}
	normalizeTimes(&p.CreatedAt, &p.UpdatedAt)
	return &p, nil
}

func (s *PostgresStore) CreatePolicy(ctx context.Context, p CreatePolicyParams) (*Policy, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	pgID, ok := parseUUID(p.ID)
	if !ok {
		return nil, fmt.Errorf("invalid policy id %q", p.ID)
	}
	agentID, ok := parseUUID(p.AgentID)
	if !ok {
		return nil, ErrNotFound
	}
	alternatives := p.Alternatives
	if alternatives == nil {
		alternatives = []string{}
	}
	row := s.pool.QueryRow(ctx, `INSERT INTO policies (
			id, agent_id, process_name, alternatives, allowed, check_interval_ms,
			plugin_name, category, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		RETURNING `+pgPolicyColumns,
		pgID, agentID, p.ProcessName, alternatives, p.Allowed, int32(p.CheckIntervalMs),
		p.PluginName, p.Category, p.Now.UTC(),
	)
	policy, err := scanPgPolicy(row)
	if err != nil {
		return nil, fmt.Errorf("insert policy for agent %s: %w", p.AgentID, err)
	}
	return policy, nil
}

func (s *PostgresStore) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	pgID, ok := parseUUID(id)
	if !ok {
		return nil, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+pgPolicyColumns+` FROM policies WHERE id = $1`, pgID)
	p, err := scanPgPolicy(row)
	if err != nil {
		return nil, pgNotFound(err)
	}
	return p, nil
}

func (s *PostgresStore) ListPoliciesByAgent(ctx context.Context, agentID string) ([]Policy, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	pgID, ok := parseUUID(agentID)
	if !ok {
		return []Policy{}, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+pgPolicyColumns+` FROM policies
		WHERE agent_id = $1 ORDER BY created_at, id`, pgID)
	if err != nil {
		return nil, fmt.Errorf("list policies for agent %s: %w", agentID, err)
	}
	return collectPgRows(rows, scanPgPolicy)
}

func (s *PostgresStore) UpdatePolicy(ctx context.Context, id string, patch PolicyPatch, at time.Time) (*Policy, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	pgID, ok := parseUUID(id)
	if !ok {
		return nil, ErrNotFound
	}
	var alternatives []string
	if patch.Alternatives != nil {
		alternatives = *patch.Alternatives
		if alternatives == nil {
			alternatives = []string{}
		}
	}
	var checkInterval pgtype.Int4
	if patch.CheckIntervalMs != nil {
		checkInterval = pgtype.Int4{Int32: int32(*patch.CheckIntervalMs), Valid: true}
	}
	var allowed pgtype.Bool
	if patch.Allowed != nil {
		allowed = pgtype.Bool{Bool: *patch.Allowed, Valid: true}
	}
	row := s.pool.QueryRow(ctx, `UPDATE policies SET
			process_name = COALESCE($2, process_name),
			alternatives = COALESCE($3, alternatives),
			allowed = COALESCE($4, allowed),
			check_interval_ms = COALESCE($5, check_interval_ms),
			plugin_name = COALESCE($6, plugin_name),
			category = COALESCE($7, category),
			updated_at = $8
		WHERE id = $1
		RETURNING `+pgPolicyColumns,
		pgID, nullText(patch.ProcessName), alternatives, allowed, checkInterval,
		nullText(patch.PluginName), nullText(patch.Category), at.UTC(),
	)
	p, err := scanPgPolicy(row)
	if err != nil {
		return nil, pgNotFound(err)
	}
	return p, nil
}

func (s *PostgresStore) DeletePolicy(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "policies", id)
}

const pgViolationColumns = `id, agent_id, policy_id, child_id, process_name, occurred_at, action_taken, metadata`

func scanPgViolation(row scanner) (*Violation, error) {
	var v Violation
	var id, agentID, policyID pgtype.UUID
	var childID pgtype.Text
	var metadata []byte
	if err := row.Scan(&id, &agentID, &policyID, &childID, &v.ProcessName, &v.Timestamp,
		&v.ActionTaken, &metadata); err != nil {
		return nil, err
	}
	v.ID = uuidToString(id.Bytes)
	v.AgentID = uuidToString(agentID.Bytes)
	if policyID.Valid {
		pid := uuidToString(policyID.Bytes)
		v.PolicyID = &pid
	}
	v.ChildID = textPtr(childID)
	v.Metadata = metadata
	normalizeTimes(&v.Timestamp)
	return &v, nil
}

func (s *PostgresStore) CreateViolation(ctx context.Context, p CreateViolationParams) (*Violation, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	pgID, ok := parseUUID(p.ID)
	if !ok {
		return nil, fmt.Errorf("invalid violation id %q", p.ID)
	}
	agentID, ok := parseUUID(p.AgentID)
	if !ok {
		return nil, ErrNotFound
	}
	var policyID pgtype.UUID
	if p.PolicyID != nil {
		policyID, _ = parseUUID(*p.PolicyID)
	}
	row := s.pool.QueryRow(ctx, `INSERT INTO violations (
			id, agent_id, policy_id, child_id, process_name, occurred_at, action_taken, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+pgViolationColumns,
		pgID, agentID, policyID, nullText(p.ChildID), p.ProcessName, p.Timestamp.UTC(), p.ActionTaken,
		[]byte(jsonText(p.Metadata, "{}")),
	)
	v, err := scanPgViolation(row)
	if err != nil {
		return nil, fmt.Errorf("insert violation for agent %s: %w", p.AgentID, err)
	}
	return v, nil
}

func (s *PostgresStore) ListViolationsByAgent(ctx context.Context, agentID string, limit int) ([]Violation, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	pgID, ok := parseUUID(agentID)
	if !ok {
		return []Violation{}, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+pgViolationColumns+` FROM violations
		WHERE agent_id = $1 ORDER BY occurred_at DESC LIMIT $2`, pgID, limit)
	if err != nil {
		return nil, fmt.Errorf("list violations for agent %s: %w", agentID, err)
	}
	return collectPgRows(rows, scanPgViolation)
}

// --- deployments ---

const pgDeploymentColumns = `id, agent_id, plugin_id, extension_type, extension_id, script_checksum,
	script, config, deployed_at, updated_at`

func scanPgDeployment(row scanner) (*Deployment, error) {
	var d Deployment
	var id, agentID pgtype.UUID
	var extType string
	var config []byte
	if err := row.Scan(&id, &agentID, &d.PluginID, &extType, &d.ExtensionID, &d.ScriptChecksum,
		&d.Script, &config, &d.DeployedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.ID = uuidToString(id.Bytes)
	d.AgentID = uuidToString(agentID.Bytes)
	d.ExtensionType = ExtensionType(extType)
	d.Config = config
	normalizeTimes(&d.DeployedAt, &d.UpdatedAt)
	return &d, nil
}

func (s *PostgresStore) GetDeployment(ctx context.Context, key DeploymentKey) (*Deployment, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	agentID, ok := parseUUID(key.AgentID)
	if !ok {
		return nil, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+pgDeploymentColumns+` FROM plugin_deployments
		WHERE agent_id = $1 AND plugin_id = $2 AND extension_type = $3 AND extension_id = $4`,
		agentID, key.PluginID, string(key.ExtensionType), key.ExtensionID)
	d, err := scanPgDeployment(row)
	if err != nil {
		return nil, pgNotFound(err)
	}
	return d, nil
}

func (s *PostgresStore) ListDeploymentsByAgent(ctx context.Context, agentID string) ([]Deployment, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	pgID, ok := parseUUID(agentID)
	if !ok {
		return []Deployment{}, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+pgDeploymentColumns+` FROM plugin_deployments
		WHERE agent_id = $1 ORDER BY plugin_id, extension_type, extension_id`, pgID)
	if err != nil {
		return nil, fmt.Errorf("list deployments for agent %s: %w", agentID, err)
	}
	return collectPgRows(rows, scanPgDeployment)
}

func (s *PostgresStore) ListAllDeployments(ctx context.Context) ([]Deployment, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT `+pgDeploymentColumns+` FROM plugin_deployments
		ORDER BY agent_id, plugin_id, extension_type, extension_id`)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	return collectPgRows(rows, scanPgDeployment)
}

func (s *PostgresStore) UpsertDeployment(ctx context.Context, p UpsertDeploymentParams) (*Deployment, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	pgID, ok := parseUUID(p.ID)
	if !ok {
		return nil, fmt.Errorf("invalid deployment id %q", p.ID)
	}
	agentID, ok := parseUUID(p.Key.AgentID)
	if !ok {
		return nil, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `INSERT INTO plugin_deployments (
			id, agent_id, plugin_id, extension_type, extension_id, script_checksum,
			script, config, deployed_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (agent_id, plugin_id, extension_type, extension_id) DO UPDATE SET
			script_checksum = EXCLUDED.script_checksum,
			script = EXCLUDED.script,
			config = EXCLUDED.config,
			updated_at = EXCLUDED.updated_at
		RETURNING `+pgDeploymentColumns,
		pgID, agentID, p.Key.PluginID, string(p.Key.ExtensionType), p.Key.ExtensionID, p.ScriptChecksum,
		p.Script, []byte(jsonText(p.Config, "{}")), p.Now.UTC(),
	)
	d, err := scanPgDeployment(row)
	if err != nil {
		return nil, fmt.Errorf("upsert deployment %s/%s for agent %s: %w",
			p.Key.PluginID, p.Key.ExtensionID, p.Key.AgentID, err)
	}
	return d, nil
}

func (s *PostgresStore) DeleteDeployment(ctx context.Context, key DeploymentKey) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	agentID, ok := parseUUID(key.AgentID)
	if !ok {
		return false, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM plugin_deployments
		WHERE agent_id = $1 AND plugin_id = $2 AND extension_type = $3 AND extension_id = $4`,
		agentID, key.PluginID, string(key.ExtensionType), key.ExtensionID)
	if err != nil {
		return false, fmt.Errorf("delete deployment: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// --- action queue ---

const pgActionColumns = `id, agent_id, plugin_id, action_id, arguments, triggered_at, delivered_at, status`

func scanPgAction(row scanner) (*ActionQueueEntry, error) {
	var e ActionQueueEntry
	var id, agentID pgtype.UUID
	var arguments []byte
	var deliveredAt pgtype.Timestamptz
	var status string
	if err := row.Scan(&id, &agentID, &e.PluginID, &e.ActionID, &arguments, &e.TriggeredAt,
		&deliveredAt, &status); err != nil {
		return nil, err
	}
	e.ID = uuidToString(id.Bytes)
	e.AgentID = uuidToString(agentID.Bytes)
	e.Arguments = arguments
	e.Status = ActionStatus(status)
	if deliveredAt.Valid {
		t := deliveredAt.Time.UTC()
		e.DeliveredAt = &t
	}
	normalizeTimes(&e.TriggeredAt)
	return &e, nil
}

func (s *PostgresStore) CreateActionTrigger(ctx context.Context, p CreateActionTriggerParams) (*ActionQueueEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	pgID, ok := parseUUID(p.ID)
	if !ok {
		return nil, fmt.Errorf("invalid trigger id %q", p.ID)
	}
	agentID, ok := parseUUID(p.AgentID)
	if !ok {
		return nil, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `INSERT INTO action_queue (
			id, agent_id, plugin_id, action_id, arguments, triggered_at, status
		) VALUES ($1, $2, $3, $4, $5, $6, 'pending')
		RETURNING `+pgActionColumns,
		pgID, agentID, p.PluginID, p.ActionID, []byte(jsonText(p.Arguments, "{}")), p.Now.UTC(),
	)
	e, err := scanPgAction(row)
	if err != nil {
		return nil, fmt.Errorf("insert action trigger %s/%s for agent %s: %w", p.PluginID, p.ActionID, p.AgentID, err)
	}
	return e, nil
}

func (s *PostgresStore) GetActionTrigger(ctx context.Context, id string) (*ActionQueueEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	pgID, ok := parseUUID(id)
	if !ok {
		return nil, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+pgActionColumns+` FROM action_queue WHERE id = $1`, pgID)
	e, err := scanPgAction(row)
	if err != nil {
		return nil, pgNotFound(err)
	}
	return e, nil
}

func (s *PostgresStore) ListPendingActions(ctx context.Context, agentID string) ([]ActionQueueEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	pgID, ok := parseUUID(agentID)
	if !ok {
		return []ActionQueueEntry{}, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+pgActionColumns+` FROM action_queue
		WHERE agent_id = $1 AND status = 'pending' ORDER BY triggered_at, id`, pgID)
	if err != nil {
		return nil, fmt.Errorf("list pending actions for agent %s: %w", agentID, err)
	}
	return collectPgRows(rows, scanPgAction)
}

func (s *PostgresStore) MarkActionsDelivered(ctx context.Context, agentID string, triggerIDs []string, at time.Time) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	pgAgentID, ok := parseUUID(agentID)
	if !ok {
		return 0, nil
	}
	ids := make([]pgtype.UUID, 0, len(triggerIDs))
	for _, id := range triggerIDs {
		if pgID, ok := parseUUID(id); ok {
			ids = append(ids, pgID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `UPDATE action_queue SET status = 'delivered', delivered_at = $3
		WHERE agent_id = $1 AND id = ANY($2) AND status = 'pending'`, pgAgentID, ids, at.UTC())
	if err != nil {
		return 0, fmt.Errorf("mark actions delivered for agent %s: %w", agentID, err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) RecordActionResponse(ctx context.Context, p RecordActionResponseParams) (*ActionResponse, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	r := p.Response
	responseID, ok := parseUUID(r.ID)
	if !ok {
		return nil, fmt.Errorf("invalid response id %q", r.ID)
	}
	triggerID, ok := parseUUID(r.TriggerID)
	if !ok {
		return nil, ErrNotFound
	}
	agentID, ok := parseUUID(r.AgentID)
	if !ok {
		return nil, ErrNotFound
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var owner pgtype.UUID
		var status string
		err := tx.QueryRow(ctx, `SELECT agent_id, status FROM action_queue WHERE id = $1 FOR UPDATE`, triggerID).
			Scan(&owner, &status)
		if err != nil {
			return pgNotFound(err)
		}
		if err := checkResponseTransition(uuidToString(owner.Bytes), ActionStatus(status), r.AgentID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE action_queue SET status = $2 WHERE id = $1`,
			triggerID, string(p.TerminalStatus)); err != nil {
			return fmt.Errorf("update action %s status: %w", r.TriggerID, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO action_responses (
				id, trigger_id, agent_id, plugin_id, action_id, status, return_code, output, error,
				executed_at, received_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			responseID, triggerID, agentID, r.PluginID, r.ActionID, r.Status, int32(r.ReturnCode), r.Output, r.Error,
			r.ExecutedAt.UTC(), r.ReceivedAt.UTC(),
		); err != nil {
			return fmt.Errorf("insert action response for %s: %w", r.TriggerID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// --- plugin data log ---

const pgPluginDataColumns = `id, agent_id, plugin_id, monitor_id, data, collected_at, received_at, processed`

func scanPgPluginData(row scanner) (*PluginDataLogEntry, error) {
	var e PluginDataLogEntry
	var id, agentID pgtype.UUID
	var data []byte
	if err := row.Scan(&id, &agentID, &e.PluginID, &e.MonitorID, &data, &e.CollectedAt, &e.ReceivedAt,
		&e.Processed); err != nil {
		return nil, err
	}
	e.ID = uuidToString(id.Bytes)
	e.AgentID = uuidToString(agentID.Bytes)
	e.Data = data
	normalizeTimes(&e.CollectedAt, &e.ReceivedAt)
	return &e, nil
}

func (s *PostgresStore) AppendPluginData(ctx context.Context, p AppendPluginDataParams) (*PluginDataLogEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	pgID, ok := parseUUID(p.ID)
	if !ok {
		return nil, fmt.Errorf("invalid plugin data id %q", p.ID)
	}
	agentID, ok := parseUUID(p.AgentID)
	if !ok {
		return nil, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `INSERT INTO plugin_data_log (
			id, agent_id, plugin_id, monitor_id, data, collected_at, received_at, processed
		) VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)
		RETURNING `+pgPluginDataColumns,
		pgID, agentID, p.PluginID, p.MonitorID, []byte(jsonText(p.Data, "null")),
		p.CollectedAt.UTC(), p.ReceivedAt.UTC(),
	)
	e, err := scanPgPluginData(row)
	if err != nil {
		return nil, fmt.Errorf("append plugin data %s/%s for agent %s: %w", p.PluginID, p.MonitorID, p.AgentID, err)
	}
	return e, nil
}

func (s *PostgresStore) MarkPluginDataProcessed(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	pgID, ok := parseUUID(id)
	if !ok {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `UPDATE plugin_data_log SET processed = TRUE WHERE id = $1`, pgID)
	if err != nil {
		return fmt.Errorf("mark plugin data %s processed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListPluginData(ctx context.Context, agentID string, limit int) ([]PluginDataLogEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	pgID, ok := parseUUID(agentID)
	if !ok {
		return []PluginDataLogEntry{}, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+pgPluginDataColumns+` FROM plugin_data_log
		WHERE agent_id = $1 ORDER BY received_at DESC LIMIT $2`, pgID, limit)
	if err != nil {
		return nil, fmt.Errorf("list plugin data for agent %s: %w", agentID, err)
	}
	return collectPgRows(rows, scanPgPluginData)
}

func (s *PostgresStore) RemoveAgentDeployments(ctx context.Context, agentID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	pgID, ok := parseUUID(agentID)
	if !ok {
		return nil
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM action_responses WHERE agent_id = $1`,
			`DELETE FROM action_queue WHERE agent_id = $1`,
			`DELETE FROM plugin_deployments WHERE agent_id = $1`,
			`DELETE FROM plugin_data_log WHERE agent_id = $1`,
		} {
			if _, err := tx.Exec(ctx, stmt, pgID); err != nil {
				return fmt.Errorf("remove deployments for agent %s: %w", agentID, err)
			}
		}
		return nil
	})
}

// --- helpers ---

func (s *PostgresStore) deleteByID(ctx context.Context, table, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	pgID, ok := parseUUID(id)
	if !ok {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+pgx.Identifier{table}.Sanitize()+` WHERE id = $1`, pgID)
	if err != nil {
		return fmt.Errorf("delete from %s: %w", table, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectPgRows[T any](rows pgx.Rows, scan func(scanner) (*T, error)) ([]T, error) {
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

func pgNotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// parseUUID reports false for ids that cannot name a row.
func parseUUID(id string) (pgtype.UUID, bool) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return pgtype.UUID{}, false
	}
	return pgtype.UUID{Bytes: parsed, Valid: true}, true
}

func uuidToString(id [16]byte) string {
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x",
		id[0:4], id[4:6], id[6:8], id[8:10], id[10:16])
}

func textPtr(v pgtype.Text) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullText(v *string) pgtype.Text {
	if v == nil {
		return pgtype.Text{}
	}
	return pgtype.Text{String: *v, Valid: true}
}

func normalizeTimes(ts ...*time.Time) {
	for _, t := range ts {
		*t = t.UTC()
	}
}
