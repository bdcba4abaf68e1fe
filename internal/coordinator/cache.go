package coordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/EternisAI/hearth/internal/store"
)

type cachedDeployment struct {
	ID       string
	Checksum string
}

// deploymentCache mirrors deployment rows per agent. The store stays the
// source of truth; misses fall through to it.
type deploymentCache struct {
	mu      sync.RWMutex
	byAgent map[string]map[store.DeploymentKey]cachedDeployment
}

func newDeploymentCache() *deploymentCache {
	return &deploymentCache{byAgent: make(map[string]map[store.DeploymentKey]cachedDeployment)}
}

func (c *deploymentCache) load(ctx context.Context, st store.DeploymentStore) (int, error) {
	rows, err := st.ListAllDeployments(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load deployments: %w", err)
	}

	byAgent := make(map[string]map[store.DeploymentKey]cachedDeployment)
	for _, d := range rows {
		m, ok := byAgent[d.AgentID]
		if !ok {
			m = make(map[store.DeploymentKey]cachedDeployment)
			byAgent[d.AgentID] = m
		}
		m[d.Key()] = cachedDeployment{ID: d.ID, Checksum: d.ScriptChecksum}
	}

	c.mu.Lock()
	c.byAgent = byAgent
	c.mu.Unlock()
	return len(rows), nil
}

func (c *deploymentCache) get(key store.DeploymentKey) (cachedDeployment, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.byAgent[key.AgentID][key]
	return d, ok
}

func (c *deploymentCache) put(key store.DeploymentKey, d cachedDeployment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.byAgent[key.AgentID]
	if !ok {
		m = make(map[store.DeploymentKey]cachedDeployment)
		c.byAgent[key.AgentID] = m
	}
	m[key] = d
}

func (c *deploymentCache) remove(key store.DeploymentKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.byAgent[key.AgentID]
	if !ok {
		return
	}
	delete(m, key)
	if len(m) == 0 {
		delete(c.byAgent, key.AgentID)
	}
}

func (c *deploymentCache) dropAgent(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byAgent, agentID)
}

func (c *deploymentCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, m := range c.byAgent {
		n += len(m)
	}
	return n
}
