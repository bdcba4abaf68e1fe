package systemtest

import (
	"context"
	"testing"

	"github.com/EternisAI/hearth/internal/agents"
	internalhttp "github.com/EternisAI/hearth/internal/api/http"
	"github.com/EternisAI/hearth/internal/coordinator"
	"github.com/EternisAI/hearth/internal/events"
	"github.com/EternisAI/hearth/internal/extensions"
	"github.com/EternisAI/hearth/internal/identity"
	"github.com/EternisAI/hearth/internal/metrics"
	"github.com/EternisAI/hearth/internal/provisioning"
	"github.com/EternisAI/hearth/internal/store"
	"github.com/EternisAI/hearth/internal/store/storetest"
	"github.com/EternisAI/hearth/systemtest/tests"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

const apiKey = "system-test-key"

// newRouter builds the full parent stack on st. Calling it twice on the same
// store simulates a parent restart.
func newRouter(t *testing.T, st store.Store, id *identity.Identity) *gin.Engine {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	m := metrics.New()

	prov := provisioning.NewService(st, id, bus, m, provisioning.Config{PublicURL: "http://parent.test:8420"})
	agentService := agents.NewService(st, prov, bus, m, agents.Config{LatestVersion: "1.0.0"})
	registry := extensions.NewRegistry(extensions.EventHandler{Publisher: bus})
	coord := coordinator.NewService(st, agentService, registry, bus, m)
	require.NoError(t, coord.LoadCache(context.Background()))

	gin.SetMode(gin.TestMode)
	engine := gin.New()
	internalhttp.SetupRoute(engine, internalhttp.Config{AdminAPIKey: apiKey}, &internalhttp.Services{
		Agents:       agentService,
		Provisioning: prov,
		Coordinator:  coord,
		Extensions:   registry,
		Identity:     id,
		Events:       bus,
		DB:           st,
		Metrics:      m.Handler(),
	})
	return engine
}

func TestSystemIntegration(t *testing.T) {
	st := storetest.NewPostgres(t)
	id, err := identity.NewStore(t.TempDir(), 2048).GetOrCreate()
	require.NoError(t, err)

	router := newRouter(t, st, id)
	client := tests.NewClient(router, apiKey)

	t.Run("HealthCheck", func(t *testing.T) { tests.TestHealthCheck(t, client) })
	t.Run("Registration", func(t *testing.T) { tests.TestRegistration(t, client, id) })
	t.Run("ConcurrentRegistration", func(t *testing.T) { tests.TestConcurrentRegistration(t, client) })
	t.Run("PoliciesAndViolations", func(t *testing.T) { tests.TestPoliciesAndViolations(t, client) })

	t.Run("Extensions", func(t *testing.T) { tests.TestExtensions(t, client) })

	restarted := tests.NewClient(newRouter(t, st, id), apiKey)
	t.Run("DeploymentsSurviveRestart", func(t *testing.T) { tests.TestDeploymentsSurviveRestart(t, restarted) })
}
