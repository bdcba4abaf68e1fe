package http

import (
	"net/http"

	"github.com/EternisAI/hearth/internal/agents"
	"github.com/EternisAI/hearth/internal/api/http/handler"
	"github.com/EternisAI/hearth/internal/api/http/middleware"
	"github.com/EternisAI/hearth/internal/coordinator"
	"github.com/EternisAI/hearth/internal/extensions"
	"github.com/EternisAI/hearth/internal/identity"
	"github.com/EternisAI/hearth/internal/provisioning"
	"github.com/gin-gonic/gin"
)

type Services struct {
	Agents       *agents.Service
	Provisioning *provisioning.Service
	Coordinator  *coordinator.Service
	Extensions   *extensions.Registry
	Identity     *identity.Identity
	Advertiser   handler.StatusReporter
	Events       handler.Subscriber
	DB           handler.Pinger
	Metrics      http.Handler
}

func SetupRoute(engine *gin.Engine, cfg Config, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler(srvs.DB)
	engine.GET("/health", healthHandler.Check)

	if srvs.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(srvs.Metrics))
	}

	agentHandler := handler.NewAgentHandler(srvs.Agents, srvs.Coordinator)
	agent := engine.Group("/agent")
	agent.POST("/register", agentHandler.Register)
	authed := agent.Group("", middleware.AgentAuth(srvs.Agents))
	{
		authed.POST("/heartbeat", agentHandler.Heartbeat)
		authed.GET("/policies", agentHandler.Policies)
		authed.POST("/violations", agentHandler.Violation)
		authed.POST("/sync", agentHandler.Sync)
		authed.POST("/report", agentHandler.Report)
	}

	agentsHandler := handler.NewAgentsHandler(srvs.Agents, srvs.Coordinator)
	provisioningHandler := handler.NewProvisioningHandler(srvs.Provisioning)
	extensionsHandler := handler.NewExtensionsHandler(srvs.Coordinator, srvs.Extensions)

	api := engine.Group("/api", middleware.APIKeyAuth(cfg.AdminAPIKey))
	{
		if srvs.Identity != nil {
			identityHandler := handler.NewIdentityHandler(srvs.Identity, srvs.Advertiser)
			api.GET("/identity", identityHandler.GetIdentity)
		}
		if srvs.Events != nil {
			eventsHandler := handler.NewEventsHandler(srvs.Events)
			api.GET("/events", eventsHandler.Stream)
		}

		api.GET("/agents", agentsHandler.ListAgents)
		api.GET("/agents/:id", agentsHandler.GetAgent)
		api.PATCH("/agents/:id/child", agentsHandler.SetChild)
		api.DELETE("/agents/:id", agentsHandler.DeleteAgent)
		api.GET("/agents/:id/policies", agentsHandler.ListPolicies)
		api.POST("/agents/:id/policies", agentsHandler.CreatePolicy)
		api.GET("/agents/:id/violations", agentsHandler.ListViolations)
		api.PATCH("/policies/:id", agentsHandler.UpdatePolicy)
		api.DELETE("/policies/:id", agentsHandler.DeletePolicy)

		api.POST("/tokens", provisioningHandler.CreateToken)
		api.GET("/tokens", provisioningHandler.ListTokens)
		api.DELETE("/tokens/:id", provisioningHandler.RevokeToken)
		api.POST("/registration-codes", provisioningHandler.CreateRegistrationCode)

		api.GET("/extensions", extensionsHandler.ListPlugins)
		api.GET("/agents/:id/deployments", extensionsHandler.ListDeployments)
		api.GET("/agents/:id/plugin-data", extensionsHandler.ListPluginData)
		api.POST("/agents/:id/monitors", extensionsHandler.DeployMonitor)
		api.PUT("/agents/:id/monitors/:plugin/:extension", extensionsHandler.UpdateMonitor)
		api.DELETE("/agents/:id/monitors/:plugin/:extension", extensionsHandler.RemoveMonitor)
		api.POST("/agents/:id/actions", extensionsHandler.DeployAction)
		api.GET("/agents/:id/actions/pending", extensionsHandler.PendingActions)
		api.DELETE("/agents/:id/actions/:plugin/:extension", extensionsHandler.RemoveAction)
		api.POST("/agents/:id/actions/:plugin/:extension/trigger", extensionsHandler.TriggerAction)
	}
}
