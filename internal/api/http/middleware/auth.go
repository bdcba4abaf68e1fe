package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/EternisAI/hearth/internal/agents"
	"github.com/EternisAI/hearth/internal/auth"
	"github.com/gin-gonic/gin"
)

const (
	apiKeyHeader = "X-API-Key"

	AgentIDKey = "agent_id"
	AgentKey   = "agent"
)

// AgentAuthenticator resolves an agent bearer token.
type AgentAuthenticator interface {
	Authenticate(ctx context.Context, authToken string) (*agents.Agent, error)
}

// AgentAuth requires "Authorization: Bearer <authToken>" issued at
// registration and stores the agent in the context.
func AgentAuth(authenticator AgentAuthenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid authorization header"})
			return
		}

		token := strings.TrimPrefix(header, "Bearer ")
		agent, err := authenticator.Authenticate(c.Request.Context(), token)
		if err != nil {
			if !errors.Is(err, agents.ErrUnauthorized) {
				slog.Error("Agent authentication failed", "error", err, "path", c.Request.URL.Path)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "authentication failed"})
				return
			}
			slog.Warn("Invalid agent token",
				"path", c.Request.URL.Path,
				"client_ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(AgentIDKey, agent.ID)
		c.Set(AgentKey, agent)
		c.Next()
	}
}

// CurrentAgent returns the agent stored by AgentAuth.
func CurrentAgent(c *gin.Context) (*agents.Agent, bool) {
	v, ok := c.Get(AgentKey)
	if !ok {
		return nil, false
	}
	agent, ok := v.(*agents.Agent)
	return agent, ok
}

// APIKeyAuth guards the operator API. The configured key may be plaintext or
// a bcrypt hash. An empty key leaves the operator API open.
func APIKeyAuth(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			c.Next()
			return
		}

		providedKey := c.GetHeader(apiKeyHeader)
		if providedKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing API key",
			})
			return
		}

		if !auth.CheckAPIKey(providedKey, apiKey) {
			slog.Warn("Invalid API key attempt",
				"path", c.Request.URL.Path,
				"client_ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid API key",
			})
			return
		}

		c.Next()
	}
}
