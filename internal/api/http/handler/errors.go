package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/EternisAI/hearth/internal/agents"
	"github.com/EternisAI/hearth/internal/coordinator"
	"github.com/EternisAI/hearth/internal/provisioning"
	"github.com/EternisAI/hearth/internal/store"
	"github.com/gin-gonic/gin"
)

// writeError maps domain errors to status codes. Unknown errors are logged
// with op and reported as 500 without details.
func writeError(c *gin.Context, err error, op string, attrs ...any) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, agents.ErrInvalidAgentInfo),
		errors.Is(err, agents.ErrInvalidPolicy),
		errors.Is(err, coordinator.ErrInvalidDeployment),
		errors.Is(err, coordinator.ErrPlatformNotSupported):
		status = http.StatusBadRequest
	case errors.Is(err, agents.ErrAgentNotFound),
		errors.Is(err, agents.ErrPolicyNotFound),
		errors.Is(err, provisioning.ErrTokenNotFound),
		errors.Is(err, coordinator.ErrActionNotDeployed),
		errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, agents.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, store.ErrNotInitialized):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		slog.Error("Failed to "+op, append(attrs, "error", err)...)
		c.JSON(status, gin.H{"error": "failed to " + op})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
