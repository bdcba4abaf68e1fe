package handler

import (
	"net/http"
	"time"

	"github.com/EternisAI/hearth/internal/api/http/dto"
	"github.com/EternisAI/hearth/internal/provisioning"
	"github.com/gin-gonic/gin"
)

type ProvisioningHandler struct {
	provisioningService *provisioning.Service
}

func NewProvisioningHandler(provisioningService *provisioning.Service) *ProvisioningHandler {
	return &ProvisioningHandler{
		provisioningService: provisioningService,
	}
}

// CreateToken issues a pending trust token and its signed config bundle
// POST /api/tokens
func (h *ProvisioningHandler) CreateToken(c *gin.Context) {
	var req dto.CreateTokenRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	issued, err := h.provisioningService.CreatePendingToken(c.Request.Context(), provisioning.CreateTokenRequest{
		ChildID:      req.ChildID,
		Platform:     req.Platform,
		Version:      req.Version,
		ParentAPIURL: req.ParentAPIURL,
		TTL:          time.Duration(req.ExpiresInHours) * time.Hour,
	})
	if err != nil {
		writeError(c, err, "create trust token")
		return
	}

	resp := toTokenResponse(&issued.Token)
	resp.Token = issued.Plaintext
	resp.Bundle = issued.Bundle
	c.JSON(http.StatusCreated, resp)
}

// ListTokens returns all pending trust tokens
// GET /api/tokens
func (h *ProvisioningHandler) ListTokens(c *gin.Context) {
	tokens, err := h.provisioningService.ListTokens(c.Request.Context())
	if err != nil {
		writeError(c, err, "list trust tokens")
		return
	}

	responses := make([]dto.TokenResponse, len(tokens))
	for i := range tokens {
		responses[i] = toTokenResponse(&tokens[i])
	}

	c.JSON(http.StatusOK, dto.ListTokensResponse{
		Tokens: responses,
		Count:  len(responses),
	})
}

// RevokeToken deletes a pending trust token before it is redeemed
// DELETE /api/tokens/:id
func (h *ProvisioningHandler) RevokeToken(c *gin.Context) {
	tokenID := c.Param("id")

	if err := h.provisioningService.RevokeToken(c.Request.Context(), tokenID); err != nil {
		writeError(c, err, "revoke trust token", "token_id", tokenID)
		return
	}

	c.Status(http.StatusNoContent)
}

// CreateRegistrationCode issues a short single-use registration code
// POST /api/registration-codes
func (h *ProvisioningHandler) CreateRegistrationCode(c *gin.Context) {
	var req dto.CreateRegistrationCodeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	code, err := h.provisioningService.CreateRegistrationCode(c.Request.Context(), req.ChildID,
		time.Duration(req.ExpiresInMinutes)*time.Minute)
	if err != nil {
		writeError(c, err, "create registration code")
		return
	}

	c.JSON(http.StatusCreated, dto.RegistrationCodeResponse{
		Code:      code.Code,
		ChildID:   code.ChildID,
		ExpiresAt: code.ExpiresAt,
	})
}
