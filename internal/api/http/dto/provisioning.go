package dto

import "time"

type CreateTokenRequest struct {
	ChildID        *string `json:"child_id"`
	Platform       string  `json:"platform"`
	Version        string  `json:"version"`
	ParentAPIURL   string  `json:"parent_api_url"`
	ExpiresInHours int     `json:"expires_in_hours" binding:"omitempty,min=1"`
}

type TokenResponse struct {
	ID           string    `json:"id"`
	Token        string    `json:"token,omitempty"`  // Only returned on creation
	Bundle       string    `json:"bundle,omitempty"` // Only returned on creation
	ChildID      *string   `json:"child_id"`
	Platform     string    `json:"platform,omitempty"`
	Version      string    `json:"version,omitempty"`
	ParentAPIURL string    `json:"parent_api_url,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
}

type ListTokensResponse struct {
	Tokens []TokenResponse `json:"tokens"`
	Count  int             `json:"count"`
}

type CreateRegistrationCodeRequest struct {
	ChildID          *string `json:"child_id"`
	ExpiresInMinutes int     `json:"expires_in_minutes" binding:"omitempty,min=1"`
}

type RegistrationCodeResponse struct {
	Code      string    `json:"code"`
	ChildID   *string   `json:"child_id"`
	ExpiresAt time.Time `json:"expires_at"`
}
