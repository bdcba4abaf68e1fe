package provisioning

import (
	"time"
)

// PendingToken is a trust token that has not been redeemed yet. The
// plaintext is only returned once, at creation.
type PendingToken struct {
	ID           string
	ChildID      *string
	Platform     string
	Version      string
	ParentAPIURL string
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

type CreateTokenRequest struct {
	ChildID      *string
	Platform     string
	Version      string
	ParentAPIURL string
	// TTL overrides the configured token lifetime when positive.
	TTL time.Duration
}

type IssuedToken struct {
	Token     PendingToken
	Plaintext string
	// Bundle is the signed agent config handed to the installer builder.
	Bundle string
}

type RegistrationCode struct {
	Code      string
	ChildID   *string
	ExpiresAt time.Time
	Used      bool
	AgentID   *string
	CreatedAt time.Time
}
