package identity

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidBundle = errors.New("invalid agent config bundle")

var pssOptions = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}

// Sign returns an RSA-PSS SHA-256 signature over payload.
func (i *Identity) Sign(payload []byte) ([]byte, error) {
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPSS(rand.Reader, i.privateKey, crypto.SHA256, digest[:], pssOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to sign payload: %w", err)
	}
	return sig, nil
}

// Verify reports whether signature is a valid Sign output for payload under publicKey.
func Verify(payload, signature []byte, publicKey *rsa.PublicKey) bool {
	if publicKey == nil {
		return false
	}
	digest := sha256.Sum256(payload)
	return rsa.VerifyPSS(publicKey, crypto.SHA256, digest[:], signature, pssOptions) == nil
}

// BundleClaims is the payload of the agent config bundle handed to the
// installer builder. The issuer is the parent UUID.
type BundleClaims struct {
	ParentAPIURL string `json:"parent_api_url"`
	TrustToken   string `json:"trust_token"`
	ChildID      string `json:"child_id,omitempty"`
	Platform     string `json:"platform,omitempty"`
	Version      string `json:"version,omitempty"`
	jwt.RegisteredClaims
}

// SignBundle issues an RS256 JWS over claims. Issuer and IssuedAt are set
// from the identity; ExpiresAt is taken from expiresAt.
func (i *Identity) SignBundle(claims BundleClaims, expiresAt time.Time) (string, error) {
	now := time.Now()
	claims.Issuer = i.UUID
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(expiresAt)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = i.Fingerprint()
	signed, err := token.SignedString(i.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign bundle: %w", err)
	}
	return signed, nil
}

// VerifyBundle validates a bundle against the parent public key and returns
// its claims.
func VerifyBundle(bundle string, publicKey *rsa.PublicKey) (*BundleClaims, error) {
	claims := &BundleClaims{}
	token, err := jwt.ParseWithClaims(bundle, claims, func(t *jwt.Token) (any, error) {
		return publicKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	if !token.Valid {
		return nil, ErrInvalidBundle
	}
	return claims, nil
}
