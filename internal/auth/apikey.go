package auth

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// DefaultCost is the bcrypt cost factor used for API key hashing
const DefaultCost = bcrypt.DefaultCost

// HashAPIKey generates a bcrypt hash suitable for http.admin_api_key
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash api key: %w", err)
	}
	return string(hash), nil
}

// IsHashed reports whether the configured key is a bcrypt hash.
func IsHashed(configured string) bool {
	return strings.HasPrefix(configured, "$2a$") ||
		strings.HasPrefix(configured, "$2b$") ||
		strings.HasPrefix(configured, "$2y$")
}

// CheckAPIKey compares a presented key with the configured one, which is
// either a bcrypt hash or the plaintext key.
func CheckAPIKey(presented, configured string) bool {
	if presented == "" || configured == "" {
		return false
	}
	if IsHashed(configured) {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}
