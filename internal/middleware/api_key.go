// Package middleware provides authentication, request logging, and rate
// limiting for the canaryz HTTP transport, including bearer-token validation
// and bcrypt-based API key hashing.
package middleware

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const apiKeyHashCost = bcrypt.DefaultCost

// HashAPIKey returns a salted bcrypt hash for an API key secret.
func HashAPIKey(apiKey string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), apiKeyHashCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// APIKeyMatchesHash compares an API key secret against a stored bcrypt hash.
func APIKeyMatchesHash(expectedHash, apiKey string) bool {
	return bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(apiKey)) == nil
}
