package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// APIKeyPrefix starts every project API key.
	APIKeyPrefix = "agentops_"
	// DisplayPrefixLength is how much of a key is kept for display.
	DisplayPrefixLength = 12

	apiKeyEntropyBytes = 32
)

// GeneratedKey is a fresh project API key. Plaintext is shown once and never
// stored.
type GeneratedKey struct {
	Plaintext string
	Hash      string
	Prefix    string
}

func GenerateAPIKey() (*GeneratedKey, error) {
	buf := make([]byte, apiKeyEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate api key: %w", err)
	}
	plaintext := APIKeyPrefix + base64.RawURLEncoding.EncodeToString(buf)
	return &GeneratedKey{
		Plaintext: plaintext,
		Hash:      HashAPIKey(plaintext),
		Prefix:    KeyPrefix(plaintext),
	}, nil
}

// HashAPIKey returns the lowercase hex SHA-256 of the trimmed key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// KeyPrefix returns the first 12 characters of key for display.
func KeyPrefix(key string) string {
	key = strings.TrimSpace(key)
	if len(key) <= DisplayPrefixLength {
		return key
	}
	return key[:DisplayPrefixLength]
}
