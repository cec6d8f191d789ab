package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

// SecretStore reads and writes secrets in the platform secret store.
type SecretStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// NewKeychain returns the platform secret store: macOS Keychain on darwin,
// a 0600 JSON file elsewhere.
func NewKeychain() SecretStore {
	return newPlatformSecrets()
}

// GetAPIToken returns the bearer token that guards the HTTP API.
// CRUCIBLE_API_TOKEN wins; otherwise the token is read from the secret
// store, and generated and stored there on first use.
func GetAPIToken(kc SecretStore) (string, error) {
	if tok := os.Getenv("CRUCIBLE_API_TOKEN"); tok != "" {
		return tok, nil
	}
	if tok, err := kc.Get(secretService, "api_token"); err == nil && tok != "" {
		return tok, nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	if err := kc.Set(secretService, "api_token", tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}
