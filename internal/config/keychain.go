package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

const (
	keychainService = "halowatch"
	apiTokenAccount = "api_token"
	apiTokenEnv     = "HALOWATCH_API_TOKEN"
)

// Keychain reads and writes secrets outside the plain config store.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

type platformKeychain struct{}

// NewKeychain returns the macOS Keychain on darwin and a 0600 secrets file
// under the XDG data dir elsewhere.
func NewKeychain() Keychain {
	return platformKeychain{}
}

func (platformKeychain) Get(service, account string) (string, error) {
	b, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (platformKeychain) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

// GetAPIToken returns the bearer token guarding the admin API. The
// HALOWATCH_API_TOKEN variable wins; otherwise the keychain entry is used,
// and a fresh token is generated and stored on first run.
func GetAPIToken(kc Keychain) (string, error) {
	if tok := strings.TrimSpace(os.Getenv(apiTokenEnv)); tok != "" {
		return tok, nil
	}
	if tok, err := kc.Get(keychainService, apiTokenAccount); err == nil && strings.TrimSpace(tok) != "" {
		return strings.TrimSpace(tok), nil
	}

	tok := uuid.NewString()
	if err := kc.Set(keychainService, apiTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing generated API token: %w", err)
	}
	return tok, nil
}
