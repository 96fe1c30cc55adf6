//go:build !darwin

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Without a system keychain, secrets live in a 0600 JSON file keyed by
// service then account.
func secretsFilePath() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", ".local", "share"), appDir, "secrets.json")
}

type secrets map[string]map[string]string

func readSecrets(path string) (secrets, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s secrets
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return s, nil
}

func keychainGet(service, account string) ([]byte, error) {
	s, err := readSecrets(secretsFilePath())
	if err != nil {
		return nil, fmt.Errorf("keychain not available: %w", err)
	}
	val, ok := s[service][account]
	if !ok {
		return nil, fmt.Errorf("secret %s/%s not found", service, account)
	}
	return []byte(val), nil
}

func keychainSet(service, account, value string) error {
	path := secretsFilePath()
	s, err := readSecrets(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if s == nil {
		s = make(secrets)
	}
	if s[service] == nil {
		s[service] = make(map[string]string)
	}
	s[service][account] = value

	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, raw)
}
