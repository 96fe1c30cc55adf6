//go:build darwin

package config

import (
	"fmt"
	"os/exec"
	"strings"
)

func keychainGet(service, account string) ([]byte, error) {
	out, err := exec.Command(
		"security", "find-generic-password",
		"-s", service,
		"-a", account,
		"-w",
	).Output()
	if err != nil {
		return nil, fmt.Errorf("keychain lookup %s/%s: %w", service, account, err)
	}
	return []byte(strings.TrimSpace(string(out))), nil
}

func keychainSet(service, account, value string) error {
	out, err := exec.Command(
		"security", "add-generic-password",
		"-U",
		"-s", service,
		"-a", account,
		"-w", value,
	).CombinedOutput()
	if err != nil {
		return fmt.Errorf("keychain write %s/%s: %w, output: %s", service, account, err, strings.TrimSpace(string(out)))
	}
	return nil
}
