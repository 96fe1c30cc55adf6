//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultsDomain = "edu.halowatch.app"

func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", "halowatch")
	}
	return "halowatch-data"
}

// darwinBackend stores keys in UserDefaults through the defaults CLI.
type darwinBackend struct {
	domain string
}

func newPlatformBackend() ConfigBackend {
	return &darwinBackend{domain: defaultsDomain}
}

// defaults runs the defaults CLI. A missing key or domain exits 1, which is
// reported as found == false.
func (b *darwinBackend) defaults(args ...string) (out string, found bool, err error) {
	raw, err := exec.Command("defaults", args...).CombinedOutput()
	out = strings.TrimSpace(string(raw))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", false, nil
		}
		return "", false, fmt.Errorf("defaults %s: %w, output: %s", args[0], err, out)
	}
	return out, true, nil
}

func (b *darwinBackend) GetString(key string) (string, bool, error) {
	return b.defaults("read", b.domain, key)
}

func (b *darwinBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.GetString(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return i, true, nil
}

func (b *darwinBackend) SetString(key, val string) error {
	_, _, err := b.defaults("write", b.domain, key, "-string", val)
	return err
}

func (b *darwinBackend) SetInt(key string, val int) error {
	_, _, err := b.defaults("write", b.domain, key, "-int", strconv.Itoa(val))
	return err
}

func (b *darwinBackend) Delete(key string) error {
	_, _, err := b.defaults("delete", b.domain, key)
	return err
}
