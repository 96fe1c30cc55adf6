package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

type mockBackend struct {
	data map[string]any
	err  error
}

func newMockBackend(kv map[string]any) *mockBackend {
	if kv == nil {
		kv = make(map[string]any)
	}
	return &mockBackend{data: kv}
}

func (m *mockBackend) GetString(key string) (string, bool, error) {
	if m.err != nil {
		return "", false, m.err
	}
	v, ok := m.data[key]
	if !ok {
		return "", false, nil
	}
	s, _ := v.(string)
	return s, true, nil
}

func (m *mockBackend) GetInt(key string) (int, bool, error) {
	if m.err != nil {
		return 0, false, m.err
	}
	v, ok := m.data[key]
	if !ok {
		return 0, false, nil
	}
	i, _ := v.(int)
	return i, true, nil
}

func (m *mockBackend) SetString(key, val string) error {
	m.data[key] = val
	return nil
}

func (m *mockBackend) SetInt(key string, val int) error {
	m.data[key] = val
	return nil
}

func (m *mockBackend) Delete(key string) error {
	delete(m.data, key)
	return nil
}

type mockKeychain struct {
	values map[string]string
	getErr error
	setErr error
	sets   int
}

func (m *mockKeychain) Get(service, account string) (string, error) {
	if m.getErr != nil {
		return "", m.getErr
	}
	v, ok := m.values[service+"/"+account]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func (m *mockKeychain) Set(service, account, value string) error {
	if m.setErr != nil {
		return m.setErr
	}
	if m.values == nil {
		m.values = make(map[string]string)
	}
	m.values[service+"/"+account] = value
	m.sets++
	return nil
}

func TestDefaults(t *testing.T) {
	cfg, err := loadWith(newMockBackend(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Poll.Interval != 10*time.Second {
		t.Errorf("Poll.Interval = %s, want 10s", cfg.Poll.Interval)
	}
	if cfg.Poll.Concurrency != 4 {
		t.Errorf("Poll.Concurrency = %d, want 4", cfg.Poll.Concurrency)
	}
	if cfg.Roster.Interval != 24*time.Hour {
		t.Errorf("Roster.Interval = %s, want 24h", cfg.Roster.Interval)
	}
	if cfg.Credentials.RefreshInterval != 114*time.Minute {
		t.Errorf("Credentials.RefreshInterval = %s, want 1h54m", cfg.Credentials.RefreshInterval)
	}
	if cfg.Credentials.RetryDelay != 5*time.Minute {
		t.Errorf("Credentials.RetryDelay = %s, want 5m", cfg.Credentials.RetryDelay)
	}
	if cfg.Credentials.MaxRetryDelay != time.Hour {
		t.Errorf("Credentials.MaxRetryDelay = %s, want 1h", cfg.Credentials.MaxRetryDelay)
	}
	if cfg.Credentials.MaxFailures != 3 {
		t.Errorf("Credentials.MaxFailures = %d, want 3", cfg.Credentials.MaxFailures)
	}
	if cfg.Halo.GatewayURL == "" || cfg.Halo.RefreshURL == "" || cfg.Halo.ValidateURL == "" {
		t.Errorf("Halo endpoints not defaulted: %+v", cfg.Halo)
	}
	if !strings.HasPrefix(cfg.Links.Dir, cfg.Storage.DataDir) {
		t.Errorf("Links.Dir = %q, want under %q", cfg.Links.Dir, cfg.Storage.DataDir)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
}

func TestBackendValues(t *testing.T) {
	b := newMockBackend(map[string]any{
		"server.port":              5000,
		"storage.data_dir":         "/tmp/halowatch-test",
		"poll.interval":            "30s",
		"credentials.max_failures": 5,
		"events.webhook_url":       "http://hooks.local/halo",
	})

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Storage.DataDir != "/tmp/halowatch-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Poll.Interval != 30*time.Second {
		t.Errorf("Poll.Interval = %s, want 30s", cfg.Poll.Interval)
	}
	if cfg.Credentials.MaxFailures != 5 {
		t.Errorf("Credentials.MaxFailures = %d, want 5", cfg.Credentials.MaxFailures)
	}
	if cfg.Events.WebhookURL != "http://hooks.local/halo" {
		t.Errorf("Events.WebhookURL = %q", cfg.Events.WebhookURL)
	}
}

func TestInvalidDurationKeepsDefault(t *testing.T) {
	cfg, err := loadWith(newMockBackend(map[string]any{"poll.interval": "soon"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Poll.Interval != 10*time.Second {
		t.Errorf("Poll.Interval = %s, want default 10s", cfg.Poll.Interval)
	}
}

func TestEnvOverride(t *testing.T) {
	b := newMockBackend(map[string]any{"server.port": 5000, "poll.interval": "30s"})
	t.Setenv("HALOWATCH_SERVER_PORT", "6000")
	t.Setenv("HALOWATCH_POLL_INTERVAL", "1m")
	t.Setenv("HALOWATCH_LOG_LEVEL", "debug")

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.Poll.Interval != time.Minute {
		t.Errorf("Poll.Interval = %s, want 1m", cfg.Poll.Interval)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
}

func TestInvalidEnvIgnored(t *testing.T) {
	t.Setenv("HALOWATCH_SERVER_PORT", "not-a-number")

	cfg, err := loadWith(newMockBackend(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want default 4100", cfg.Server.Port)
	}
}

func TestValidationRejectsBadValues(t *testing.T) {
	cases := map[string]map[string]any{
		"port":                     {"server.port": 70000},
		"concurrency":              {"poll.concurrency": 0},
		"max failures":             {"credentials.max_failures": -1},
		"max failures above limit": {"credentials.max_failures": 1000},
		"retry cap below delay":    {"credentials.retry_delay": "10m", "credentials.max_retry_delay": "1m"},
		"interval":                 {"poll.interval": "-5s"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := loadWith(newMockBackend(kv)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestBackendErrorPropagates(t *testing.T) {
	b := newMockBackend(nil)
	b.err = errors.New("defaults unavailable")
	if _, err := loadWith(b); err == nil {
		t.Fatal("expected error from backend")
	}
}

func TestSetKey(t *testing.T) {
	b := newMockBackend(nil)

	if err := setKey(b, "poll.concurrency", "8"); err != nil {
		t.Fatalf("setKey int: %v", err)
	}
	if b.data["poll.concurrency"] != 8 {
		t.Errorf("poll.concurrency = %v, want 8", b.data["poll.concurrency"])
	}
	if err := setKey(b, "roster.interval", "12h"); err != nil {
		t.Fatalf("setKey duration: %v", err)
	}
	if b.data["roster.interval"] != "12h" {
		t.Errorf("roster.interval = %v", b.data["roster.interval"])
	}
	if err := setKey(b, "roster.interval", "daily"); err == nil {
		t.Error("expected error for invalid duration")
	}
	if err := setKey(b, "poll.concurrency", "many"); err == nil {
		t.Error("expected error for invalid integer")
	}
	if err := setKey(b, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestShowAllCoversEveryKey(t *testing.T) {
	cfg := defaults()
	infos := ShowAll(cfg)
	if len(infos) != len(ValidKeys()) {
		t.Fatalf("ShowAll returned %d entries, want %d", len(infos), len(ValidKeys()))
	}
	for _, info := range infos {
		if info.Key == "credentials.refresh_interval" && info.Value != "1h54m0s" {
			t.Errorf("refresh_interval shown as %q", info.Value)
		}
		if !strings.HasPrefix(info.EnvVar, "HALOWATCH_") {
			t.Errorf("%s env var = %q", info.Key, info.EnvVar)
		}
	}
}

func TestGetAPITokenFromEnv(t *testing.T) {
	t.Setenv("HALOWATCH_API_TOKEN", "env-token")
	kc := &mockKeychain{}

	tok, err := GetAPIToken(kc)
	if err != nil {
		t.Fatalf("GetAPIToken: %v", err)
	}
	if tok != "env-token" {
		t.Errorf("token = %q, want env-token", tok)
	}
	if kc.sets != 0 {
		t.Error("keychain written despite env token")
	}
}

func TestGetAPITokenFromKeychain(t *testing.T) {
	t.Setenv("HALOWATCH_API_TOKEN", "")
	kc := &mockKeychain{values: map[string]string{"halowatch/api_token": "stored"}}

	tok, err := GetAPIToken(kc)
	if err != nil {
		t.Fatalf("GetAPIToken: %v", err)
	}
	if tok != "stored" {
		t.Errorf("token = %q, want stored", tok)
	}
}

func TestGetAPITokenGeneratesOnce(t *testing.T) {
	t.Setenv("HALOWATCH_API_TOKEN", "")
	kc := &mockKeychain{}

	first, err := GetAPIToken(kc)
	if err != nil {
		t.Fatalf("GetAPIToken: %v", err)
	}
	if first == "" {
		t.Fatal("empty generated token")
	}
	second, err := GetAPIToken(kc)
	if err != nil {
		t.Fatalf("GetAPIToken: %v", err)
	}
	if first != second {
		t.Errorf("token changed between calls: %q then %q", first, second)
	}
	if kc.sets != 1 {
		t.Errorf("keychain writes = %d, want 1", kc.sets)
	}
}

func TestGetAPITokenStoreFailure(t *testing.T) {
	t.Setenv("HALOWATCH_API_TOKEN", "")
	kc := &mockKeychain{setErr: errors.New("locked")}

	if _, err := GetAPIToken(kc); err == nil {
		t.Fatal("expected error when token cannot be stored")
	}
}

func TestUnsetKeyRestoresDefault(t *testing.T) {
	b := newMockBackend(map[string]any{"poll.interval": "45s"})

	if err := unsetKey(b, "poll.interval"); err != nil {
		t.Fatalf("unsetKey: %v", err)
	}
	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Poll.Interval != 10*time.Second {
		t.Errorf("Poll.Interval = %s, want default 10s", cfg.Poll.Interval)
	}
	if err := unsetKey(b, "no.such.key"); err == nil {
		t.Error("expected error for unknown key")
	}
}
