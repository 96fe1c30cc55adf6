package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/kalambet/halowatch/internal/credential"
	"github.com/kalambet/halowatch/internal/halo"
	"github.com/kalambet/halowatch/internal/poller"
)

// maxFailuresLimit bounds credentials.max_failures so a misconfigured
// threshold cannot keep a dead session in backoff for days.
const maxFailuresLimit = 20

type Config struct {
	Server      ServerConfig
	Storage     StorageConfig
	Halo        HaloConfig
	Poll        PollConfig
	Roster      RosterConfig
	Credentials CredentialsConfig
	Events      EventsConfig
	Links       LinksConfig
	Log         LogConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type HaloConfig struct {
	GatewayURL  string
	RefreshURL  string
	ValidateURL string
}

type PollConfig struct {
	Interval    time.Duration
	Concurrency int
}

type RosterConfig struct {
	Interval time.Duration
}

type CredentialsConfig struct {
	RefreshInterval time.Duration
	RetryDelay      time.Duration
	MaxRetryDelay   time.Duration
	MaxFailures     int
}

type EventsConfig struct {
	WebhookURL string
}

type LinksConfig struct {
	Dir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	endpoints := halo.DefaultEndpoints()
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Halo: HaloConfig{
			GatewayURL:  endpoints.Gateway,
			RefreshURL:  endpoints.Refresh,
			ValidateURL: endpoints.Validate,
		},
		Poll: PollConfig{
			Interval:    10 * time.Second,
			Concurrency: poller.DefaultConcurrency,
		},
		Roster: RosterConfig{
			Interval: 24 * time.Hour,
		},
		Credentials: CredentialsConfig{
			RefreshInterval: credential.DefaultRefreshInterval,
			RetryDelay:      credential.DefaultRetryDelay,
			MaxRetryDelay:   credential.DefaultMaxRetryDelay,
			MaxFailures:     credential.DefaultMaxFailures,
		},
		Links: LinksConfig{
			Dir: filepath.Join(dataDir, "links"),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Endpoints returns the configured upstream URLs.
func (c Config) Endpoints() halo.Endpoints {
	return halo.Endpoints{Gateway: c.Halo.GatewayURL, Refresh: c.Halo.RefreshURL, Validate: c.Halo.ValidateURL}
}

// Load reads configuration from the platform-native backend and environment
// variables.
//
// On macOS the backend is UserDefaults (domain: edu.halowatch.app).
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/halowatch/config.json.
//
// Environment variables (HALOWATCH_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir is empty"))
	}
	if c.Halo.GatewayURL == "" || c.Halo.RefreshURL == "" || c.Halo.ValidateURL == "" {
		errs = append(errs, errors.New("halo endpoint URLs must be set"))
	}
	for key, d := range map[string]time.Duration{
		"poll.interval":                c.Poll.Interval,
		"roster.interval":              c.Roster.Interval,
		"credentials.refresh_interval": c.Credentials.RefreshInterval,
		"credentials.retry_delay":      c.Credentials.RetryDelay,
		"credentials.max_retry_delay":  c.Credentials.MaxRetryDelay,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, d))
		}
	}
	if c.Poll.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("poll.concurrency must be at least 1, got %d", c.Poll.Concurrency))
	}
	if c.Credentials.MaxFailures < 1 || c.Credentials.MaxFailures > maxFailuresLimit {
		errs = append(errs, fmt.Errorf("credentials.max_failures must be between 1 and %d, got %d", maxFailuresLimit, c.Credentials.MaxFailures))
	}
	if c.Credentials.MaxRetryDelay < c.Credentials.RetryDelay {
		errs = append(errs, fmt.Errorf("credentials.max_retry_delay %s is below credentials.retry_delay %s",
			c.Credentials.MaxRetryDelay, c.Credentials.RetryDelay))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
