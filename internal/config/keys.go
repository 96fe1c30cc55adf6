package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "HALOWATCH_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "HALOWATCH_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "halo.gateway_url", typ: kString, env: "HALOWATCH_HALO_GATEWAY_URL",
		apply:   func(cfg *Config, v any) { cfg.Halo.GatewayURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Halo.GatewayURL },
	},
	{
		key: "halo.refresh_url", typ: kString, env: "HALOWATCH_HALO_REFRESH_URL",
		apply:   func(cfg *Config, v any) { cfg.Halo.RefreshURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Halo.RefreshURL },
	},
	{
		key: "halo.validate_url", typ: kString, env: "HALOWATCH_HALO_VALIDATE_URL",
		apply:   func(cfg *Config, v any) { cfg.Halo.ValidateURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Halo.ValidateURL },
	},
	{
		key: "poll.interval", typ: kDuration, env: "HALOWATCH_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Poll.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Poll.Interval },
	},
	{
		key: "poll.concurrency", typ: kInt, env: "HALOWATCH_POLL_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Poll.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Poll.Concurrency },
	},
	{
		key: "roster.interval", typ: kDuration, env: "HALOWATCH_ROSTER_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Roster.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Roster.Interval },
	},
	{
		key: "credentials.refresh_interval", typ: kDuration, env: "HALOWATCH_CREDENTIALS_REFRESH_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Credentials.RefreshInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Credentials.RefreshInterval },
	},
	{
		key: "credentials.retry_delay", typ: kDuration, env: "HALOWATCH_CREDENTIALS_RETRY_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Credentials.RetryDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Credentials.RetryDelay },
	},
	{
		key: "credentials.max_retry_delay", typ: kDuration, env: "HALOWATCH_CREDENTIALS_MAX_RETRY_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Credentials.MaxRetryDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Credentials.MaxRetryDelay },
	},
	{
		key: "credentials.max_failures", typ: kInt, env: "HALOWATCH_CREDENTIALS_MAX_FAILURES",
		apply:   func(cfg *Config, v any) { cfg.Credentials.MaxFailures = v.(int) },
		extract: func(cfg Config) any { return cfg.Credentials.MaxFailures },
	},
	{
		key: "events.webhook_url", typ: kString, env: "HALOWATCH_EVENTS_WEBHOOK_URL",
		apply:   func(cfg *Config, v any) { cfg.Events.WebhookURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Events.WebhookURL },
	},
	{
		key: "links.dir", typ: kString, env: "HALOWATCH_LINKS_DIR",
		apply:   func(cfg *Config, v any) { cfg.Links.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Links.Dir },
	},
	{
		key: "log.level", typ: kString, env: "HALOWATCH_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := time.ParseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
