// Package config loads service configuration from defaults, an optional
// config file and environment variables, in increasing order of precedence.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/liamcoop/automations/rules"
)

// Config is the server configuration
type Config struct {
	DatabaseURL string `mapstructure:"database_url"`
	Port        string `mapstructure:"port"`
	RedisURL    string `mapstructure:"redis_url"`

	DispatchConcurrency     int           `mapstructure:"dispatch_concurrency"`
	EventBacklog            int           `mapstructure:"event_backlog"`
	RetryBaseDelay          time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay           time.Duration `mapstructure:"retry_max_delay"`
	LeaseMargin             time.Duration `mapstructure:"lease_margin"`
	SchedulerResyncInterval time.Duration `mapstructure:"scheduler_resync_interval"`
	DedupeSweepInterval     time.Duration `mapstructure:"dedupe_sweep_interval"`
	ShutdownTimeout         time.Duration `mapstructure:"shutdown_timeout"`

	WebhookBaseURL  string `mapstructure:"webhook_base_url"`
	NotificationURL string `mapstructure:"notification_url"`
	TasksURL        string `mapstructure:"tasks_url"`
	EntitiesURL     string `mapstructure:"entities_url"`

	CatalogPath  string        `mapstructure:"catalog_path"`
	RuleCacheTTL time.Duration `mapstructure:"rule_cache_ttl"`
	// ActionRateLimit is "TYPE=perSecond[:burst],..." e.g. "WEBHOOK=20:40,SEND_EMAIL=2"
	ActionRateLimit string `mapstructure:"action_rate_limit"`
}

// RateLimit is a token bucket for one action type
type RateLimit struct {
	PerSecond float64
	Burst     int
}

// keys doubles as the list of environment variables, upper-cased
var keys = []string{
	"database_url", "port", "redis_url",
	"dispatch_concurrency", "event_backlog", "retry_base_delay", "retry_max_delay",
	"lease_margin",
	"scheduler_resync_interval", "dedupe_sweep_interval", "shutdown_timeout",
	"webhook_base_url", "notification_url", "tasks_url", "entities_url",
	"catalog_path", "rule_cache_ttl", "action_rate_limit",
}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("dispatch_concurrency", 32)
	v.SetDefault("event_backlog", 1024)
	v.SetDefault("retry_base_delay", "200ms")
	v.SetDefault("retry_max_delay", "30s")
	v.SetDefault("lease_margin", "30s")
	v.SetDefault("scheduler_resync_interval", "30s")
	v.SetDefault("dedupe_sweep_interval", "10m")
	v.SetDefault("shutdown_timeout", "30s")
	v.SetDefault("rule_cache_ttl", "1m")
}

// Load reads configuration. AUTOMATIONS_CONFIG names an optional YAML, TOML or
// JSON file; environment variables override it.
func Load() (*Config, error) {
	return LoadWithViper(viper.New())
}

// LoadWithViper loads configuration into a caller-provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	for _, key := range keys {
		if err := v.BindEnv(key, strings.ToUpper(key)); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}
	if err := v.BindEnv("config_file", "AUTOMATIONS_CONFIG"); err != nil {
		return nil, fmt.Errorf("failed to bind config file: %w", err)
	}

	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the engine cannot run with
func (c *Config) Validate() error {
	if c.DispatchConcurrency <= 0 {
		return fmt.Errorf("DISPATCH_CONCURRENCY must be positive, got %d", c.DispatchConcurrency)
	}
	if c.EventBacklog <= 0 {
		return fmt.Errorf("EVENT_BACKLOG must be positive, got %d", c.EventBacklog)
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("retry delays must satisfy 0 < RETRY_BASE_DELAY <= RETRY_MAX_DELAY")
	}
	if c.LeaseMargin <= 0 {
		return fmt.Errorf("LEASE_MARGIN must be positive, got %s", c.LeaseMargin)
	}
	if _, err := c.RateLimits(); err != nil {
		return err
	}
	return nil
}

// RateLimits parses ActionRateLimit. Burst defaults to 1.
func (c *Config) RateLimits() (map[rules.ActionType]RateLimit, error) {
	out := make(map[rules.ActionType]RateLimit)
	if strings.TrimSpace(c.ActionRateLimit) == "" {
		return out, nil
	}

	for _, part := range strings.Split(c.ActionRateLimit, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, spec, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid ACTION_RATE_LIMIT entry %q: want TYPE=perSecond[:burst]", part)
		}
		rateStr, burstStr, hasBurst := strings.Cut(spec, ":")

		perSecond, err := strconv.ParseFloat(rateStr, 64)
		if err != nil || perSecond <= 0 {
			return nil, fmt.Errorf("invalid rate in ACTION_RATE_LIMIT entry %q", part)
		}
		burst := 1
		if hasBurst {
			if burst, err = strconv.Atoi(burstStr); err != nil || burst <= 0 {
				return nil, fmt.Errorf("invalid burst in ACTION_RATE_LIMIT entry %q", part)
			}
		}
		out[rules.ActionType(strings.ToUpper(strings.TrimSpace(name)))] = RateLimit{PerSecond: perSecond, Burst: burst}
	}
	return out, nil
}
