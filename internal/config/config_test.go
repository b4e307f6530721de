package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/liamcoop/automations/rules"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadWithViper(viper.New())
	if err != nil {
		t.Fatalf("LoadWithViper() failed: %v", err)
	}
	if cfg.Port != "8080" || cfg.DispatchConcurrency != 32 || cfg.EventBacklog != 1024 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.RetryBaseDelay != 200*time.Millisecond || cfg.RetryMaxDelay != 30*time.Second {
		t.Errorf("retry delays = %v / %v", cfg.RetryBaseDelay, cfg.RetryMaxDelay)
	}
	if cfg.LeaseMargin != 30*time.Second {
		t.Errorf("LeaseMargin = %v, want 30s", cfg.LeaseMargin)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DISPATCH_CONCURRENCY", "4")
	t.Setenv("RETRY_BASE_DELAY", "1s")
	t.Setenv("WEBHOOK_BASE_URL", "https://hooks.internal")

	cfg, err := LoadWithViper(viper.New())
	if err != nil {
		t.Fatalf("LoadWithViper() failed: %v", err)
	}
	if cfg.Port != "9090" || cfg.DispatchConcurrency != 4 || cfg.RetryBaseDelay != time.Second {
		t.Errorf("env not applied: %+v", cfg)
	}
	if cfg.WebhookBaseURL != "https://hooks.internal" {
		t.Errorf("WebhookBaseURL = %q", cfg.WebhookBaseURL)
	}
}

func TestConfigFileBelowEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "automations.yaml")
	content := "port: \"7070\"\nevent_backlog: 16\ncatalog_path: /etc/rules.yaml\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	t.Setenv("AUTOMATIONS_CONFIG", path)
	t.Setenv("EVENT_BACKLOG", "64")

	cfg, err := LoadWithViper(viper.New())
	if err != nil {
		t.Fatalf("LoadWithViper() failed: %v", err)
	}
	if cfg.Port != "7070" || cfg.CatalogPath != "/etc/rules.yaml" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.EventBacklog != 64 {
		t.Errorf("EventBacklog = %d, want env value 64", cfg.EventBacklog)
	}
}

func TestInvalidValuesRejected(t *testing.T) {
	t.Setenv("DISPATCH_CONCURRENCY", "0")
	if _, err := LoadWithViper(viper.New()); err == nil {
		t.Error("expected error for zero concurrency")
	}
}

func TestRateLimits(t *testing.T) {
	cfg := &Config{ActionRateLimit: "WEBHOOK=20:40, send_email=0.5"}
	limits, err := cfg.RateLimits()
	if err != nil {
		t.Fatalf("RateLimits() failed: %v", err)
	}
	if got := limits[rules.ActionWebhook]; got.PerSecond != 20 || got.Burst != 40 {
		t.Errorf("WEBHOOK limit = %+v", got)
	}
	if got := limits[rules.ActionSendEmail]; got.PerSecond != 0.5 || got.Burst != 1 {
		t.Errorf("SEND_EMAIL limit = %+v", got)
	}

	for _, bad := range []string{"WEBHOOK", "WEBHOOK=fast", "WEBHOOK=1:0", "WEBHOOK=-1"} {
		if _, err := (&Config{ActionRateLimit: bad}).RateLimits(); err == nil {
			t.Errorf("RateLimits(%q) = nil error", bad)
		}
	}
}
