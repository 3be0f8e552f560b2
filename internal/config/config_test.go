package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/scrape-gateway/internal/failover"
	"github.com/JakeFAU/scrape-gateway/internal/gateway"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Gateway.RotationStrategy != string(gateway.RoundRobin) {
		t.Fatalf("expected round-robin, got %q", cfg.Gateway.RotationStrategy)
	}
	if cfg.Gateway.BanDuration != 5*time.Minute || cfg.Gateway.Timeout != 30*time.Second || cfg.Gateway.RetryAttempts != 3 {
		t.Fatalf("unexpected gateway defaults: %+v", cfg.Gateway)
	}
	if cfg.Failover.Enabled || cfg.Failover.Cooldown != 10*time.Minute || cfg.Failover.Max403BeforeFailover != 3 {
		t.Fatalf("unexpected failover defaults: %+v", cfg.Failover)
	}
	if cfg.Failover.FlyAPIURL != failover.DefaultFlyAPIURL {
		t.Fatalf("expected fly api url %q, got %q", failover.DefaultFlyAPIURL, cfg.Failover.FlyAPIURL)
	}
	if got := strings.Join(cfg.Failover.Regions, ","); got != "cdg,fra,ams,lhr" {
		t.Fatalf("unexpected failover regions %q", got)
	}
	if cfg.Worker.CheckInterval != time.Minute || cfg.Worker.CookieRefreshInterval != 30*time.Minute ||
		cfg.Worker.ForbiddenWait != 5*time.Minute || cfg.Worker.MaxImmediateRetries != 3 {
		t.Fatalf("unexpected worker defaults: %+v", cfg.Worker)
	}
	if cfg.Credentials.RefreshWait != 2*time.Minute || !cfg.Credentials.UsesStore(StoreMemory) {
		t.Fatalf("unexpected credential defaults: %+v", cfg.Credentials)
	}
	if cfg.Enrich.Concurrency != 5 || cfg.Enrich.BackoffInitial != 500*time.Millisecond || cfg.Enrich.CacheSize != 1000 {
		t.Fatalf("unexpected enrich defaults: %+v", cfg.Enrich)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
gateway:
  rotation_strategy: health-based
  ban_duration: 90s
  retry_attempts: 4
  regions: [cdg, fra]
  endpoint_template: "https://scraper-{region}.internal/scrape"
  nodes:
    - id: static-1
      region: ams
      endpoint: http://10.0.0.5:3000/scrape
failover:
  enabled: true
  app: scraper-eu
  fly_token: token
  fallback_apps: [scraper-eu, scraper-us]
worker:
  schedule: "*/2 * * * *"
  forbidden_wait: 1m
credentials:
  generator: browser
  stores: [postgres_settings, redis, local]
  local_path: /tmp/cookies.json
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	settings := cfg.Gateway.Settings()
	if settings.Strategy != gateway.HealthBased || settings.BanDuration != 90*time.Second || settings.RetryAttempts != 4 {
		t.Fatalf("unexpected gateway settings: %+v", settings)
	}
	specs, err := cfg.Gateway.NodeSpecs()
	if err != nil {
		t.Fatalf("NodeSpecs() error = %v", err)
	}
	if len(specs) != 3 || specs[0].ID != "static-1" || specs[2].Endpoint != "https://scraper-fra.internal/scrape" {
		t.Fatalf("unexpected node specs: %+v", specs)
	}
	if !cfg.Failover.Enabled || len(cfg.Failover.FallbackApps) != 2 {
		t.Fatalf("expected failover overrides: %+v", cfg.Failover)
	}
	if cfg.Worker.Schedule != "*/2 * * * *" || cfg.Worker.ForbiddenWait != time.Minute {
		t.Fatalf("expected worker overrides: %+v", cfg.Worker)
	}
	if !cfg.Credentials.UsesStore(StoreRedis) || cfg.Credentials.UsesStore(StoreMemory) {
		t.Fatalf("expected store list override: %v", cfg.Credentials.Stores)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SCRAPEGW_GATEWAY_RETRY_ATTEMPTS", "6")
	t.Setenv("SCRAPEGW_WORKER_CHECK_INTERVAL", "2m30s")
	t.Setenv("SCRAPEGW_FAILOVER_REGIONS", "waw,mad")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Gateway.RetryAttempts != 6 {
		t.Fatalf("expected retry attempts 6, got %d", cfg.Gateway.RetryAttempts)
	}
	if cfg.Worker.CheckInterval != 150*time.Second {
		t.Fatalf("expected 2m30s, got %v", cfg.Worker.CheckInterval)
	}
	if got := strings.Join(cfg.Failover.Regions, ","); got != "waw,mad" {
		t.Fatalf("expected env regions, got %q", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "auth missing api key", mutate: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
		{name: "unknown strategy", mutate: func(c *Config) { c.Gateway.RotationStrategy = "sticky" }, want: "gateway"},
		{name: "zero retries", mutate: func(c *Config) { c.Gateway.RetryAttempts = 0 }, want: "retry attempts"},
		{
			name: "regions without template",
			mutate: func(c *Config) {
				c.Gateway.Regions = []string{"cdg"}
				c.Gateway.EndpointTemplate = "https://static"
			},
			want: "gateway.endpoint_template",
		},
		{name: "failover without app", mutate: func(c *Config) { c.Failover.Enabled = true }, want: "failover.app"},
		{name: "no interval", mutate: func(c *Config) { c.Worker.CheckInterval = 0 }, want: "worker.check_interval"},
		{name: "bad generator", mutate: func(c *Config) { c.Credentials.Generator = "extension" }, want: "credentials.generator"},
		{name: "unknown store", mutate: func(c *Config) { c.Credentials.Stores = []string{"s3"} }, want: "unknown store"},
		{name: "no enrich concurrency", mutate: func(c *Config) { c.Enrich.Concurrency = 0 }, want: "enrich.concurrency"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
