// Package config loads and validates gateway and worker configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/scrape-gateway/internal/failover"
	"github.com/JakeFAU/scrape-gateway/internal/gateway"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
	Gateway     GatewayConfig     `mapstructure:"gateway"`
	Failover    FailoverConfig    `mapstructure:"failover"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Marketplace MarketplaceConfig `mapstructure:"marketplace"`
	Enrich      EnrichConfig      `mapstructure:"enrich"`
	DB          DBConfig          `mapstructure:"db"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Storage     StorageConfig     `mapstructure:"storage"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig names the service in traces.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
}

// GatewayConfig describes the scraper cluster and its routing policy.
type GatewayConfig struct {
	RotationStrategy string             `mapstructure:"rotation_strategy"`
	BanDuration      time.Duration      `mapstructure:"ban_duration"`
	Timeout          time.Duration      `mapstructure:"timeout"`
	RetryAttempts    int                `mapstructure:"retry_attempts"`
	Regions          []string           `mapstructure:"regions"`
	EndpointTemplate string             `mapstructure:"endpoint_template"`
	Nodes            []gateway.NodeSpec `mapstructure:"nodes"`
}

// FailoverConfig governs 403 escalation and the Fly.io machines it drives.
type FailoverConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	App                  string        `mapstructure:"app"`
	Region               string        `mapstructure:"region"`
	Machine              string        `mapstructure:"machine"`
	Cooldown             time.Duration `mapstructure:"cooldown"`
	Max403BeforeFailover int           `mapstructure:"max_403_before_failover"`
	SettleDelay          time.Duration `mapstructure:"settle_delay"`
	Regions              []string      `mapstructure:"regions"`
	FallbackApps         []string      `mapstructure:"fallback_apps"`
	FlyAPIURL            string        `mapstructure:"fly_api_url"`
	FlyToken             string        `mapstructure:"fly_token"`
	Image                string        `mapstructure:"image"`
}

// WorkerConfig sets the alert loop cadence and recovery delays.
type WorkerConfig struct {
	Schedule              string        `mapstructure:"schedule"`
	CheckInterval         time.Duration `mapstructure:"check_interval"`
	CookieRefreshInterval time.Duration `mapstructure:"cookie_refresh_interval"`
	ForbiddenWait         time.Duration `mapstructure:"forbidden_wait"`
	StabilizeDelay        time.Duration `mapstructure:"stabilize_delay"`
	MaxImmediateRetries   int           `mapstructure:"max_immediate_retries"`
	ImmediateRetryWindow  time.Duration `mapstructure:"immediate_retry_window"`
}

// CredentialsConfig selects the cookie generator and the stores it persists to.
type CredentialsConfig struct {
	Generator   string        `mapstructure:"generator"`
	HomeURL     string        `mapstructure:"home_url"`
	UserAgent   string        `mapstructure:"user_agent"`
	RefreshWait time.Duration `mapstructure:"refresh_wait"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	Stores      []string      `mapstructure:"stores"`
	SettingsKey string        `mapstructure:"settings_key"`
	WorkerID    string        `mapstructure:"worker_id"`
	LocalPath   string        `mapstructure:"local_path"`
}

// MarketplaceConfig points the alert checker at the marketplace search API.
type MarketplaceConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	SearchPath  string        `mapstructure:"search_path"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Concurrency int           `mapstructure:"concurrency"`
}

// EnrichConfig tunes the listing enrichment pipeline.
type EnrichConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	CacheSize      int           `mapstructure:"cache_size"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig locates the Redis credential store.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Key      string        `mapstructure:"key"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// StorageConfig sets the GCS object holding the credential.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSObject string `mapstructure:"gcs_object"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID   string `mapstructure:"project_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

// Credential store names accepted in credentials.stores.
const (
	StoreMemory   = "memory"
	StoreSettings = "postgres_settings"
	StoreSession  = "postgres_session"
	StoreRedis    = "redis"
	StoreGCS      = "gcs"
	StoreLocal    = "local"
)

var knownStores = []string{StoreMemory, StoreSettings, StoreSession, StoreRedis, StoreGCS, StoreLocal}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPEGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 2*time.Minute)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "scrapegw")

	v.SetDefault("gateway.rotation_strategy", string(gateway.RoundRobin))
	v.SetDefault("gateway.ban_duration", 5*time.Minute)
	v.SetDefault("gateway.timeout", 30*time.Second)
	v.SetDefault("gateway.retry_attempts", 3)
	v.SetDefault("gateway.regions", []string{})
	v.SetDefault("gateway.endpoint_template", "")

	v.SetDefault("failover.enabled", false)
	v.SetDefault("failover.cooldown", 10*time.Minute)
	v.SetDefault("failover.max_403_before_failover", 3)
	v.SetDefault("failover.settle_delay", 30*time.Second)
	v.SetDefault("failover.regions", []string{"cdg", "fra", "ams", "lhr"})
	v.SetDefault("failover.fallback_apps", []string{})
	v.SetDefault("failover.fly_api_url", failover.DefaultFlyAPIURL)

	v.SetDefault("worker.check_interval", 60*time.Second)
	v.SetDefault("worker.cookie_refresh_interval", 30*time.Minute)
	v.SetDefault("worker.forbidden_wait", 5*time.Minute)
	v.SetDefault("worker.stabilize_delay", 10*time.Second)
	v.SetDefault("worker.max_immediate_retries", 3)
	v.SetDefault("worker.immediate_retry_window", 30*time.Minute)

	v.SetDefault("credentials.generator", "http")
	v.SetDefault("credentials.refresh_wait", 2*time.Minute)
	v.SetDefault("credentials.stores", []string{StoreMemory})
	v.SetDefault("credentials.worker_id", "alerts-worker")

	v.SetDefault("marketplace.search_path", "/api/v1/search")
	v.SetDefault("marketplace.timeout", 20*time.Second)
	v.SetDefault("marketplace.concurrency", 3)

	v.SetDefault("enrich.concurrency", 5)
	v.SetDefault("enrich.max_attempts", 4)
	v.SetDefault("enrich.backoff_initial", 500*time.Millisecond)
	v.SetDefault("enrich.backoff_max", 8*time.Second)
	v.SetDefault("enrich.rate_limit_rps", 2.0)
	v.SetDefault("enrich.rate_limit_burst", 2)
	v.SetDefault("enrich.cache_size", 1000)
	v.SetDefault("enrich.timeout", 20*time.Second)

	v.SetDefault("db.max_conns", 5)
	v.SetDefault("storage.gcs_object", "credentials/marketplace.json")
	v.SetDefault("pubsub.topic_prefix", "scrapegw")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	if err := c.Gateway.Settings().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("gateway: %w", err))
	}
	if len(c.Gateway.Regions) > 0 && !strings.Contains(c.Gateway.EndpointTemplate, "{region}") {
		errs = append(errs, errors.New("gateway.endpoint_template must contain {region} when gateway.regions is set"))
	}
	if c.Failover.Enabled {
		if c.Failover.App == "" {
			errs = append(errs, errors.New("failover.app is required when failover is enabled"))
		}
		if c.Failover.FlyToken == "" {
			errs = append(errs, errors.New("failover.fly_token is required when failover is enabled"))
		}
		if c.Failover.Max403BeforeFailover <= 0 {
			errs = append(errs, errors.New("failover.max_403_before_failover must be > 0"))
		}
	}
	if c.Worker.Schedule == "" && c.Worker.CheckInterval <= 0 {
		errs = append(errs, errors.New("worker.check_interval must be > 0 when no schedule is set"))
	}
	if c.Worker.MaxImmediateRetries < 0 {
		errs = append(errs, errors.New("worker.max_immediate_retries must be >= 0"))
	}
	switch c.Credentials.Generator {
	case "http", "browser":
	default:
		errs = append(errs, fmt.Errorf("credentials.generator must be http or browser, got %q", c.Credentials.Generator))
	}
	for _, s := range c.Credentials.Stores {
		if !slices.Contains(knownStores, s) {
			errs = append(errs, fmt.Errorf("credentials.stores: unknown store %q", s))
		}
	}
	if c.Enrich.Concurrency <= 0 {
		errs = append(errs, errors.New("enrich.concurrency must be > 0"))
	}
	if c.Enrich.MaxAttempts <= 0 {
		errs = append(errs, errors.New("enrich.max_attempts must be > 0"))
	}
	return errors.Join(errs...)
}

// Settings converts the gateway section into router settings.
func (g GatewayConfig) Settings() gateway.Settings {
	return gateway.Settings{
		Strategy:      gateway.Strategy(g.RotationStrategy),
		BanDuration:   g.BanDuration,
		Timeout:       g.Timeout,
		RetryAttempts: g.RetryAttempts,
	}
}

// NodeSpecs merges explicit nodes with nodes derived from the region list.
func (g GatewayConfig) NodeSpecs() ([]gateway.NodeSpec, error) {
	derived, err := gateway.NodesFromRegions(g.Regions, g.EndpointTemplate)
	if err != nil {
		return nil, err
	}
	specs := make([]gateway.NodeSpec, 0, len(g.Nodes)+len(derived))
	specs = append(specs, g.Nodes...)
	return append(specs, derived...), nil
}

// UsesStore reports whether the named credential store is enabled.
func (c CredentialsConfig) UsesStore(name string) bool {
	return slices.Contains(c.Stores, name)
}
