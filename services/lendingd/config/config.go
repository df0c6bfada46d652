package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListen       = ":8090"
	defaultMetricsPath  = "/metrics"
	defaultTickInterval = time.Second
	defaultRedisPrefix  = "prices:"

	defaultRequestsPerMin = 600
	defaultBurst          = 60

	defaultScopeClaim = "scope"
	defaultWriteScope = "lending:write"
	defaultClockSkew  = 2 * time.Minute
)

// Price feed sources.
const (
	FeedStatic = "static"
	FeedRedis  = "redis"
)

// Config captures the runtime settings for the money-market daemon.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	DataDir       string          `yaml:"data_dir"`
	MarketBook    string          `yaml:"market_book"`
	MetricsPath   string          `yaml:"metrics_path"`
	TickInterval  time.Duration   `yaml:"tick_interval"`
	EventBuffer   int             `yaml:"event_buffer"`
	PriceFeed     PriceFeedConfig `yaml:"price_feed"`
	TLS           TLSConfig       `yaml:"tls"`
	Auth          AuthConfig      `yaml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Webhook       WebhookConfig   `yaml:"webhook"`
	// PausedModules halts the named modules at startup.
	PausedModules []string `yaml:"paused_modules"`
}

// PriceFeedConfig selects where USD prices come from.
type PriceFeedConfig struct {
	Source string      `yaml:"source"`
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig locates prices published by an external oracle process.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	Timeout   time.Duration `yaml:"timeout"`
	MaxAge    time.Duration `yaml:"max_age"`
}

// TLSConfig describes the TLS material for the HTTP gateway.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// RateLimitConfig bounds mutating requests per client.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// WebhookConfig forwards committed events to an indexer. Disabled when URL
// is empty.
type WebhookConfig struct {
	URL         string `yaml:"url"`
	Secret      string `yaml:"secret"`
	MaxAttempts int    `yaml:"max_attempts"`
	QueueSize   int    `yaml:"queue_size"`
}

// Enabled reports whether event forwarding is configured.
func (cfg WebhookConfig) Enabled() bool {
	return cfg.URL != ""
}

// AuthConfig configures HMAC-signed JWT authentication on mutating routes.
// The token's sub claim names the account it may act for.
type AuthConfig struct {
	Enabled    bool   `yaml:"enabled"`
	HMACSecret string `yaml:"hmac_secret"`
	// HMACSecretEnv names an environment variable holding the secret. A
	// non-empty variable takes precedence over hmac_secret.
	HMACSecretEnv string        `yaml:"hmac_secret_env"`
	Issuer        string        `yaml:"issuer"`
	Audience      string        `yaml:"audience"`
	ScopeClaim    string        `yaml:"scope_claim"`
	WriteScope    string        `yaml:"write_scope"`
	AdminScope    string        `yaml:"admin_scope"`
	ClockSkew     time.Duration `yaml:"clock_skew"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: defaultListen,
	}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	cfg.MarketBook = strings.TrimSpace(cfg.MarketBook)
	cfg.MetricsPath = strings.TrimSpace(cfg.MetricsPath)
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = defaultMetricsPath
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 1024
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = defaultRequestsPerMin
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaultBurst
	}
	cfg.PriceFeed.normalize()
	cfg.Webhook.URL = strings.TrimSpace(cfg.Webhook.URL)
	cfg.TLS.normalize()
	cfg.Auth.normalize()
	paused := cfg.PausedModules[:0]
	for _, module := range cfg.PausedModules {
		if trimmed := strings.TrimSpace(module); trimmed != "" {
			paused = append(paused, trimmed)
		}
	}
	cfg.PausedModules = paused
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if cfg.MarketBook == "" {
		return fmt.Errorf("market_book is required")
	}
	if !strings.HasPrefix(cfg.MetricsPath, "/") {
		return fmt.Errorf("metrics_path must start with /")
	}
	if err := cfg.PriceFeed.validate(); err != nil {
		return fmt.Errorf("price_feed: %w", err)
	}
	if err := cfg.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if cfg.Webhook.Enabled() && cfg.Webhook.Secret == "" {
		return fmt.Errorf("webhook: secret is required when url is set")
	}
	if cfg.Webhook.MaxAttempts < 0 || cfg.Webhook.QueueSize < 0 {
		return fmt.Errorf("webhook: max_attempts and queue_size must not be negative")
	}
	if err := cfg.Auth.validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	return nil
}

func (cfg *PriceFeedConfig) normalize() {
	cfg.Source = strings.ToLower(strings.TrimSpace(cfg.Source))
	if cfg.Source == "" {
		cfg.Source = FeedStatic
	}
	cfg.Redis.Addr = strings.TrimSpace(cfg.Redis.Addr)
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = defaultRedisPrefix
	}
	if cfg.Redis.Timeout <= 0 {
		cfg.Redis.Timeout = 500 * time.Millisecond
	}
}

func (cfg PriceFeedConfig) validate() error {
	switch cfg.Source {
	case FeedStatic:
		return nil
	case FeedRedis:
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis source")
		}
		if cfg.Redis.DB < 0 {
			return fmt.Errorf("redis.db must not be negative")
		}
		if cfg.Redis.MaxAge < 0 {
			return fmt.Errorf("redis.max_age must not be negative")
		}
		return nil
	default:
		return fmt.Errorf("unknown source %q", cfg.Source)
	}
}

func (cfg *TLSConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.CertPath = strings.TrimSpace(cfg.CertPath)
	cfg.KeyPath = strings.TrimSpace(cfg.KeyPath)
}

func (cfg TLSConfig) validate() error {
	hasCert := cfg.CertPath != ""
	hasKey := cfg.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("cert and key must either both be provided or both be empty")
	}
	if !cfg.AllowInsecure && !hasCert {
		return fmt.Errorf("cert and key are required unless allow_insecure=true")
	}
	return nil
}

// Enabled reports whether the gateway should serve TLS.
func (cfg TLSConfig) Enabled() bool {
	return cfg.CertPath != "" && cfg.KeyPath != ""
}

func (cfg *AuthConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.HMACSecretEnv = strings.TrimSpace(cfg.HMACSecretEnv)
	if cfg.HMACSecretEnv != "" {
		if secret := strings.TrimSpace(os.Getenv(cfg.HMACSecretEnv)); secret != "" {
			cfg.HMACSecret = secret
		}
	}
	cfg.HMACSecret = strings.TrimSpace(cfg.HMACSecret)
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)
	cfg.Audience = strings.TrimSpace(cfg.Audience)
	cfg.ScopeClaim = strings.TrimSpace(cfg.ScopeClaim)
	if cfg.ScopeClaim == "" {
		cfg.ScopeClaim = defaultScopeClaim
	}
	cfg.WriteScope = strings.TrimSpace(cfg.WriteScope)
	if cfg.WriteScope == "" {
		cfg.WriteScope = defaultWriteScope
	}
	cfg.AdminScope = strings.TrimSpace(cfg.AdminScope)
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = defaultClockSkew
	}
}

func (cfg AuthConfig) validate() error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.HMACSecret == "" {
		return fmt.Errorf("hmac_secret or hmac_secret_env is required when enabled")
	}
	if cfg.AdminScope != "" && cfg.AdminScope == cfg.WriteScope {
		return fmt.Errorf("admin_scope must differ from write_scope")
	}
	return nil
}
