package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"wagate/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App           AppConfig        `yaml:"app"`
	Gateway       GatewayConfig    `yaml:"gateway"`
	Database      DatabaseConfig   `yaml:"database"`
	Redis         RedisConfig      `yaml:"redis"`
	Backup        BackupConfig     `yaml:"backup"`
	Monitoring    MonitoringConfig `yaml:"monitoring"`
	Logging       LoggingConfig    `yaml:"logging"`
	API           APIConfig        `yaml:"api"`
	Session       SessionConfig    `yaml:"session"`
	Dispatch      DispatchConfig   `yaml:"dispatch"`
	Sync          SyncConfig       `yaml:"sync"`
	Catalog       CatalogConfig    `yaml:"catalog"`
	Exports       ExportConfig     `yaml:"exports"`
	TemplatesPath string           `yaml:"templates_path"`
	Timezone      string           `yaml:"timezone"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type GatewayConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Issuer            string        `yaml:"issuer"`
	Audience          string        `yaml:"audience"`
	Timeout           time.Duration `yaml:"timeout"`
	TokenTimeout      time.Duration `yaml:"token_timeout"`
	TokenSafetyMargin time.Duration `yaml:"token_safety_margin"`
	RPS               float64       `yaml:"rps"`
	Burst             int           `yaml:"burst"`
	TokenCachePrefix  string        `yaml:"token_cache_prefix"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool {
	return r.Address != ""
}

type BackupConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	RetentionDays int           `yaml:"retention_days"`
	StoragePath   string        `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	GRPC      APIGRPCConfig      `yaml:"grpc"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIGRPCConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	HeaderExtra  string         `yaml:"header_extra"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
	// VendorID binds a vendor key to one vendor. Zero means any vendor.
	VendorID int64 `yaml:"vendor_id"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type SessionConfig struct {
	PairingTTL        time.Duration `yaml:"pairing_ttl"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	CheckInterval     time.Duration `yaml:"check_interval"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	MinCheckAge       time.Duration `yaml:"min_check_age"`
	TickBudget        time.Duration `yaml:"tick_budget"`
	MaxConcurrency    int           `yaml:"max_concurrency"`
	BatchSize         int           `yaml:"batch_size"`
}

// RetryConfig is the backoff policy shared by message and sync jobs.
type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	Jitter        bool          `yaml:"jitter"`
}

type DispatchConfig struct {
	Retry          RetryConfig   `yaml:"retry"`
	Interval       time.Duration `yaml:"interval"`
	TickBudget     time.Duration `yaml:"tick_budget"`
	BatchSize      int           `yaml:"batch_size"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	DeadLetterKey  string        `yaml:"dead_letter_key"`
}

type SyncConfig struct {
	Retry          RetryConfig   `yaml:"retry"`
	Interval       time.Duration `yaml:"interval"`
	TickBudget     time.Duration `yaml:"tick_budget"`
	BatchSize      int           `yaml:"batch_size"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	DeadLetterKey  string        `yaml:"dead_letter_key"`
}

type CatalogConfig struct {
	BaseURL  string        `yaml:"base_url"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

// Load reads the YAML config at configPath after expanding environment
// variables. A .env file in the working directory is loaded when present.
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Gateway.BaseURL == "" {
		return errors.New("gateway base_url is required")
	}
	if u, err := url.Parse(c.Gateway.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("gateway base_url %q is not an absolute URL", c.Gateway.BaseURL)
	}

	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	if c.Session.FailureThreshold < 2 {
		return errors.New("session failure_threshold must be at least 2")
	}

	for name, r := range map[string]RetryConfig{"dispatch": c.Dispatch.Retry, "sync": c.Sync.Retry} {
		if err := r.validate(); err != nil {
			return fmt.Errorf("%s retry: %w", name, err)
		}
	}

	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
		}
	}

	return nil
}

func (r RetryConfig) validate() error {
	if r.MaxAttempts < 1 {
		return errors.New("max_attempts must be at least 1")
	}
	if r.BackoffFactor < 1 {
		return errors.New("backoff_factor must be at least 1")
	}
	if r.MaxDelay < r.InitialDelay {
		return errors.New("max_delay must not be smaller than initial_delay")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "wagate"
	}

	if c.Gateway.Issuer == "" {
		c.Gateway.Issuer = c.App.Name
	}
	if c.Gateway.Audience == "" {
		c.Gateway.Audience = c.Gateway.BaseURL
	}
	if c.Gateway.Timeout == 0 {
		c.Gateway.Timeout = 10 * time.Second
	}
	if c.Gateway.TokenTimeout == 0 {
		c.Gateway.TokenTimeout = c.Gateway.Timeout
	}
	if c.Gateway.TokenSafetyMargin == 0 {
		c.Gateway.TokenSafetyMargin = models.DefaultTokenSafetyMargin
	}
	if c.Gateway.RPS == 0 {
		c.Gateway.RPS = 20
	}
	if c.Gateway.Burst == 0 {
		c.Gateway.Burst = 10
	}
	if c.Gateway.TokenCachePrefix == "" {
		c.Gateway.TokenCachePrefix = "wagate:token:"
	}

	if c.API.GRPC.Port == 0 {
		c.API.GRPC.Port = 8081
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	// auth enabled by default when API is enabled
	if !c.API.Auth.Enabled {
		c.API.Auth.Enabled = true
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.Auth.HeaderExtra == "" {
		c.API.Auth.HeaderExtra = "x-api-extra"
	}

	if c.Session.PairingTTL == 0 {
		c.Session.PairingTTL = models.DefaultPairingTTL
	}
	if c.Session.FailureThreshold == 0 {
		c.Session.FailureThreshold = models.DefaultFailureThreshold
	}
	if c.Session.CheckInterval == 0 {
		c.Session.CheckInterval = models.DefaultCheckInterval
	}
	if c.Session.ReconcileInterval == 0 {
		c.Session.ReconcileInterval = models.DefaultReconcileInterval
	}
	if c.Session.MinCheckAge == 0 {
		c.Session.MinCheckAge = c.Session.CheckInterval / 2
	}
	if c.Session.TickBudget == 0 {
		c.Session.TickBudget = models.DefaultTickBudget
	}
	if c.Session.MaxConcurrency == 0 {
		c.Session.MaxConcurrency = 4
	}
	if c.Session.BatchSize == 0 {
		c.Session.BatchSize = 200
	}

	c.Dispatch.Retry.applyDefaults()
	if c.Dispatch.Interval == 0 {
		c.Dispatch.Interval = time.Minute
	}
	if c.Dispatch.TickBudget == 0 {
		c.Dispatch.TickBudget = models.DefaultTickBudget
	}
	if c.Dispatch.BatchSize == 0 {
		c.Dispatch.BatchSize = models.DefaultBatchSize
	}
	if c.Dispatch.MaxConcurrency == 0 {
		c.Dispatch.MaxConcurrency = 4
	}
	if c.Dispatch.DeadLetterKey == "" {
		c.Dispatch.DeadLetterKey = "wagate:dead:messages"
	}

	c.Sync.Retry.applyDefaults()
	if c.Sync.Interval == 0 {
		c.Sync.Interval = 2 * time.Minute
	}
	if c.Sync.TickBudget == 0 {
		c.Sync.TickBudget = models.DefaultTickBudget
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = models.DefaultBatchSize
	}
	if c.Sync.MaxConcurrency == 0 {
		c.Sync.MaxConcurrency = 4
	}
	if c.Sync.DeadLetterKey == "" {
		c.Sync.DeadLetterKey = "wagate:dead:sync"
	}

	if c.Catalog.Timeout == 0 {
		c.Catalog.Timeout = 5 * time.Second
	}
	if c.Catalog.CacheTTL == 0 {
		c.Catalog.CacheTTL = 10 * time.Minute
	}

	if c.Backup.Interval == 0 {
		c.Backup.Interval = 24 * time.Hour
	}
	if c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "backups"
	}
	if c.Exports.Path == "" {
		c.Exports.Path = "exports"
	}
}

func (r *RetryConfig) applyDefaults() {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = models.DefaultMaxAttempts
	}
	if r.InitialDelay == 0 {
		r.InitialDelay = 30 * time.Second
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = 30 * time.Minute
	}
	if r.BackoffFactor == 0 {
		r.BackoffFactor = 2
	}
}
