package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"wagate/internal/models"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return configPath
}

func TestLoadConfig(t *testing.T) {
	configPath := writeConfig(t, `
gateway:
  base_url: "https://gateway.example.com"
  timeout: 3s
database:
  path: "test.db"
session:
  failure_threshold: 4
  check_interval: 2m
dispatch:
  retry:
    max_attempts: 7
    initial_delay: 10s
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Gateway.Timeout != 3*time.Second {
		t.Errorf("expected gateway timeout 3s, got %s", cfg.Gateway.Timeout)
	}
	if cfg.Session.FailureThreshold != 4 {
		t.Errorf("expected failure threshold 4, got %d", cfg.Session.FailureThreshold)
	}
	if cfg.Session.MinCheckAge != time.Minute {
		t.Errorf("expected min check age to default to half the interval, got %s", cfg.Session.MinCheckAge)
	}
	if cfg.Dispatch.Retry.MaxAttempts != 7 || cfg.Dispatch.Retry.InitialDelay != 10*time.Second {
		t.Errorf("unexpected dispatch retry %+v", cfg.Dispatch.Retry)
	}
	if cfg.Sync.Retry.MaxAttempts != models.DefaultMaxAttempts {
		t.Errorf("expected sync max attempts default, got %d", cfg.Sync.Retry.MaxAttempts)
	}
	if cfg.Gateway.Audience != "https://gateway.example.com" {
		t.Errorf("expected audience to default to base url, got %s", cfg.Gateway.Audience)
	}
}

func TestLoadConfig_DotEnv(t *testing.T) {
	if err := os.WriteFile(".env", []byte("WAGATE_TEST_GATEWAY=https://from-env.example.com\n"), 0o644); err != nil {
		t.Fatalf("failed to write .env: %v", err)
	}
	defer os.Remove(".env")
	defer os.Unsetenv("WAGATE_TEST_GATEWAY")

	configPath := writeConfig(t, `
gateway:
  base_url: "${WAGATE_TEST_GATEWAY}"
database:
  path: "test.db"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Gateway.BaseURL != "https://from-env.example.com" {
		t.Errorf("expected base url from .env, got %s", cfg.Gateway.BaseURL)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	if _, err := Load(writeConfig(t, "gateway: [unclosed")); err == nil {
		t.Error("expected error for malformed yaml")
	}

	if _, err := Load(writeConfig(t, "database:\n  path: x.db\n")); err == nil {
		t.Error("expected validation error for missing gateway")
	}
}

func TestValidateConfig(t *testing.T) {
	valid := func() Config {
		c := Config{
			Gateway:  GatewayConfig{BaseURL: "https://gw.example.com"},
			Database: DatabaseConfig{Path: "path"},
		}
		c.applyDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(_ *Config) {}},
		{name: "relative base url", mutate: func(c *Config) { c.Gateway.BaseURL = "gw.example.com" }, wantErr: true},
		{name: "missing database", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: true},
		{name: "negative threshold", mutate: func(c *Config) { c.Session.FailureThreshold = -1 }, wantErr: true},
		{name: "threshold one", mutate: func(c *Config) { c.Session.FailureThreshold = 1 }, wantErr: true},
		{name: "shrinking backoff", mutate: func(c *Config) { c.Dispatch.Retry.BackoffFactor = 0.5 }, wantErr: true},
		{name: "max below initial", mutate: func(c *Config) { c.Sync.Retry.MaxDelay = time.Second }, wantErr: true},
		{name: "bad timezone", mutate: func(c *Config) { c.Timezone = "Mars/Olympus" }, wantErr: true},
		{name: "good timezone", mutate: func(c *Config) { c.Timezone = "UTC" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	var c Config
	c.applyDefaults()

	if c.Session.FailureThreshold != models.DefaultFailureThreshold {
		t.Errorf("expected threshold %d, got %d", models.DefaultFailureThreshold, c.Session.FailureThreshold)
	}
	if c.Session.ReconcileInterval != time.Hour {
		t.Errorf("expected hourly reconcile, got %s", c.Session.ReconcileInterval)
	}
	if c.Gateway.TokenSafetyMargin != 60*time.Second {
		t.Errorf("expected 60s margin, got %s", c.Gateway.TokenSafetyMargin)
	}
	if c.API.Auth.HeaderAPIKey != "x-api-key" || c.API.Auth.HeaderExtra != "x-api-extra" {
		t.Errorf("unexpected auth headers %q %q", c.API.Auth.HeaderAPIKey, c.API.Auth.HeaderExtra)
	}
	if c.Redis.Enabled() {
		t.Error("redis must be disabled without an address")
	}
}
