// Package config loads service configuration from the environment, with
// stricter validation in production environments.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the shared configuration for the api, vault, and sweeper
// services.
type Config struct {
	Environment string `mapstructure:"environment"`

	HTTPAddr  string `mapstructure:"http_addr"`
	VaultAddr string `mapstructure:"vault_addr"`

	DatabaseURL string `mapstructure:"database_url"`
	RedisAddr   string `mapstructure:"redis_addr"`
	VaultDBPath string `mapstructure:"vault_db_path"`

	TokenSecret string `mapstructure:"token_secret"`
	TokenIssuer string `mapstructure:"token_issuer"`

	VaultAllowedCIDRs []string `mapstructure:"vault_allowed_cidrs"`

	RateLimitCapacity int     `mapstructure:"rate_limit_capacity"`
	RateLimitRefill   float64 `mapstructure:"rate_limit_refill"`

	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	OutboxInterval time.Duration `mapstructure:"outbox_interval"`
}

// Load reads configuration from the environment with PAYMENTS_ prefixed
// variables.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PAYMENTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("environment", "development")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("vault_addr", ":8443")
	v.SetDefault("vault_db_path", "vault.db")
	v.SetDefault("token_issuer", "payments-core")
	v.SetDefault("rate_limit_capacity", 100)
	v.SetDefault("rate_limit_refill", 50.0)
	v.SetDefault("sweep_interval", time.Minute)
	v.SetDefault("outbox_interval", time.Second)

	for _, key := range []string{
		"environment", "http_addr", "vault_addr", "database_url", "redis_addr",
		"vault_db_path", "token_secret", "token_issuer", "vault_allowed_cidrs",
		"rate_limit_capacity", "rate_limit_refill", "sweep_interval", "outbox_interval",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Production reports whether this environment enforces production rules.
func (c *Config) Production() bool {
	return c.Environment == "production" || c.Environment == "staging"
}

// Validate checks the configuration. Development allows plain secrets;
// production requires secret references resolved by deployment tooling.
func (c *Config) Validate() error {
	var missing []string

	if c.Environment == "" {
		missing = append(missing, "PAYMENTS_ENVIRONMENT")
	}
	if c.TokenSecret == "" {
		missing = append(missing, "PAYMENTS_TOKEN_SECRET")
	}
	if c.Production() {
		if c.DatabaseURL == "" {
			missing = append(missing, "PAYMENTS_DATABASE_URL")
		}
		if c.RedisAddr == "" {
			missing = append(missing, "PAYMENTS_REDIS_ADDR")
		}
	}
	if len(missing) > 0 {
		return errors.New("missing required configuration: " + strings.Join(missing, ", "))
	}

	if c.Production() && !isSecretReference(c.TokenSecret) {
		return errors.New("PAYMENTS_TOKEN_SECRET must be a secret reference (aws-kms://, gcp-kms://, or vault://) in " + c.Environment)
	}
	return nil
}

func isSecretReference(val string) bool {
	for _, p := range []string{"aws-kms://", "gcp-kms://", "vault://"} {
		if strings.HasPrefix(val, p) {
			return true
		}
	}
	return false
}
