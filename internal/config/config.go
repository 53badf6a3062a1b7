// Package config loads and validates the gateway configuration from a YAML
// file with environment-variable overrides. All durations are expressed in
// seconds in the file and exposed as time.Duration helpers.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the gateway configuration.
type Config struct {
	// Port is the TCP port the HTTP server listens on.
	Port int `yaml:"port"`

	// LogLevel sets the logrus level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogFile, when set, routes logs to a rotated file instead of stderr.
	LogFile string `yaml:"log_file"`

	// ProxyAPIKey is the master key accepted for all authentication modes.
	ProxyAPIKey string `yaml:"proxy_api_key"`

	// Region is the default upstream region.
	Region string `yaml:"region"`

	// RefreshToken is the default refresh token (single-tenant mode).
	RefreshToken string `yaml:"refresh_token"`

	// ProfileArn is the default CodeWhisperer profile identifier.
	ProfileArn string `yaml:"profile_arn"`

	// CredsFile is a path or http(s) URL holding persisted credentials.
	// URLs are read-only; refreshed tokens are never written back to them.
	CredsFile string `yaml:"creds_file"`

	// ClientID and ClientSecret switch the default tenant to the OIDC
	// refresh dialect when both are present.
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`

	// TokenRefreshThreshold is the number of seconds before expiry at
	// which an access token is treated as expiring.
	TokenRefreshThreshold int `yaml:"token_refresh_threshold"`

	// MaxRetries bounds non-streaming upstream attempts.
	MaxRetries int `yaml:"max_retries"`

	// BaseRetryDelaySeconds is the exponential backoff base.
	BaseRetryDelaySeconds float64 `yaml:"base_retry_delay"`

	// FirstTokenTimeoutSeconds bounds the wait for upstream response
	// headers on streaming requests.
	FirstTokenTimeoutSeconds int `yaml:"first_token_timeout"`

	// FirstTokenMaxRetries bounds streaming upstream attempts.
	FirstTokenMaxRetries int `yaml:"first_token_max_retries"`

	// NonStreamTimeoutSeconds is the per-attempt timeout for
	// non-streaming requests.
	NonStreamTimeoutSeconds int `yaml:"non_stream_timeout"`

	// RateLimitPerMinute caps requests per API key. 0 disables limiting.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`

	// ToolDescriptionMaxLength is the longest tool description the
	// upstream accepts inline; longer ones are hoisted into the system
	// prompt. 0 disables hoisting.
	ToolDescriptionMaxLength int `yaml:"tool_description_max_length"`

	// SlowModelPatterns lists case-insensitive substrings of model names
	// that receive the slow-model timeout multiplier.
	SlowModelPatterns []string `yaml:"slow_model_patterns"`

	// SlowModelMultiplier scales per-attempt timeouts for slow models.
	SlowModelMultiplier float64 `yaml:"slow_model_multiplier"`

	// AuthCacheSize bounds the number of per-tenant credential managers.
	AuthCacheSize int `yaml:"auth_cache_size"`

	// DatabasePath locates the SQLite store for users and donated
	// tokens. Empty disables the multi-user surface.
	DatabasePath string `yaml:"database_path"`

	// EncryptionKey protects donated refresh tokens at rest.
	EncryptionKey string `yaml:"encryption_key"`

	// ModelCacheTTLSeconds bounds staleness of the upstream model catalog.
	ModelCacheTTLSeconds int `yaml:"model_cache_ttl"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		Port:                     8080,
		LogLevel:                 "info",
		Region:                   "us-east-1",
		TokenRefreshThreshold:    300,
		MaxRetries:               3,
		BaseRetryDelaySeconds:    1.0,
		FirstTokenTimeoutSeconds: 60,
		FirstTokenMaxRetries:     3,
		NonStreamTimeoutSeconds:  600,
		RateLimitPerMinute:       0,
		ToolDescriptionMaxLength: 10240,
		SlowModelPatterns:        []string{"opus"},
		SlowModelMultiplier:      2.0,
		AuthCacheSize:            100,
		ModelCacheTTLSeconds:     300,
	}
}

// Load reads the YAML file at path (when non-empty), applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays KIRO_-prefixed environment variables onto the config.
func (c *Config) applyEnv() {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString("KIRO_PROXY_API_KEY", &c.ProxyAPIKey)
	setString("KIRO_REGION", &c.Region)
	setString("KIRO_REFRESH_TOKEN", &c.RefreshToken)
	setString("KIRO_PROFILE_ARN", &c.ProfileArn)
	setString("KIRO_CREDS_FILE", &c.CredsFile)
	setString("KIRO_CLIENT_ID", &c.ClientID)
	setString("KIRO_CLIENT_SECRET", &c.ClientSecret)
	setString("KIRO_LOG_LEVEL", &c.LogLevel)
	setString("KIRO_LOG_FILE", &c.LogFile)
	setString("KIRO_DATABASE_PATH", &c.DatabasePath)
	setString("KIRO_ENCRYPTION_KEY", &c.EncryptionKey)
	setInt("KIRO_PORT", &c.Port)
	setInt("KIRO_RATE_LIMIT_PER_MINUTE", &c.RateLimitPerMinute)
	setInt("KIRO_AUTH_CACHE_SIZE", &c.AuthCacheSize)
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.ProxyAPIKey == "" {
		return fmt.Errorf("proxy_api_key is required")
	}
	if c.Region == "" {
		return fmt.Errorf("region is required")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1")
	}
	if c.FirstTokenMaxRetries < 1 {
		return fmt.Errorf("first_token_max_retries must be at least 1")
	}
	if c.AuthCacheSize < 1 {
		return fmt.Errorf("auth_cache_size must be at least 1")
	}
	return nil
}

// TokenRefreshThresholdDuration returns the expiring-soon window.
func (c *Config) TokenRefreshThresholdDuration() time.Duration {
	return time.Duration(c.TokenRefreshThreshold) * time.Second
}

// BaseRetryDelay returns the exponential backoff base.
func (c *Config) BaseRetryDelay() time.Duration {
	return time.Duration(c.BaseRetryDelaySeconds * float64(time.Second))
}

// FirstTokenTimeout returns the streaming per-attempt header timeout.
func (c *Config) FirstTokenTimeout() time.Duration {
	return time.Duration(c.FirstTokenTimeoutSeconds) * time.Second
}

// NonStreamTimeout returns the non-streaming per-attempt timeout.
func (c *Config) NonStreamTimeout() time.Duration {
	return time.Duration(c.NonStreamTimeoutSeconds) * time.Second
}

// ModelCacheTTL returns the staleness bound of the model catalog cache.
func (c *Config) ModelCacheTTL() time.Duration {
	return time.Duration(c.ModelCacheTTLSeconds) * time.Second
}

// AdaptiveTimeout scales base by the slow-model multiplier when the model
// name matches one of the configured patterns.
func (c *Config) AdaptiveTimeout(model string, base time.Duration) time.Duration {
	if c.SlowModelMultiplier <= 0 || len(c.SlowModelPatterns) == 0 {
		return base
	}
	lower := strings.ToLower(model)
	for _, pattern := range c.SlowModelPatterns {
		if pattern == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return time.Duration(float64(base) * c.SlowModelMultiplier)
		}
	}
	return base
}
