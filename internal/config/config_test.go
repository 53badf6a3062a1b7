package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.TokenRefreshThreshold != 300 {
		t.Errorf("TokenRefreshThreshold = %d, want 300", cfg.TokenRefreshThreshold)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.FirstTokenTimeoutSeconds != 60 {
		t.Errorf("FirstTokenTimeoutSeconds = %d, want 60", cfg.FirstTokenTimeoutSeconds)
	}
	if cfg.NonStreamTimeoutSeconds != 600 {
		t.Errorf("NonStreamTimeoutSeconds = %d, want 600", cfg.NonStreamTimeoutSeconds)
	}
	if cfg.AuthCacheSize != 100 {
		t.Errorf("AuthCacheSize = %d, want 100", cfg.AuthCacheSize)
	}
	if cfg.RateLimitPerMinute != 0 {
		t.Errorf("RateLimitPerMinute = %d, want 0 (disabled)", cfg.RateLimitPerMinute)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
proxy_api_key: file-key
region: eu-west-1
max_retries: 5
slow_model_patterns: ["opus", "sonnet-4-5"]
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("KIRO_REGION", "ap-southeast-1")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.ProxyAPIKey != "file-key" {
		t.Errorf("ProxyAPIKey = %q, want file-key", cfg.ProxyAPIKey)
	}
	// env wins over file
	if cfg.Region != "ap-southeast-1" {
		t.Errorf("Region = %q, want ap-southeast-1", cfg.Region)
	}
	if cfg.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", cfg.MaxRetries)
	}
	if len(cfg.SlowModelPatterns) != 2 {
		t.Errorf("SlowModelPatterns = %v, want two entries", cfg.SlowModelPatterns)
	}
}

func TestLoad_MissingProxyKey(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("Load without proxy_api_key should fail validation")
	}
}

func TestAdaptiveTimeout(t *testing.T) {
	cfg := Default()
	cfg.SlowModelPatterns = []string{"opus"}
	cfg.SlowModelMultiplier = 2.0

	base := 60 * time.Second

	tests := []struct {
		model string
		want  time.Duration
	}{
		{"claude-opus-4-1", 120 * time.Second},
		{"claude-OPUS-4-1", 120 * time.Second},
		{"claude-sonnet-4-5", 60 * time.Second},
		{"", 60 * time.Second},
	}

	for _, tt := range tests {
		if got := cfg.AdaptiveTimeout(tt.model, base); got != tt.want {
			t.Errorf("AdaptiveTimeout(%q) = %v, want %v", tt.model, got, tt.want)
		}
	}
}

func TestInternalModelID(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"claude-sonnet-4-5", "CLAUDE_SONNET_4_5_20250929_V1_0"},
		{"claude-sonnet-4", "CLAUDE_SONNET_4_20250514_V1_0"},
		{"auto", "auto"},
		{"something-new", "something-new"},
	}

	for _, tt := range tests {
		if got := InternalModelID(tt.model); got != tt.want {
			t.Errorf("InternalModelID(%q) = %q, want %q", tt.model, got, tt.want)
		}
	}
}
