package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadRedisURLUnsetTakesFallback(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	os.Unsetenv("REDIS_URL")

	cfg := Load()
	if cfg.RedisURL != "" {
		t.Errorf("expected empty RedisURL when REDIS_URL is unset, got %q", cfg.RedisURL)
	}
}

func TestLoadRedisURLFromEnv(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://cache:6379/2")

	cfg := Load()
	if cfg.RedisURL != "redis://cache:6379/2" {
		t.Errorf("unexpected RedisURL: %q", cfg.RedisURL)
	}
}

func TestLoadTTLDefaults(t *testing.T) {
	t.Setenv("RESONOTE_ACCESS_TTL_SECONDS", "")
	os.Unsetenv("RESONOTE_ACCESS_TTL_SECONDS")
	t.Setenv("RESONOTE_REFRESH_TTL_SECONDS", "not-a-number")

	cfg := Load()
	if cfg.AccessTTL != 900*time.Second {
		t.Errorf("unexpected AccessTTL: %v", cfg.AccessTTL)
	}
	if cfg.RefreshTTL != 2592000*time.Second {
		t.Errorf("unparsable RESONOTE_REFRESH_TTL_SECONDS should fall back, got %v", cfg.RefreshTTL)
	}
}
