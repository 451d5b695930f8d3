package config

import (
	"testing"
	"time"
)

func TestParseEnvFileSetsKnownFields(t *testing.T) {
	cfg := defaults()
	content := "FLASHENGINE_CLOUD_BASE_URL=https://signing.example.com\n" +
		"# a comment\n" +
		"FLASHENGINE_CLOUD_API_KEY = secret123\n" +
		"\n" +
		"FLASHENGINE_FLASH_TIMEOUT=5m\n"
	parseEnvFile(content, cfg)

	if cfg.CloudBaseURL != "https://signing.example.com" {
		t.Errorf("CloudBaseURL = %q", cfg.CloudBaseURL)
	}
	if cfg.CloudAPIKey != "secret123" {
		t.Errorf("CloudAPIKey = %q", cfg.CloudAPIKey)
	}
	if cfg.FlashTimeout != 5*time.Minute {
		t.Errorf("FlashTimeout = %v, want 5m", cfg.FlashTimeout)
	}
}

func TestDefaultsAreNonZero(t *testing.T) {
	cfg := defaults()
	if cfg.ConnectTimeout == 0 || cfg.HandshakeTimeout == 0 || cfg.FlashTimeout == 0 || cfg.DefaultTimeout == 0 {
		t.Fatalf("expected all default timeouts to be non-zero, got %+v", cfg)
	}
	if cfg.RPCListenAddr == "" || cfg.AgentListenAddr == "" {
		t.Fatalf("expected default listen addresses to be set, got %+v", cfg)
	}
}

func TestApplyEnvOverridesTakesPrecedence(t *testing.T) {
	cfg := defaults()
	cfg.CloudBaseURL = "https://from-file.example.com"

	t.Setenv("FLASHENGINE_CLOUD_BASE_URL", "https://from-env.example.com")
	applyEnvOverrides(cfg)

	if cfg.CloudBaseURL != "https://from-env.example.com" {
		t.Errorf("CloudBaseURL = %q, want env override to win", cfg.CloudBaseURL)
	}
}
