package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_DSN", "")
	t.Setenv("HTTP_ADDR", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.DBDsn == "" {
		t.Error("expected default database DSN, got empty")
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
}

func TestPlatformTokenURLDefault(t *testing.T) {
	t.Setenv("PLATFORM_API_URL", "https://api.example.com")
	t.Setenv("PLATFORM_TOKEN_URL", "")
	cfg, _ := Load()
	if cfg.PlatformTokenURL != "https://api.example.com/oauth2/token" {
		t.Errorf("PlatformTokenURL = %q, want derived /oauth2/token", cfg.PlatformTokenURL)
	}

	t.Setenv("PLATFORM_TOKEN_URL", "https://auth.example.com/token")
	cfg, _ = Load()
	if cfg.PlatformTokenURL != "https://auth.example.com/token" {
		t.Errorf("explicit PLATFORM_TOKEN_URL not honored: %q", cfg.PlatformTokenURL)
	}
}

func TestValidateIngestReady(t *testing.T) {
	t.Setenv("BROADCAST_CHANNEL", "roomhost")
	t.Setenv("CHAT_BOT_USERNAME", "bot")
	t.Setenv("CHAT_OAUTH_TOKEN", "oauth:token")
	cfg, _ := Load()
	if err := cfg.ValidateIngestReady(); err != nil {
		t.Errorf("expected valid ingest config, got %v", err)
	}

	t.Setenv("BROADCAST_CHANNEL", "")
	cfg, _ = Load()
	if err := cfg.ValidateIngestReady(); err == nil {
		t.Error("expected error when BROADCAST_CHANNEL is missing")
	}
}
