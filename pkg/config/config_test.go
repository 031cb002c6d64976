package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Port != "8787" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.Env != "development" {
		t.Errorf("Env = %q", cfg.Env)
	}
	if cfg.AuthAudience != "agent-worker" {
		t.Errorf("AuthAudience = %q", cfg.AuthAudience)
	}
	if cfg.IsProduction() {
		t.Error("development config reported production")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("AGENT_ENV", "production")
	t.Setenv("CHAT_MODEL", "gpt-4o")
	t.Setenv("REDIS_DB", "3")

	cfg := Load()
	if cfg.Port != "9000" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if !cfg.IsProduction() {
		t.Error("AGENT_ENV=production not honored")
	}
	if cfg.ChatModel != "gpt-4o" {
		t.Errorf("ChatModel = %q", cfg.ChatModel)
	}
	if cfg.RedisDB != 3 {
		t.Errorf("RedisDB = %d", cfg.RedisDB)
	}
}

func TestProfileOverlayAndEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	err := os.WriteFile(path, []byte("port: \"9100\"\nchat_model: profile-model\n"), 0o644)
	if err != nil {
		t.Fatalf("write profile: %v", err)
	}

	t.Setenv("AGENT_PROFILE", path)
	t.Setenv("CHAT_MODEL", "env-model")

	cfg := Load()
	if cfg.Port != "9100" {
		t.Errorf("Port = %q, want profile value", cfg.Port)
	}
	// Explicit env beats the profile.
	if cfg.ChatModel != "env-model" {
		t.Errorf("ChatModel = %q, want env value", cfg.ChatModel)
	}
}

func TestBrokenProfileIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte(":::"), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	t.Setenv("AGENT_PROFILE", path)

	cfg := Load()
	if cfg.Port != "8787" {
		t.Errorf("broken profile disturbed defaults: Port = %q", cfg.Port)
	}
}
