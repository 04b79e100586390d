package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "work"
	cfg.Presence.Inactivity = Duration(45 * time.Second)
	cfg.Transport.ReconnectAttempts = 9
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.Presence.Inactivity.Std() != 45*time.Second {
		t.Errorf("Presence.Inactivity = %v, want 45s", loaded.Presence.Inactivity.Std())
	}
	if loaded.Transport.ReconnectAttempts != 9 {
		t.Errorf("ReconnectAttempts = %d, want 9", loaded.Transport.ReconnectAttempts)
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "api_url = \"https://api.example.com\"\n\n[presence]\nheartbeat = \"2m\"\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.APIURL != "https://api.example.com" {
		t.Errorf("APIURL = %q", cfg.APIURL)
	}
	if cfg.Presence.Heartbeat.Std() != 2*time.Minute {
		t.Errorf("Heartbeat = %v, want 2m", cfg.Presence.Heartbeat.Std())
	}
	if cfg.Presence.Inactivity.Std() != 30*time.Second {
		t.Errorf("Inactivity = %v, want default 30s", cfg.Presence.Inactivity.Std())
	}
	if cfg.Outbox.MaxAttempts != 5 {
		t.Errorf("Outbox.MaxAttempts = %d, want default 5", cfg.Outbox.MaxAttempts)
	}
}

func TestLoadBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[outbox]\ninterval = \"soon\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for invalid duration")
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultProfile: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestApplyEnv(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	content := "LIVESYNC_API_URL=https://from-file.example.com\nLIVESYNC_TOKEN=file-token\n"
	if err := os.WriteFile(envFile, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvWSURL, "wss://from-env.example.com/ws")
	t.Setenv(EnvLogLevel, "debug")
	// Variables already present win over the file.
	t.Setenv(EnvToken, "env-token")
	t.Setenv(EnvAPIURL, "")
	os.Unsetenv(EnvAPIURL)

	cfg := Default()
	if err := ApplyEnv(cfg, envFile); err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}
	if cfg.APIURL != "https://from-file.example.com" {
		t.Errorf("APIURL = %q", cfg.APIURL)
	}
	if cfg.WSURL != "wss://from-env.example.com/ws" {
		t.Errorf("WSURL = %q", cfg.WSURL)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.Token != "env-token" {
		t.Errorf("Token = %q, want env-token", cfg.Token)
	}
}

func TestApplyEnvMissingFile(t *testing.T) {
	cfg := Default()
	if err := ApplyEnv(cfg, filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}
}
