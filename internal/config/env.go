package config

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

const (
	EnvAPIURL   = "LIVESYNC_API_URL"
	EnvWSURL    = "LIVESYNC_WS_URL"
	EnvToken    = "LIVESYNC_TOKEN"
	EnvLogLevel = "LIVESYNC_LOG_LEVEL"
)

// ApplyEnv loads envFile (if present) into the process environment without
// overriding variables already set, then applies LIVESYNC_* overrides.
func ApplyEnv(cfg *Config, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if v := os.Getenv(EnvAPIURL); v != "" {
		cfg.APIURL = v
	}
	if v := os.Getenv(EnvWSURL); v != "" {
		cfg.WSURL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	cfg.Token = os.Getenv(EnvToken)
	return nil
}
