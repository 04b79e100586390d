package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.livesync/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	APIURL         string `toml:"api_url"`
	WSURL          string `toml:"ws_url"`
	LogLevel       string `toml:"log_level"`

	Presence  Presence  `toml:"presence"`
	Transport Transport `toml:"transport"`
	Inbox     Inbox     `toml:"inbox"`
	Outbox    Outbox    `toml:"outbox"`

	// Token is only ever taken from the environment.
	Token string `toml:"-"`
}

type Presence struct {
	Inactivity     Duration `toml:"inactivity"`
	Heartbeat      Duration `toml:"heartbeat"`
	ConnectTimeout Duration `toml:"connect_timeout"`
}

type Transport struct {
	ReconnectAttempts int      `toml:"reconnect_attempts"`
	ReconnectDelay    Duration `toml:"reconnect_delay"`
	HandshakeTimeout  Duration `toml:"handshake_timeout"`
}

type Inbox struct {
	DriftGrace   Duration `toml:"drift_grace"`
	FetchTimeout Duration `toml:"fetch_timeout"`
}

type Outbox struct {
	Interval    Duration `toml:"interval"`
	MaxAttempts int      `toml:"max_attempts"`
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Default returns a Config with every field set.
func Default() *Config {
	return &Config{
		APIURL:   "http://localhost:3000/api",
		WSURL:    "ws://localhost:3000/ws",
		LogLevel: "info",
		Presence: Presence{
			Inactivity:     Duration(30 * time.Second),
			Heartbeat:      Duration(60 * time.Second),
			ConnectTimeout: Duration(10 * time.Second),
		},
		Transport: Transport{
			ReconnectAttempts: 5,
			ReconnectDelay:    Duration(time.Second),
			HandshakeTimeout:  Duration(10 * time.Second),
		},
		Inbox: Inbox{
			DriftGrace:   Duration(2 * time.Second),
			FetchTimeout: Duration(30 * time.Second),
		},
		Outbox: Outbox{
			Interval:    Duration(15 * time.Second),
			MaxAttempts: 5,
		},
	}
}

// Load reads config from the given path on top of Default. Returns error if
// the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load that falls back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
