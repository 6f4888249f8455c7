package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/matheus3301/roomsync/internal/platform"
)

// Duration is a time.Duration written as a Go duration string in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the global ~/.roomsync/config.toml.
type Config struct {
	DefaultProfile string    `toml:"default_profile"`
	LogLevel       string    `toml:"log_level"`
	Cache          Cache     `toml:"cache"`
	Recovery       Recovery  `toml:"recovery"`
	Throttle       Throttle  `toml:"throttle"`
	Setup          Setup     `toml:"setup"`
	Accounts       []Account `toml:"accounts"`
}

// Cache configures the cache tiers.
type Cache struct {
	// DurableBackend is "sqlite" or "badger".
	DurableBackend string `toml:"durable_backend"`
	FastMaxBytes   int64  `toml:"fast_max_bytes"`
	FastMaxEntries int64  `toml:"fast_max_entries"`
}

// Recovery configures the recovery governor and ladder timings.
type Recovery struct {
	MaxAttempts  int      `toml:"max_attempts"`
	Cooldown     Duration `toml:"cooldown"`
	WarnWindow   Duration `toml:"warn_window"`
	RetryGrace   Duration `toml:"retry_grace"`
	RestartGrace Duration `toml:"restart_grace"`
	PollInterval Duration `toml:"poll_interval"`
}

// Throttle configures notification throttles.
type Throttle struct {
	Rooms    Duration `toml:"rooms"`
	Messages Duration `toml:"messages"`
}

// Setup configures connection-setup status polling.
type Setup struct {
	PollInterval  Duration `toml:"poll_interval"`
	MaxPolls      int      `toml:"max_polls"`
	SafetyTimeout Duration `toml:"safety_timeout"`
}

// Account is one Matrix account kept in sync by the daemon.
type Account struct {
	UserID      string `toml:"user_id"`
	Homeserver  string `toml:"homeserver"`
	AccessToken string `toml:"access_token"`
	// Platform restricts the room list to one bridged network.
	Platform        string   `toml:"platform,omitempty"`
	SortOrder       string   `toml:"sort_order,omitempty"`
	AnchorRoomID    string   `toml:"anchor_room_id,omitempty"`
	Pinned          []string `toml:"pinned,omitempty"`
	Muted           []string `toml:"muted,omitempty"`
	Archived        []string `toml:"archived,omitempty"`
	MentionKeywords []string `toml:"mention_keywords,omitempty"`
}

// Default returns the stock configuration with no accounts.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		LogLevel:       "info",
		Cache: Cache{
			DurableBackend: "sqlite",
			FastMaxBytes:   8 << 20,
			FastMaxEntries: 256,
		},
		Recovery: Recovery{
			MaxAttempts:  3,
			Cooldown:     Duration{30 * time.Second},
			WarnWindow:   Duration{5 * time.Second},
			RetryGrace:   Duration{2 * time.Second},
			RestartGrace: Duration{3 * time.Second},
			PollInterval: Duration{250 * time.Millisecond},
		},
		Throttle: Throttle{
			Rooms:    Duration{100 * time.Millisecond},
			Messages: Duration{200 * time.Millisecond},
		},
		Setup: Setup{
			PollInterval:  Duration{time.Second},
			MaxPolls:      60,
			SafetyTimeout: Duration{2 * time.Minute},
		},
	}
}

// Normalize replaces zero values with defaults.
func (c *Config) Normalize() {
	def := Default()
	if c.DefaultProfile == "" {
		c.DefaultProfile = def.DefaultProfile
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.Cache.DurableBackend == "" {
		c.Cache.DurableBackend = def.Cache.DurableBackend
	}
	if c.Cache.FastMaxBytes <= 0 {
		c.Cache.FastMaxBytes = def.Cache.FastMaxBytes
	}
	if c.Cache.FastMaxEntries <= 0 {
		c.Cache.FastMaxEntries = def.Cache.FastMaxEntries
	}
	if c.Recovery.MaxAttempts <= 0 {
		c.Recovery.MaxAttempts = def.Recovery.MaxAttempts
	}
	durations := []struct {
		v   *Duration
		def Duration
	}{
		{&c.Recovery.Cooldown, def.Recovery.Cooldown},
		{&c.Recovery.WarnWindow, def.Recovery.WarnWindow},
		{&c.Recovery.RetryGrace, def.Recovery.RetryGrace},
		{&c.Recovery.RestartGrace, def.Recovery.RestartGrace},
		{&c.Recovery.PollInterval, def.Recovery.PollInterval},
		{&c.Throttle.Rooms, def.Throttle.Rooms},
		{&c.Throttle.Messages, def.Throttle.Messages},
		{&c.Setup.PollInterval, def.Setup.PollInterval},
		{&c.Setup.SafetyTimeout, def.Setup.SafetyTimeout},
	}
	for _, d := range durations {
		if d.v.Duration <= 0 {
			*d.v = d.def
		}
	}
	if c.Setup.MaxPolls <= 0 {
		c.Setup.MaxPolls = def.Setup.MaxPolls
	}
}

// Validate checks the account list and enumerated settings.
func (c *Config) Validate() error {
	var errs []error
	switch c.Cache.DurableBackend {
	case "", "sqlite", "badger":
	default:
		errs = append(errs, fmt.Errorf("cache.durable_backend: unknown backend %q", c.Cache.DurableBackend))
	}
	seen := make(map[string]bool)
	for i, acc := range c.Accounts {
		if acc.UserID == "" {
			errs = append(errs, fmt.Errorf("accounts[%d]: user_id is required", i))
			continue
		}
		if seen[acc.UserID] {
			errs = append(errs, fmt.Errorf("accounts[%d]: duplicate user_id %s", i, acc.UserID))
		}
		seen[acc.UserID] = true
		if acc.Homeserver == "" {
			errs = append(errs, fmt.Errorf("accounts[%d]: homeserver is required", i))
		}
		if _, ok := platform.Parse(acc.Platform); !ok {
			errs = append(errs, fmt.Errorf("accounts[%d]: unknown platform %q", i, acc.Platform))
		}
		switch acc.SortOrder {
		case "", "lastMessage", "name", "unread":
		default:
			errs = append(errs, fmt.Errorf("accounts[%d]: unknown sort_order %q", i, acc.SortOrder))
		}
	}
	return errors.Join(errs...)
}

// Account returns the account with the given user id.
func (c *Config) Account(userID string) (Account, bool) {
	for _, acc := range c.Accounts {
		if acc.UserID == userID {
			return acc, true
		}
	}
	return Account{}, false
}

// Load reads config from the given path and fills in defaults. Returns an
// error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default when the file does not
// exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
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
