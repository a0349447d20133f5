// Package config manages global roost configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/driftwoodlabs/roost/internal/agent"
	"github.com/driftwoodlabs/roost/internal/session"
)

// Config is the on-disk roost configuration.
type Config struct {
	// DBPath overrides the default sqlite location under the roost home.
	DBPath string `yaml:"db_path,omitempty"`

	// LockTimeout bounds how long operations wait for an account lock.
	LockTimeout time.Duration `yaml:"lock_timeout,omitempty"`

	// Site configures the browser automation target.
	Site agent.SiteConfig `yaml:"site"`

	// Login configures session lifecycle timing.
	Login LoginConfig `yaml:"login"`

	// Backup configures the off-host sqlite backup target. Disabled when
	// Host is empty.
	Backup BackupConfig `yaml:"backup"`

	// SealCredentials encrypts credential blobs at rest. When true, roost
	// prompts for the sealing passphrase on startup.
	SealCredentials bool `yaml:"seal_credentials,omitempty"`
}

// LoginConfig holds session timing overrides. Zero values fall back to the
// session package defaults.
type LoginConfig struct {
	ChallengeTTL    time.Duration `yaml:"challenge_ttl,omitempty"`
	VerificationTTL time.Duration `yaml:"verification_ttl,omitempty"`
	SessionTTL      time.Duration `yaml:"session_ttl,omitempty"`
	ReapInterval    time.Duration `yaml:"reap_interval,omitempty"`
}

// SessionConfig converts the login overrides to a session.Config.
func (l LoginConfig) SessionConfig() session.Config {
	return session.Config{
		ChallengeTTL:    l.ChallengeTTL,
		VerificationTTL: l.VerificationTTL,
		SessionTTL:      l.SessionTTL,
		ReapInterval:    l.ReapInterval,
	}
}

// BackupConfig describes the SFTP target for database backups.
type BackupConfig struct {
	Host       string `yaml:"host,omitempty"`
	Port       int    `yaml:"port,omitempty"`
	User       string `yaml:"user,omitempty"`
	KeyFile    string `yaml:"key_file,omitempty"`
	RemoteDir  string `yaml:"remote_dir,omitempty"`
	KnownHosts string `yaml:"known_hosts,omitempty"`
}

// Enabled reports whether a backup target is configured.
func (b BackupConfig) Enabled() bool { return b.Host != "" }

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		LockTimeout: 30 * time.Second,
	}
}

// Home returns the roost home directory, honoring ROOST_HOME.
func Home() string {
	if custom := os.Getenv("ROOST_HOME"); custom != "" {
		return custom
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".roost"
	}
	return filepath.Join(home, ".roost")
}

// Path returns the config file location under the roost home.
func Path() string {
	return filepath.Join(Home(), "config.yaml")
}

// Load reads the config file, returning defaults when it does not exist.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads a config file from an explicit path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config file, creating the roost home as needed.
func (c *Config) Save() error {
	return c.SaveFile(Path())
}

// SaveFile writes the config to an explicit path.
func (c *Config) SaveFile(path string) error {
	if err := c.validate(); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	// Write-then-rename so a crash never leaves a half-written config.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.LockTimeout < 0 {
		return fmt.Errorf("lock_timeout must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"challenge_ttl":    c.Login.ChallengeTTL,
		"verification_ttl": c.Login.VerificationTTL,
		"session_ttl":      c.Login.SessionTTL,
		"reap_interval":    c.Login.ReapInterval,
	} {
		if d < 0 {
			return fmt.Errorf("login.%s must not be negative", name)
		}
	}
	if c.Backup.Enabled() && c.Backup.User == "" {
		return fmt.Errorf("backup.user is required when backup.host is set")
	}
	return nil
}

// DatabasePath returns the configured sqlite path or the default under the
// roost home.
func (c *Config) DatabasePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(Home(), "roost.db")
}
