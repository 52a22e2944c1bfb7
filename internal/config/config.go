package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Endpoint describes one mail server endpoint.
type Endpoint struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	// ImplicitTLS selects a TLS connection from the first byte; otherwise the
	// connection is upgraded via STARTTLS.
	ImplicitTLS bool `toml:"implicit_tls"`
}

// Addr returns the host:port dial address.
func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Config represents an account's config.toml.
type Config struct {
	Addr        string `toml:"addr"`         // own e-mail address
	DisplayName string `toml:"display_name"` // own display name

	SMTP Endpoint `toml:"smtp"`
	IMAP Endpoint `toml:"imap"`

	// SentFolder is the mailbox outgoing messages are uploaded to.
	SentFolder string `toml:"sent_folder"`

	// E2EEEnabled globally enables the end-to-end-encryption guarantee check.
	E2EEEnabled bool `toml:"e2ee_enabled"`

	// SkipUpload disables the upload of sent messages to the own mailbox,
	// for servers that store submitted mail themselves.
	SkipUpload bool `toml:"skip_imap_upload"`

	// SaveEMLDir, if set, stores a debug copy of every submitted message.
	SaveEMLDir string `toml:"save_eml_dir"`

	// DialTimeoutSec bounds transport connection attempts. Individual
	// protocol calls are governed by retry/backoff only.
	DialTimeoutSec int `toml:"dial_timeout_sec"`
}

// DialTimeout returns the dial timeout as a duration, falling back to the
// default for zero or negative values.
func (c *Config) DialTimeout() time.Duration {
	if c.DialTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.DialTimeoutSec) * time.Second
}

// Default returns a config with sane defaults for a fresh account.
func Default() *Config {
	return &Config{
		SentFolder:     "Sent",
		E2EEEnabled:    true,
		DialTimeoutSec: 30,
	}
}

// Load reads config from the given path. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
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
