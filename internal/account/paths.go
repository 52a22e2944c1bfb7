package account

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// BaseDir returns ~/.mailchat.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".mailchat")
}

// Dir returns the account-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "accounts", name)
}

// DBPath returns the account database path.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "mailchat.db")
}

// BlobDir returns the attachment/blob directory for an account.
func BlobDir(name string) string {
	return filepath.Join(Dir(name), "blobs")
}

// ConfigPath returns the account config file path.
func ConfigPath(name string) string {
	return filepath.Join(Dir(name), "config.toml")
}

// LogDir returns the log directory for an account.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "mailchatd.log")
}

// EnsureDir creates the account directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		BlobDir(name),
		LogDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// ValidateName rejects account names that would escape the accounts dir or
// collide with path separators.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("account name must not be empty")
	}
	if !nameRe.MatchString(name) {
		return fmt.Errorf("invalid account name %q: use lowercase letters, digits, '.', '_' or '-'", name)
	}
	return nil
}
