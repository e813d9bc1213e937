package config

import (
	"os"
	"path/filepath"
)

// EnvConfigDir overrides the configuration directory.
const EnvConfigDir = "CHANFS_CONFIG_DIR"

// getConfigDir returns the config directory path.
// Uses CHANFS_CONFIG_DIR if set, otherwise defaults to ~/.chanfs.
// This is computed dynamically to support test isolation.
func getConfigDir() string {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chanfs")
}

// ConfigDir returns the configuration directory path
func ConfigDir() string {
	return getConfigDir()
}

// ConfigPath returns the default configuration file path
func ConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// LockPath returns the lock file held by a running server
func LockPath() string {
	return filepath.Join(getConfigDir(), "chanfs.lock")
}

// DefaultDatabasePath returns the local backend database path
func DefaultDatabasePath() string {
	return filepath.Join(getConfigDir(), "channels.db")
}

// DefaultSpoolDir returns the NFS write staging directory
func DefaultSpoolDir() string {
	return filepath.Join(getConfigDir(), "spool")
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0700)
}
