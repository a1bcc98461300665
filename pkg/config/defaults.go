// Package config provides configuration types and defaults for parley services
// Centralized management of all constants and default values

package config

import (
	"os"
	"path/filepath"
)

// ===== Ports =====

const (
	// DefaultServerPort is the standard port for the parley daemon
	DefaultServerPort = 55710
)

// ===== Paths =====

// DefaultDataDir returns the default data directory
func DefaultDataDir() string {
	if d := os.Getenv("PARLEY_DATA_DIR"); d != "" {
		return d
	}
	// Default to <binary-dir>/data
	exe, _ := os.Executable()
	return filepath.Join(filepath.Dir(exe), "data")
}

// DefaultDBPath returns the default transcript database path
func DefaultDBPath() string {
	return filepath.Join(DefaultDataDir(), "parley.db")
}

// DefaultMemoryDBPath returns the default memory database path
func DefaultMemoryDBPath() string {
	return filepath.Join(DefaultDataDir(), "memory.db")
}

// DefaultCacheDir returns the default recall cache directory
func DefaultCacheDir() string {
	return filepath.Join(DefaultDataDir(), "cache")
}

// DefaultConfigPath returns the default config file path
func DefaultConfigPath() string {
	if p := os.Getenv("PARLEY_CONFIG"); p != "" {
		return p
	}
	exe, _ := os.Executable()
	return filepath.Join(filepath.Dir(exe), "parley.yaml")
}

// DefaultWorkspaceDir returns the workspace directory used by file tools
func DefaultWorkspaceDir() string {
	if d := os.Getenv("PARLEY_WORKSPACE"); d != "" {
		return d
	}
	exe, _ := os.Executable()
	return filepath.Join(filepath.Dir(exe), "workspace")
}

// ===== Buffers/Limits =====

const (
	// Tool output limits
	MaxToolOutputChars = 8000
	MaxWebPageChars    = 10000
	MaxShellLogChars   = 10000
)

// ===== Token/Context =====

const (
	// Context window defaults
	DefaultContextTokens = 8192
	DefaultReserveTokens = 1024
	DefaultMaxTokens     = 1000
)

// ===== Turn limits =====

const (
	DefaultMaxToolRounds = 8
	DefaultMaxRetries    = 3
)
