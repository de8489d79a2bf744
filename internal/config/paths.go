package config

import (
	"os"
	"path/filepath"
)

// HomePath returns the root directory for agentcore's local state (config,
// database, age key). It uses $AGENTCORE_PATH if set, otherwise ~/.agentcore.
func HomePath() string {
	if v := os.Getenv("AGENTCORE_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".agentcore")
	}
	return filepath.Join(home, ".agentcore")
}

// ConfigPath returns the path to the agentcore config file.
func ConfigPath() string {
	return filepath.Join(HomePath(), "config.jsonc")
}

// DotenvPath returns the path to the agentcore .env file.
func DotenvPath() string {
	return filepath.Join(HomePath(), ".env")
}

// DatabasePath returns the path to the embedded SQLite database file.
func DatabasePath() string {
	return filepath.Join(HomePath(), "agentcore.db")
}
