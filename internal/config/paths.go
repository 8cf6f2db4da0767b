// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// DataDirName is the application data directory under the user's home.
const DataDirName = ".corsie"

// DefaultDataDir returns ~/.corsie, creating it with 0700 if missing.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate home directory: %w", err)
	}
	dir := filepath.Join(home, DataDirName)
	// SECURITY: 0700 - directory holds keys and chat history
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dir, nil
}

// ConfigPath returns the config file path inside dataDir.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "config.toml")
}

// KeyPath returns the keyfile path inside dataDir.
func KeyPath(dataDir string) string {
	return filepath.Join(dataDir, "corsie.key")
}

// DBPath returns the SQLite database path inside dataDir.
func DBPath(dataDir string) string {
	return filepath.Join(dataDir, "corsie.db")
}
