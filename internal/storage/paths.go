// Package storage provides persistent storage for tablebase probe results
// and the platform data directories the engine reads and writes.
package storage

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "nnchess"

// GetDataDir returns the platform-specific data directory for the application.
// - macOS: ~/Library/Application Support/nnchess/
// - Linux: ~/.local/share/nnchess/
// - Windows: %APPDATA%/nnchess/
func GetDataDir() (string, error) {
	var baseDir string

	switch runtime.GOOS {
	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		baseDir = filepath.Join(homeDir, "Library", "Application Support")

	case "windows":
		baseDir = os.Getenv("APPDATA")
		if baseDir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			baseDir = filepath.Join(homeDir, "AppData", "Roaming")
		}

	default:
		// Check XDG_DATA_HOME first
		baseDir = os.Getenv("XDG_DATA_HOME")
		if baseDir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			baseDir = filepath.Join(homeDir, ".local", "share")
		}
	}

	dataDir := filepath.Join(baseDir, appName)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", err
	}
	return dataDir, nil
}

// GetNetworkDir returns the directory searched for evaluator weight files.
func GetNetworkDir() (string, error) {
	return subDir("networks")
}

// GetDatabaseDir returns the directory for the BadgerDB probe cache.
func GetDatabaseDir() (string, error) {
	return subDir("tbcache")
}

func subDir(name string) (string, error) {
	dataDir, err := GetDataDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(dataDir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}
