// Package appdir locates the myfisker data directory, which holds the
// configuration file (config.yaml), the last snapshot (state.json) and
// rotated logs (logs/ subdirectory).
package appdir

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

const (
	// DirEnv is the environment variable to override the data directory.
	DirEnv = "MYFISKER_DIR"

	// ConfigFileName is the name of the configuration file.
	ConfigFileName = "config.yaml"

	// LogsDirName is the name of the logs subdirectory.
	LogsDirName = "logs"

	// LogFileName is the name of the rotated log file.
	LogFileName = "myfisker.log"

	// StateFileName holds the last published snapshot.
	StateFileName = "state.json"
)

var (
	// cachedDir stores the resolved directory to avoid repeated lookups.
	cachedDir string
	// mu protects cachedDir.
	mu sync.RWMutex
)

// Dir returns the data directory path.
// The directory is determined in the following order:
//  1. MYFISKER_DIR environment variable (if set)
//  2. Platform-specific default:
//     - macOS: ~/Library/Application Support/MyFisker
//     - Linux: $XDG_CONFIG_HOME/myfisker or ~/.config/myfisker
//     - Windows: %APPDATA%\MyFisker
//
// This function only returns the path; use EnsureDir() to create it.
func Dir() (string, error) {
	mu.RLock()
	if cachedDir != "" {
		dir := cachedDir
		mu.RUnlock()
		return dir, nil
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	if cachedDir != "" {
		return cachedDir, nil
	}

	dir, err := resolveDir()
	if err != nil {
		return "", err
	}

	cachedDir = dir
	return dir, nil
}

func resolveDir() (string, error) {
	if envDir := os.Getenv(DirEnv); envDir != "" {
		return envDir, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support", "MyFisker"), nil

	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(homeDir, "AppData", "Roaming")
		}
		return filepath.Join(appData, "MyFisker"), nil

	default:
		configDir := os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			configDir = filepath.Join(homeDir, ".config")
		}
		return filepath.Join(configDir, "myfisker"), nil
	}
}

// EnsureDir creates the data directory and its logs subdirectory.
func EnsureDir() error {
	dir, err := Dir()
	if err != nil {
		return err
	}

	logsDir := filepath.Join(dir, LogsDirName)
	if err := os.MkdirAll(logsDir, 0o700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", logsDir, err)
	}
	return nil
}

// ConfigPath returns the full path to config.yaml.
func ConfigPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ConfigFileName), nil
}

// LogFilePath returns the default path of the rotated log file.
func LogFilePath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, LogsDirName, LogFileName), nil
}

// ResetCache clears the cached directory path.
// This is primarily useful for testing.
func ResetCache() {
	mu.Lock()
	defer mu.Unlock()
	cachedDir = ""
}

// StatePath returns the full path to state.json.
func StatePath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, StateFileName), nil
}
