// Package appdir locates the sshwarden data directory, which holds the
// configuration file (sshwarden.yaml) and the registries (registry/).
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
	DirEnv = "SSHWARDEN_DIR"

	// RegistryDirName is the name of the registries subdirectory.
	RegistryDirName = "registry"

	// systemDir is used when running as root on Unix-like systems.
	systemDir = "/var/lib/sshwarden"
)

var (
	// cachedDir stores the resolved directory to avoid repeated lookups.
	cachedDir string
	// mu protects cachedDir.
	mu sync.RWMutex

	// geteuid is replaced in tests.
	geteuid = os.Geteuid
)

// Dir returns the sshwarden data directory path.
// The directory is determined in the following order:
//  1. SSHWARDEN_DIR environment variable (if set)
//  2. /var/lib/sshwarden when running as root on Linux and other Unix systems
//  3. Per-user default:
//     - macOS: ~/Library/Application Support/sshwarden
//     - Linux: $XDG_DATA_HOME/sshwarden or ~/.local/share/sshwarden
//     - Windows: %APPDATA%\sshwarden
//
// This function only returns the path; use EnsureDir to create it.
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

	dir, err := resolveDir(runtime.GOOS)
	if err != nil {
		return "", err
	}

	cachedDir = dir
	return dir, nil
}

func resolveDir(goos string) (string, error) {
	if envDir := os.Getenv(DirEnv); envDir != "" {
		return envDir, nil
	}

	switch goos {
	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(homeDir, "Library", "Application Support", "sshwarden"), nil

	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			appData = filepath.Join(homeDir, "AppData", "Roaming")
		}
		return filepath.Join(appData, "sshwarden"), nil

	default:
		if geteuid() == 0 {
			return systemDir, nil
		}
		dataDir := os.Getenv("XDG_DATA_HOME")
		if dataDir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			dataDir = filepath.Join(homeDir, ".local", "share")
		}
		return filepath.Join(dataDir, "sshwarden"), nil
	}
}

// EnsureDir creates the data directory and its registry subdirectory.
func EnsureDir() error {
	dir, err := Dir()
	if err != nil {
		return err
	}

	registryDir := filepath.Join(dir, RegistryDirName)
	if err := os.MkdirAll(registryDir, 0o750); err != nil {
		return fmt.Errorf("failed to create registry directory %s: %w", registryDir, err)
	}
	return nil
}

// RegistryDir returns the full path to the registries directory.
func RegistryDir() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, RegistryDirName), nil
}

// ResetCache clears the cached directory path.
// This is primarily useful for testing.
func ResetCache() {
	mu.Lock()
	defer mu.Unlock()
	cachedDir = ""
}
