// Package appdir locates the agentchat data directory, which holds the
// persisted chat rooms.
package appdir

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/inercia/agentchat/internal/store"
)

// DirEnv is the environment variable overriding the data directory.
const DirEnv = "AGENTCHAT_DIR"

const appName = "agentchat"

var (
	cachedDir string
	mu        sync.RWMutex
)

// Dir returns the data directory path.
// The directory is determined in the following order:
//  1. AGENTCHAT_DIR environment variable (if set)
//  2. Platform-specific default:
//     - macOS: ~/Library/Application Support/agentchat
//     - Linux: $XDG_DATA_HOME/agentchat or ~/.local/share/agentchat
//     - Windows: %APPDATA%\agentchat
//
// Dir does not create the directory; use EnsureDir for that.
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
	home, homeErr := os.UserHomeDir()
	dir := platformDir(runtime.GOOS, home, os.Getenv)
	if dir == "" {
		return "", fmt.Errorf("cannot locate data directory: %w", homeErr)
	}
	return dir, nil
}

// platformDir returns the default data directory for goos, or "" when it
// depends on a home directory that is unknown.
func platformDir(goos, home string, getenv func(string) string) string {
	var base string
	switch goos {
	case "darwin":
		if home != "" {
			base = filepath.Join(home, "Library", "Application Support")
		}
	case "windows":
		if base = getenv("APPDATA"); base == "" && home != "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
	default:
		if base = getenv("XDG_DATA_HOME"); base == "" && home != "" {
			base = filepath.Join(home, ".local", "share")
		}
	}
	if base == "" {
		return ""
	}
	return filepath.Join(base, appName)
}

// EnsureDir creates the data directory if it doesn't exist.
func EnsureDir() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", dir, err)
	}
	return nil
}

// StorePath returns the full path of the persisted rooms file.
func StorePath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, store.FileName), nil
}

// ResetCache forgets the resolved directory, so the next Dir call reads
// AGENTCHAT_DIR again.
func ResetCache() {
	mu.Lock()
	defer mu.Unlock()
	cachedDir = ""
}
