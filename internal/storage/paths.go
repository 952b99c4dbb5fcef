package storage

import (
	"os"
	"path/filepath"
)

const appName = ".burrow"

// DefaultStoragePath returns the default storage location for burrow.
// Platform-specific paths:
//   - macOS/Linux: ~/.burrow
//   - Windows: %USERPROFILE%\.burrow
func DefaultStoragePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, appName), nil
}
