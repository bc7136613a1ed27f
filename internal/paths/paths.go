package paths

import (
	"os"
	"path/filepath"
)

// DefaultDataDir returns ~/.wahub.
func DefaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wahub")
}

// ConfigPath returns the config file path inside a data dir.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "config.toml")
}

// LockPath returns the daemon lock file path.
func LockPath(dataDir string) string {
	return filepath.Join(dataDir, "LOCK")
}

// AppDBPath returns the app-owned wahub.db path.
func AppDBPath(dataDir string) string {
	return filepath.Join(dataDir, "wahub.db")
}

// LogPath returns the daemon log file path.
func LogPath(dataDir string) string {
	return filepath.Join(dataDir, "logs", "wahubd.log")
}

// SessionDir returns the per-session directory holding credentials.
func SessionDir(dataDir, sessionID string) string {
	return filepath.Join(dataDir, "sessions", sessionID)
}

// SessionDBPath returns the whatsmeow session.db path for a session.
func SessionDBPath(dataDir, sessionID string) string {
	return filepath.Join(SessionDir(dataDir, sessionID), "session.db")
}

// EnsureDataDir creates the data directory tree with proper permissions.
func EnsureDataDir(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "logs"),
		filepath.Join(dataDir, "sessions"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// EnsureSessionDir creates the directory for one session.
func EnsureSessionDir(dataDir, sessionID string) error {
	return os.MkdirAll(SessionDir(dataDir, sessionID), 0700)
}
