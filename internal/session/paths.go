package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.chatkit.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatkit")
}

// Dir returns the identity-specific directory.
func Dir(identity string) string {
	return filepath.Join(BaseDir(), "identities", identity)
}

// HistoryDBPath returns the local history cache database path.
func HistoryDBPath(identity string) string {
	return filepath.Join(Dir(identity), "history.db")
}

// LogDir returns the log directory for an identity.
func LogDir(identity string) string {
	return filepath.Join(Dir(identity), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(identity string) string {
	return filepath.Join(LogDir(identity), "chatd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the identity directory tree with proper permissions.
func EnsureDir(identity string) error {
	dirs := []string{
		Dir(identity),
		LogDir(identity),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
