package util

import (
	"os"
	"path/filepath"
)

// GetDataDir returns the data directory path
func GetDataDir() string {
	if envDir := os.Getenv("LLSIM_DIR"); envDir != "" {
		return envDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	return filepath.Join(home, ".llsim-data")
}

// GetJournalDir returns the directory where event journals are written,
// creating it if needed. An empty base selects the data directory.
func GetJournalDir(base string) (string, error) {
	if base == "" {
		base = filepath.Join(GetDataDir(), "journal")
	}
	if err := os.MkdirAll(base, 0755); err != nil {
		return "", err
	}
	return base, nil
}
