package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetDataDirFromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LLSIM_DIR", dir)
	if got := GetDataDir(); got != dir {
		t.Fatalf("GetDataDir() = %q, want %q", got, dir)
	}
}

func TestGetJournalDirCreates(t *testing.T) {
	base := t.TempDir()
	t.Setenv("LLSIM_DIR", base)

	dir, err := GetJournalDir("")
	if err != nil {
		t.Fatal(err)
	}
	if dir != filepath.Join(base, "journal") {
		t.Fatalf("dir = %q", dir)
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		t.Fatalf("journal dir not created: %v", err)
	}

	explicit := filepath.Join(base, "custom", "j")
	if dir, err = GetJournalDir(explicit); err != nil || dir != explicit {
		t.Fatalf("GetJournalDir(%q) = %q, %v", explicit, dir, err)
	}
}
