package obslog

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewWithDirCreatesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	log := New(Options{Dir: dir})
	log.Info("hello", "k", "v")

	path := filepath.Join(dir, "supervisor.log")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected log file at %s: %v", path, err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty log output")
	}
}

func TestNewWithoutDirDoesNotPanic(t *testing.T) {
	log := New(Options{})
	log.Info("hello")
}
