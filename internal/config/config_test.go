package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/loykin/mcp-supervisor/internal/procspec"
	"github.com/loykin/mcp-supervisor/internal/svcerr"
)

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(body), 0o644); err != nil {
		t.Fatalf("writeConfig: %v", err)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
mcp_port = 4000

[process.web]
type = "rust"
`)
	s, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.DevTimeout.Hours() != DefaultDevTimeoutHours {
		t.Fatalf("expected default dev_timeout_hours, got %v", s.DevTimeout)
	}
	if s.DevCrashWait.Seconds() != DefaultDevCrashWaitSeconds {
		t.Fatalf("expected default dev_crash_wait_seconds, got %v", s.DevCrashWait)
	}
	if s.ReleaseCrashBackoffInitial.Seconds() != DefaultReleaseBackoffInitialSeconds {
		t.Fatalf("expected default release backoff initial, got %v", s.ReleaseCrashBackoffInitial)
	}
	if s.ReleaseCrashBackoffMax.Seconds() != DefaultReleaseBackoffMaxSeconds {
		t.Fatalf("expected default release backoff max, got %v", s.ReleaseCrashBackoffMax)
	}
	if len(s.Processes) != 1 || s.Processes[0].Kind != procspec.KindRust {
		t.Fatalf("expected one rust process, got %+v", s.Processes)
	}
}

func TestLoadNpmMapsToExternalKind(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
mcp_port = 4000

[process.web]
type = "npm"
command = ["npm", "run", "dev"]
`)
	s, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Processes[0].Kind != procspec.KindExternal {
		t.Fatalf("expected external kind for npm, got %v", s.Processes[0].Kind)
	}
}

func TestLoadMissingPortIsInvalid(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[process.web]
type = "rust"
`)
	_, err := Load(dir)
	if err == nil {
		t.Fatal("expected error for missing mcp_port")
	}
	if !isConfigInvalid(err) {
		t.Fatalf("expected ErrConfigInvalid, got %v", err)
	}
}

func TestLoadNoProcessesIsInvalid(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `mcp_port = 4000`)
	_, err := Load(dir)
	if err == nil || !isConfigInvalid(err) {
		t.Fatalf("expected ErrConfigInvalid, got %v", err)
	}
}

func TestLoadExternalWithoutCommandIsInvalid(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
mcp_port = 4000

[process.web]
type = "npm"
`)
	_, err := Load(dir)
	if err == nil || !isConfigInvalid(err) {
		t.Fatalf("expected ErrConfigInvalid, got %v", err)
	}
}

func TestLoadUnknownTypeIsInvalid(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
mcp_port = 4000

[process.web]
type = "python"
`)
	_, err := Load(dir)
	if err == nil || !isConfigInvalid(err) {
		t.Fatalf("expected ErrConfigInvalid, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	if err == nil || !isConfigInvalid(err) {
		t.Fatalf("expected ErrConfigInvalid for missing file, got %v", err)
	}
}

func isConfigInvalid(err error) bool {
	return errors.Is(err, svcerr.ErrConfigInvalid)
}
