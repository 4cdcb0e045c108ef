//go:build !windows

package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/mcp-supervisor/internal/backoff"
	"github.com/loykin/mcp-supervisor/internal/builder"
	"github.com/loykin/mcp-supervisor/internal/logbuffer"
	"github.com/loykin/mcp-supervisor/internal/mode"
	"github.com/loykin/mcp-supervisor/internal/procspec"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}
}

func newTestBackoff() *backoff.CrashBackoff {
	cfg := backoff.DefaultConfig()
	cfg.DevCrashWait = 30 * time.Millisecond
	cfg.ReleaseBackoffInitial = 10 * time.Millisecond
	cfg.ReleaseBackoffMax = 40 * time.Millisecond
	return backoff.New(cfg)
}

func newTestMode() *mode.Manager {
	return mode.New(time.Hour, nil, nil)
}

func externalSupervisor(t *testing.T, script string) *Supervisor {
	t.Helper()
	dir := t.TempDir()
	cfg := procspec.Config{
		Name:       "svc",
		Kind:       procspec.KindExternal,
		Command:    []string{"sh", "-c", script},
		WorkingDir: dir,
	}
	processLogs := logbuffer.New(1000)
	buildLogs := logbuffer.New(1000)
	b := builder.New(dir)
	return New(cfg, b, processLogs, buildLogs, newTestMode(), newTestBackoff(), nil, nil)
}

func TestRunRespawnsAfterCrashWithBackoff(t *testing.T) {
	requireUnix(t)
	s := externalSupervisor(t, "exit 1")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	snap := s.Snapshot()
	if snap.ConsecutiveCrashes < 2 {
		t.Fatalf("expected multiple crashes recorded, got %d", snap.ConsecutiveCrashes)
	}
	foundCrash := false
	for _, e := range snap.RecentEvents {
		if e.Kind == "crash" {
			foundCrash = true
		}
	}
	if !foundCrash {
		t.Fatalf("expected a crash event, got %+v", snap.RecentEvents)
	}
}

func TestRestartSwapsWithoutClassifyingAsCrash(t *testing.T) {
	requireUnix(t)
	s := externalSupervisor(t, "sleep 5")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitForState(t, s, StateRunning)
	firstPID := s.Snapshot().PID

	restartCtx, restartCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer restartCancel()
	if err := s.Restart(restartCtx); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	waitForState(t, s, StateRunning)
	snap := s.Snapshot()
	if snap.PID == firstPID {
		t.Fatal("expected a new pid after restart")
	}
	if snap.ConsecutiveCrashes != 0 {
		t.Fatalf("manual restart must not count as a crash, got %d", snap.ConsecutiveCrashes)
	}
}

func TestConcurrentRestartsSerializeWithBusy(t *testing.T) {
	requireUnix(t)
	s := externalSupervisor(t, "sleep 5")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	waitForState(t, s, StateRunning)

	results := make(chan error, 2)
	go func() { results <- s.Restart(context.Background()) }()
	go func() { results <- s.Restart(context.Background()) }()

	first := <-results
	second := <-results
	if (first == nil) == (second == nil) {
		t.Fatalf("expected exactly one Restart to succeed, got %v and %v", first, second)
	}
}

func TestRustProcessBuildFailureDoesNotSpawn(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte("[package]\nname=\"x\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// No cargo on PATH inside the sandbox test environment: Build fails.
	os.Setenv("PATH", "/nonexistent")
	defer os.Unsetenv("PATH")

	cfg := procspec.Config{Name: "web", Kind: procspec.KindRust, WorkingDir: dir}
	processLogs := logbuffer.New(1000)
	buildLogs := logbuffer.New(1000)
	s := New(cfg, builder.New(dir), processLogs, buildLogs, newTestMode(), newTestBackoff(), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	snap := s.Snapshot()
	if snap.State == StateRunning {
		t.Fatal("expected no successful spawn when build fails")
	}
}

func waitForState(t *testing.T, s *Supervisor, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Snapshot().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %v, got %v", want, s.Snapshot().State)
}
