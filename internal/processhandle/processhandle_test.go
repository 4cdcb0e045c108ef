//go:build !windows

package processhandle

import (
	"bytes"
	"context"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/loykin/mcp-supervisor/internal/logbuffer"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestSpawnAndWaitForExit(t *testing.T) {
	requireUnix(t)
	logs := logbuffer.New(0)
	h := New("p1", logs, nil)
	pid, err := h.Spawn([]string{"sh", "-c", "echo hello; exit 0"}, "", nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if pid <= 0 {
		t.Fatalf("want positive pid, got %d", pid)
	}
	obs, err := h.WaitForExit(context.Background())
	if err != nil {
		t.Fatalf("WaitForExit: %v", err)
	}
	if obs.Err != nil {
		t.Fatalf("want clean exit, got %v", obs.Err)
	}

	res, err := logs.Search(logbuffer.SearchParams{})
	if err != nil {
		t.Fatal(err)
	}
	lines := logbuffer.FormatLines(res)
	if len(lines) != 1 || lines[0] != "hello" {
		t.Fatalf("want captured [hello], got %v", lines)
	}
}

func TestSpawnNonZeroExit(t *testing.T) {
	requireUnix(t)
	logs := logbuffer.New(0)
	h := New("p1", logs, nil)
	if _, err := h.Spawn([]string{"sh", "-c", "exit 3"}, "", nil); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	obs, err := h.WaitForExit(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if obs.Err == nil || obs.ExitCode != 3 {
		t.Fatalf("want exit code 3, got err=%v code=%d", obs.Err, obs.ExitCode)
	}
}

func TestStopIsIdempotentFromIdle(t *testing.T) {
	logs := logbuffer.New(0)
	h := New("p1", logs, nil)
	if err := h.Stop(time.Second); err != nil {
		t.Fatalf("Stop from idle should be a no-op, got %v", err)
	}
}

func TestStopGracefullyTerminates(t *testing.T) {
	requireUnix(t)
	logs := logbuffer.New(0)
	h := New("p1", logs, nil)
	if _, err := h.Spawn([]string{"sh", "-c", "trap 'exit 0' TERM; sleep 30"}, "", nil); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	done := make(chan struct{})
	go func() {
		_, _ = h.WaitForExit(context.Background())
		close(done)
	}()
	if err := h.Stop(2 * time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("WaitForExit did not observe stop")
	}
}

func TestManualRestartFlagConsumedOnce(t *testing.T) {
	logs := logbuffer.New(0)
	h := New("p1", logs, nil)
	h.SetManualRestart(true)
	if !h.TakeManualRestart() {
		t.Fatal("want true on first take")
	}
	if h.TakeManualRestart() {
		t.Fatal("want false on second take: flag must be consumed exactly once")
	}
}

func TestPassthroughPrefixesLines(t *testing.T) {
	requireUnix(t)
	logs := logbuffer.New(0)
	var buf bytes.Buffer
	h := New("web", logs, &buf)
	if _, err := h.Spawn([]string{"sh", "-c", "echo out; echo err 1>&2"}, "", nil); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if _, err := h.WaitForExit(context.Background()); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "[web] out") {
		t.Fatalf("want prefixed stdout line, got %q", out)
	}
	if !strings.Contains(out, "[web] [stderr] err") {
		t.Fatalf("want prefixed stderr line, got %q", out)
	}
}
