//go:build !windows

// Package processhandle implements ProcessHandle: ownership of exactly one
// OS child process, with graceful-stop-then-kill semantics, captured
// stdout/stderr feeding a logbuffer.Buffer plus a prefixed pass-through
// mirror, and the manual-restart latch the zero-downtime restart protocol
// depends on. POSIX only: process-group signaling has no portable Windows
// analogue, and cross-platform support beyond POSIX signals is explicitly
// out of scope.
package processhandle

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/loykin/mcp-supervisor/internal/logbuffer"
	"github.com/loykin/mcp-supervisor/internal/svcerr"
)

// DefaultGrace is the hard wait before escalating a stop request to
// SIGKILL, per spec.md §5.
const DefaultGrace = 5 * time.Second

// ExitObservation is what wait_for_exit returns: a raw fact about how the
// child terminated. It is deliberately uninterpreted — classifying it as a
// crash or an intentional stop is the Supervisor's job, not this package's.
type ExitObservation struct {
	At       time.Time
	Err      error // nil on a clean (status 0) exit
	ExitCode int
}

// Handle owns one spawn of one configured process. A Handle is reused
// across respawns: Spawn resets its per-episode state.
type Handle struct {
	name        string
	logs        *logbuffer.Buffer
	passthrough io.Writer

	mu       sync.Mutex
	cmd      *exec.Cmd
	waitCh   chan struct{}
	observed ExitObservation
	pid      int

	manualRestart atomic.Bool
}

// New builds a Handle for the named process. Captured output is appended
// to logs and mirrored, prefixed, to passthrough (typically the
// supervisor's own stdout); passthrough may be nil to discard the mirror.
func New(name string, logs *logbuffer.Buffer, passthrough io.Writer) *Handle {
	return &Handle{name: name, logs: logs, passthrough: passthrough}
}

// Spawn starts argv (resolved by the caller — the built artifact for Rust
// processes, the raw configured command for External ones) in workDir with
// env (the parent's environment when env is empty) under its own process
// group, wires captured output, and
// transitions this Handle into the Running episode. It returns the child's
// pid.
func (h *Handle) Spawn(argv []string, workDir string, env []string) (int, error) {
	if len(argv) == 0 {
		return 0, fmt.Errorf("%w: empty command", svcerr.ErrSpawnFailed)
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workDir
	if len(env) > 0 {
		cmd.Env = env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	h.logs.NewInstance()
	cmd.Stdout = &logbuffer.LineWriter{Buf: h.logs, Stream: logbuffer.StreamStdout, Passthrough: h.passthrough, Prefix: "[" + h.name + "] "}
	cmd.Stderr = &logbuffer.LineWriter{Buf: h.logs, Stream: logbuffer.StreamStderr, Passthrough: h.passthrough, Prefix: "[" + h.name + "] [stderr] "}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("%w: %v", svcerr.ErrSpawnFailed, err)
	}

	waitCh := make(chan struct{})
	h.mu.Lock()
	h.cmd = cmd
	h.waitCh = waitCh
	h.pid = cmd.Process.Pid
	h.mu.Unlock()

	go func() {
		err := cmd.Wait() // blocks until captured-stream copying finishes too
		obs := ExitObservation{At: time.Now()}
		if err != nil {
			obs.Err = err
			if exitErr, ok := err.(*exec.ExitError); ok {
				obs.ExitCode = exitErr.ExitCode()
			} else {
				obs.ExitCode = -1
			}
		}
		h.mu.Lock()
		h.observed = obs
		h.mu.Unlock()
		close(waitCh)
	}()

	return h.pid, nil
}

// WaitForExit blocks until the current episode's child terminates and
// returns the raw observation. It does not classify the exit.
func (h *Handle) WaitForExit(ctx context.Context) (ExitObservation, error) {
	h.mu.Lock()
	waitCh := h.waitCh
	h.mu.Unlock()
	if waitCh == nil {
		return ExitObservation{}, fmt.Errorf("wait_for_exit called with no spawned child")
	}
	select {
	case <-waitCh:
	case <-ctx.Done():
		return ExitObservation{}, ctx.Err()
	}
	h.mu.Lock()
	obs := h.observed
	h.mu.Unlock()
	return obs, nil
}

// Stop sends SIGTERM to the child's process group, waits up to grace, then
// escalates to SIGKILL, returning once the child is reaped. Idempotent
// from Idle (no spawned child).
func (h *Handle) Stop(grace time.Duration) error {
	h.mu.Lock()
	cmd := h.cmd
	waitCh := h.waitCh
	pid := h.pid
	h.mu.Unlock()
	if cmd == nil || waitCh == nil {
		return nil
	}

	// Negative pid targets the whole process group created via Setpgid.
	_ = syscall.Kill(-pid, syscall.SIGTERM)

	select {
	case <-waitCh:
		return nil
	case <-time.After(grace):
	}

	_ = syscall.Kill(-pid, syscall.SIGKILL)
	<-waitCh
	return nil
}

// PID returns the current episode's pid, or 0 if none spawned.
func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

// SetManualRestart latches the flag telling the next observed exit that it
// is intentional, not a crash.
func (h *Handle) SetManualRestart(v bool) { h.manualRestart.Store(v) }

// TakeManualRestart atomically reads and clears the flag, consuming it
// exactly once per spec.md's invariant #1.
func (h *Handle) TakeManualRestart() bool { return h.manualRestart.Swap(false) }
