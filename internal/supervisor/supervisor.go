// Package supervisor implements one configured process's end-to-end
// lifecycle: build (if Rust-typed), spawn, wait for exit, classify the
// observation as a crash or an intentional manual restart, back off, and
// repeat. The monitor loop and the zero-downtime restart protocol are
// grounded on the reference implementation's handler/supervisor split
// (internal/manager/handler.go, internal/manager/supervisor.go), with the
// control-channel serialization replaced by direct method calls guarded by
// a per-process restart latch, since this domain's restart protocol needs
// a build-before-stop ordering the original control channel didn't model.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/mcp-supervisor/internal/backoff"
	"github.com/loykin/mcp-supervisor/internal/builder"
	"github.com/loykin/mcp-supervisor/internal/logbuffer"
	"github.com/loykin/mcp-supervisor/internal/metrics"
	"github.com/loykin/mcp-supervisor/internal/mode"
	"github.com/loykin/mcp-supervisor/internal/processhandle"
	"github.com/loykin/mcp-supervisor/internal/procspec"
	"github.com/loykin/mcp-supervisor/internal/svcerr"
)

// sustainedUptime is the Running duration after which a subsequent crash's
// backoff resets to the base wait, per spec.md §4.4 / invariant #6.
const sustainedUptime = 60 * time.Second

// maxRecentEvents bounds the event trail Controller.get_status exposes.
const maxRecentEvents = 20

// State is the externally-observable lifecycle state of a supervised
// process. Exactly one of these holds at any instant.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCrashed:
		return "crashed"
	default:
		return "idle"
	}
}

// Event is one entry of a process's recent-events trail.
type Event struct {
	At     time.Time
	Kind   string
	Detail string
}

// Snapshot is a point-in-time, lock-free copy of a Supervisor's state, safe
// to hand to callers outside the package.
type Snapshot struct {
	Name               string
	State              State
	PID                int
	StartedAt          time.Time
	ConsecutiveCrashes int
	RecentEvents       []Event
}

// Uptime returns how long the process has been Running as of now, or 0 if
// not currently Running.
func (s Snapshot) Uptime() time.Duration {
	if s.State != StateRunning || s.StartedAt.IsZero() {
		return 0
	}
	return time.Since(s.StartedAt)
}

// Supervisor owns one ProcessHandle, one CrashBackoff, and the monitor task
// that loops build→spawn→wait→classify→backoff for a single configured
// process.
type Supervisor struct {
	cfg         procspec.Config
	handle      *processhandle.Handle
	backoff     *backoff.CrashBackoff
	builder     *builder.Builder
	buildLogs   *logbuffer.Buffer
	modeManager *mode.Manager
	log         *slog.Logger

	mu        sync.Mutex
	state     State
	pid       int
	startedAt time.Time
	events    []Event

	pendingArtifact []string
	wakeCh          chan struct{}

	genMu      sync.Mutex
	generation int
	genCh      chan struct{}

	restarting atomic.Bool
}

// New builds a Supervisor for cfg. processLogs is the LogBuffer capturing
// the process's own stdout/stderr; buildLogs is the separate build-output
// LogBuffer addressed via search_build_log.
func New(cfg procspec.Config, b *builder.Builder, processLogs, buildLogs *logbuffer.Buffer, mm *mode.Manager, bo *backoff.CrashBackoff, passthrough io.Writer, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		cfg:         cfg,
		handle:      processhandle.New(cfg.Name, processLogs, passthrough),
		backoff:     bo,
		builder:     b,
		buildLogs:   buildLogs,
		modeManager: mm,
		log:         log,
		wakeCh:      make(chan struct{}, 1),
		genCh:       make(chan struct{}),
	}
}

// Name returns the configured process name.
func (s *Supervisor) Name() string { return s.cfg.Name }

// Run is the monitor loop. It blocks until ctx is canceled, at which point
// it issues a graceful stop on the current child (if any) and returns.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			_ = s.handle.Stop(processhandle.DefaultGrace)
			return
		}

		argv, err := s.resolveArgv(ctx)
		if err != nil {
			s.recordEvent("build_failed", err.Error())
			metrics.IncBuild(s.cfg.Name, "fail")
			wait := s.classifyCrash()
			if !s.sleepBackoff(ctx, wait) {
				return
			}
			continue
		}

		pid, err := s.handle.Spawn(argv, s.cfg.WorkingDir, nil)
		if err != nil {
			s.recordEvent("spawn_failed", err.Error())
			wait := s.classifyCrash()
			if !s.sleepBackoff(ctx, wait) {
				return
			}
			continue
		}

		s.setRunning(pid)
		s.bumpGeneration()
		s.recordEvent("spawn", fmt.Sprintf("pid=%d", pid))
		metrics.SetState(s.cfg.Name, StateRunning.String(), true)
		s.log.Info("process started", "process", s.cfg.Name, "pid", pid)

		obs, err := s.handle.WaitForExit(ctx)
		if err != nil {
			// Context canceled mid-wait; the top-of-loop check handles the
			// graceful stop and return on the next iteration.
			continue
		}

		if s.handle.TakeManualRestart() {
			s.backoff.Reset()
			s.recordEvent("manual_restart", "")
			metrics.IncManualRestart(s.cfg.Name)
			metrics.SetConsecutiveCrashes(s.cfg.Name, 0)
			s.setIdle()
			continue
		}

		if s.runningFor() >= sustainedUptime {
			s.backoff.Reset()
		}
		s.backoff.RecordCrash()
		s.setCrashed(obs)
		metrics.IncCrash(s.cfg.Name)
		metrics.SetConsecutiveCrashes(s.cfg.Name, s.backoff.ConsecutiveCrashes())
		s.recordEvent("crash", crashReason(obs))

		wait := s.backoff.NextWait(s.modeManager.Current())
		if !s.sleepBackoff(ctx, wait) {
			return
		}
	}
}

// resolveArgv returns the argv for the next spawn: a pending pre-built
// artifact from an in-flight manual restart takes priority over building
// again, matching the monitor loop pseudocode's "build skipped on first
// iteration after manual_restart, which already built".
func (s *Supervisor) resolveArgv(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	pending := s.pendingArtifact
	s.pendingArtifact = nil
	s.mu.Unlock()
	if pending != nil {
		return pending, nil
	}

	if s.cfg.Kind != procspec.KindRust {
		argv := make([]string, 0, len(s.cfg.Command)+len(s.cfg.Args))
		argv = append(argv, s.cfg.Command...)
		argv = append(argv, s.cfg.Args...)
		return s.builder.Wrap(argv), nil
	}

	m := s.modeManager.Current()
	artifact, err := s.builder.Build(ctx, s.cfg.Name, m, s.buildLogs)
	if err != nil {
		return nil, err
	}
	metrics.IncBuild(s.cfg.Name, "ok")
	argv := append([]string{artifact}, s.cfg.Args...)
	return s.builder.Wrap(argv), nil
}

// classifyCrash records a crash for build/spawn failures that never
// produced a running episode and returns the next backoff wait.
func (s *Supervisor) classifyCrash() time.Duration {
	s.backoff.RecordCrash()
	s.setCrashed(processhandle.ExitObservation{At: time.Now()})
	metrics.IncCrash(s.cfg.Name)
	metrics.SetConsecutiveCrashes(s.cfg.Name, s.backoff.ConsecutiveCrashes())
	return s.backoff.NextWait(s.modeManager.Current())
}

// sleepBackoff waits for the backoff duration, waking early on a manual
// restart signal. Returns false if ctx was canceled, telling Run to stop.
func (s *Supervisor) sleepBackoff(ctx context.Context, wait time.Duration) bool {
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.wakeCh:
		return true
	case <-ctx.Done():
		return false
	}
}

// Restart executes the zero-downtime manual restart protocol (spec.md
// §4.6): latch manual_restart, build the new artifact while the old
// process keeps serving, then either swap it in or surface the build
// failure untouched. Concurrent calls for the same process are serialized:
// the second returns ErrBusy rather than double-building.
func (s *Supervisor) Restart(ctx context.Context) error {
	if !s.restarting.CompareAndSwap(false, true) {
		return svcerr.ErrBusy
	}
	defer s.restarting.Store(false)

	correlationID := uuid.NewString()
	s.log.Info("restart requested", "process", s.cfg.Name, "correlation_id", correlationID)
	s.handle.SetManualRestart(true)

	argv, err := s.buildForRestart(ctx)
	if err != nil {
		s.handle.TakeManualRestart()
		metrics.IncBuild(s.cfg.Name, "fail")
		s.recordEvent("restart_build_failed", correlationID+": "+err.Error())
		return err
	}
	metrics.IncBuild(s.cfg.Name, "ok")
	s.recordEvent("restart_built", correlationID)

	startGen := s.currentGeneration()
	s.mu.Lock()
	s.pendingArtifact = argv
	running := s.state == StateRunning
	s.mu.Unlock()

	if running {
		if err := s.handle.Stop(processhandle.DefaultGrace); err != nil {
			return err
		}
	} else {
		// No running episode to stop (process was Idle/Crashed, sleeping in
		// backoff): the latch set above has no stop()/exit-observation cycle
		// to consume it, so clear it here directly or it would leak into and
		// be misapplied to this freshly-spawned process's first real crash.
		s.handle.TakeManualRestart()
		// A manual restart still resets the crash count on this path.
		s.backoff.Reset()
		metrics.SetConsecutiveCrashes(s.cfg.Name, 0)
		select {
		case s.wakeCh <- struct{}{}:
		default:
		}
	}

	return s.waitForSpawnAfter(ctx, startGen)
}

func (s *Supervisor) buildForRestart(ctx context.Context) ([]string, error) {
	if s.cfg.Kind != procspec.KindRust {
		argv := make([]string, 0, len(s.cfg.Command)+len(s.cfg.Args))
		argv = append(argv, s.cfg.Command...)
		argv = append(argv, s.cfg.Args...)
		return s.builder.Wrap(argv), nil
	}
	m := s.modeManager.Current()
	artifact, err := s.builder.Build(ctx, s.cfg.Name, m, s.buildLogs)
	if err != nil {
		return nil, err
	}
	return s.builder.Wrap(append([]string{artifact}, s.cfg.Args...)), nil
}

// Snapshot returns the current externally-observable state.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := make([]Event, len(s.events))
	copy(events, s.events)
	return Snapshot{
		Name:               s.cfg.Name,
		State:              s.state,
		PID:                s.pid,
		StartedAt:          s.startedAt,
		ConsecutiveCrashes: s.backoff.ConsecutiveCrashes(),
		RecentEvents:       events,
	}
}

// Shutdown issues a graceful stop on the current child, if any, and
// returns once it is reaped. Intended for Controller shutdown, independent
// of the monitor loop's own ctx-cancellation stop.
func (s *Supervisor) Shutdown() error {
	return s.handle.Stop(processhandle.DefaultGrace)
}

func (s *Supervisor) setRunning(pid int) {
	s.mu.Lock()
	s.state = StateRunning
	s.pid = pid
	s.startedAt = time.Now()
	s.mu.Unlock()
	s.publishState(StateRunning)
}

func (s *Supervisor) setIdle() {
	s.mu.Lock()
	s.state = StateIdle
	s.mu.Unlock()
	s.publishState(StateIdle)
}

func (s *Supervisor) setCrashed(obs processhandle.ExitObservation) {
	s.mu.Lock()
	s.state = StateCrashed
	s.mu.Unlock()
	s.publishState(StateCrashed)
	_ = obs
}

// publishState marks state as the active current_state label for this
// process and every other state label as inactive.
func (s *Supervisor) publishState(state State) {
	for _, st := range []State{StateIdle, StateRunning, StateCrashed} {
		metrics.SetState(s.cfg.Name, st.String(), st == state)
	}
}

func (s *Supervisor) runningFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning || s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

func (s *Supervisor) recordEvent(kind, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, Event{At: time.Now(), Kind: kind, Detail: detail})
	if len(s.events) > maxRecentEvents {
		s.events = s.events[len(s.events)-maxRecentEvents:]
	}
}

func (s *Supervisor) bumpGeneration() {
	s.genMu.Lock()
	s.generation++
	ch := s.genCh
	s.genCh = make(chan struct{})
	s.genMu.Unlock()
	close(ch)
}

func (s *Supervisor) currentGeneration() int {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	return s.generation
}

// waitForSpawnAfter blocks until a spawn happens after startGen, or ctx is
// canceled.
func (s *Supervisor) waitForSpawnAfter(ctx context.Context, startGen int) error {
	for {
		s.genMu.Lock()
		gen := s.generation
		ch := s.genCh
		s.genMu.Unlock()
		if gen > startGen {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func crashReason(obs processhandle.ExitObservation) string {
	if obs.Err == nil {
		return "exited 0"
	}
	return fmt.Sprintf("exit_code=%d: %v", obs.ExitCode, obs.Err)
}
