// Package controller implements the top-level coordinator: it starts one
// Supervisor per configured process, owns the shared ModeManager, and
// serves the four remote-control operations (search_logs,
// search_build_log, restart, get_status) that the transport layer exposes
// over JSON-RPC. Grounded on the reference implementation's own top-level
// Manager (internal/manager/manager.go): a map of per-process entries
// guarded by a mutex, with lifecycle recording callbacks replaced here by
// direct calls into each process's Supervisor.
package controller

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/mcp-supervisor/internal/backoff"
	"github.com/loykin/mcp-supervisor/internal/builder"
	"github.com/loykin/mcp-supervisor/internal/config"
	"github.com/loykin/mcp-supervisor/internal/logbuffer"
	"github.com/loykin/mcp-supervisor/internal/mode"
	"github.com/loykin/mcp-supervisor/internal/procspec"
	"github.com/loykin/mcp-supervisor/internal/supervisor"
	"github.com/loykin/mcp-supervisor/internal/svcerr"
)

// StatusEntry is one process's get_status row.
type StatusEntry struct {
	Name               string
	State              string
	CurrentMode        string
	PID                int
	UptimeSeconds      float64
	ConsecutiveCrashes int
	RecentEvents       []supervisor.Event
}

// entry bundles a Supervisor with the two LogBuffers addressing its
// process output and its build output.
type entry struct {
	sup         *supervisor.Supervisor
	processLogs *logbuffer.Buffer
	buildLogs   *logbuffer.Buffer
	kind        procspec.Kind
}

// Controller is the process-wide singleton composing every Supervisor for
// one project directory.
type Controller struct {
	mu      sync.RWMutex
	entries map[string]*entry
	mode    *mode.Manager
	log     *slog.Logger

	wg sync.WaitGroup
}

// New assembles a Controller from a loaded Settings and a shared
// passthrough sink (typically the supervisor process's own stdout) that
// every captured child stream is mirrored to, prefixed by process name.
func New(settings *config.Settings, projectDir string, passthrough io.Writer, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}

	c := &Controller{
		entries: make(map[string]*entry, len(settings.Processes)),
		log:     log,
	}

	b := builder.New(projectDir)
	bkCfg := backoff.Config{
		DevCrashWait:               settings.DevCrashWait,
		ReleaseBackoffInitial:      settings.ReleaseCrashBackoffInitial,
		ReleaseBackoffMax:          settings.ReleaseCrashBackoffMax,
		ReleaseBackoffFactor:       1.5,
		SustainedUptimeResetsAfter: 60 * time.Second,
	}

	c.mode = mode.New(settings.DevTimeout, log, c.rebuildAllRust)

	for _, pc := range settings.Processes {
		processLogs := logbuffer.New(logbuffer.MaxLinesPerInstance)
		buildLogs := logbuffer.New(logbuffer.MaxLinesPerInstance)
		sup := supervisor.New(pc, b, processLogs, buildLogs, c.mode, backoff.New(bkCfg), passthrough, log.With("process", pc.Name))
		c.entries[pc.Name] = &entry{sup: sup, processLogs: processLogs, buildLogs: buildLogs, kind: pc.Kind}
	}

	return c
}

// Run starts the ModeManager's idle sweep and every Supervisor's monitor
// loop, blocking until ctx is canceled. On cancellation it waits for every
// monitor loop to finish its graceful stop before returning.
func (c *Controller) Run(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.mode.Run(ctx)
	}()

	c.mu.RLock()
	entries := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	for _, e := range entries {
		e := e
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			e.sup.Run(ctx)
		}()
	}

	<-ctx.Done()
	c.wg.Wait()
}

// rebuildAllRust is ModeManager's onIdleRelease hook (spec.md §4.5): when
// the idle sweep flips Dev→Release, every rust-typed process is rebuilt in
// place via the same zero-downtime protocol restart uses.
func (c *Controller) rebuildAllRust() {
	c.mu.RLock()
	targets := make([]*supervisor.Supervisor, 0, len(c.entries))
	for _, e := range c.entries {
		if e.kind == procspec.KindRust {
			targets = append(targets, e.sup)
		}
	}
	c.mu.RUnlock()

	for _, sup := range targets {
		sup := sup
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := sup.Restart(ctx); err != nil {
				c.log.Warn("idle-release rebuild failed", "process", sup.Name(), "error", err)
			}
		}()
	}
}

// SearchLogs serves search_logs (spec.md §4.7): records activity, then
// searches the named process's captured-output LogBuffer.
func (c *Controller) SearchLogs(process string, params logbuffer.SearchParams) (logbuffer.SearchResult, error) {
	c.mode.RecordActivity()
	e, err := c.lookup(process)
	if err != nil {
		return logbuffer.SearchResult{}, err
	}
	return e.processLogs.Search(params)
}

// SearchBuildLog serves search_build_log against the same process's build
// LogBuffer.
func (c *Controller) SearchBuildLog(process string, params logbuffer.SearchParams) (logbuffer.SearchResult, error) {
	c.mode.RecordActivity()
	e, err := c.lookup(process)
	if err != nil {
		return logbuffer.SearchResult{}, err
	}
	return e.buildLogs.Search(params)
}

// Restart serves restart (spec.md §4.6/§4.7): records activity, forces Dev
// mode, and executes the zero-downtime restart protocol, returning only
// once the new process is Running or the build has failed.
func (c *Controller) Restart(ctx context.Context, process string) error {
	c.mode.ForceDev()
	e, err := c.lookup(process)
	if err != nil {
		return err
	}
	return e.sup.Restart(ctx)
}

// GetStatus serves get_status: records activity, then snapshots every
// configured process.
func (c *Controller) GetStatus() []StatusEntry {
	c.mode.RecordActivity()

	c.mu.RLock()
	entries := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	out := make([]StatusEntry, 0, len(entries))
	currentMode := c.mode.Current().String()
	for _, e := range entries {
		snap := e.sup.Snapshot()
		out = append(out, StatusEntry{
			Name:               snap.Name,
			State:              snap.State.String(),
			CurrentMode:        currentMode,
			PID:                snap.PID,
			UptimeSeconds:      snap.Uptime().Seconds(),
			ConsecutiveCrashes: snap.ConsecutiveCrashes,
			RecentEvents:       snap.RecentEvents,
		})
	}
	return out
}

func (c *Controller) lookup(process string) (*entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[process]
	if !ok {
		return nil, fmt.Errorf("%w: %s", svcerr.ErrProcessUnknown, process)
	}
	return e, nil
}
