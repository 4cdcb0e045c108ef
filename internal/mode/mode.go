// Package mode implements ModeManager: the process-wide Dev/Release toggle
// with activity-based auto-transition back to Release, passed by explicit
// reference into every Supervisor at construction rather than held as
// ambient global state.
package mode

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/mcp-supervisor/internal/metrics"
)

// Mode is one of the two run regimes.
type Mode int

const (
	Release Mode = iota
	Dev
)

func (m Mode) String() string {
	if m == Dev {
		return "dev"
	}
	return "release"
}

// SweepInterval is how often the idle-timeout sweep task checks for an
// overdue Dev→Release transition.
const SweepInterval = 60 * time.Second

// Manager centralizes Dev/Release state with activity-based auto-transition.
// The zero value is not usable; construct with New.
type Manager struct {
	mu           sync.RWMutex
	current      Mode
	lastActivity time.Time
	devTimeout   time.Duration

	log *slog.Logger

	// onIdleRelease is invoked (outside the lock) whenever the sweep task
	// transitions Dev→Release, so the Controller can trigger a rebuild-
	// in-place for every rust-typed process (spec.md §4.5).
	onIdleRelease func()
}

// New constructs a Manager. Initial mode is Release, "designed for boot
// scenarios where the supervisor launches unattended" (spec.md §4.5).
func New(devTimeout time.Duration, log *slog.Logger, onIdleRelease func()) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		current:       Release,
		lastActivity:  time.Now(),
		devTimeout:    devTimeout,
		log:           log,
		onIdleRelease: onIdleRelease,
	}
}

// Current returns the mode in effect right now.
func (m *Manager) Current() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// RecordActivity stamps the last-activity timestamp and, if currently
// Release, transitions to Dev.
func (m *Manager) RecordActivity() {
	m.mu.Lock()
	m.lastActivity = time.Now()
	wasRelease := m.current == Release
	m.current = Dev
	m.mu.Unlock()
	if wasRelease {
		m.log.Info("mode switched", "from", "release", "to", "dev", "reason", "activity")
		metrics.SetMode(true)
	}
}

// ForceDev switches to Dev immediately; RecordActivity is implied.
func (m *Manager) ForceDev() {
	m.RecordActivity()
}

// ForceRelease switches to Release immediately without touching the
// activity timestamp.
func (m *Manager) ForceRelease() {
	m.mu.Lock()
	changed := m.current != Release
	m.current = Release
	m.mu.Unlock()
	if changed {
		m.log.Info("mode switched", "from", "dev", "to", "release", "reason", "forced")
		metrics.SetMode(false)
	}
}

// TimeUntilRelease reports how long remains before the idle sweep would
// switch back to Release, or zero if already Release or overdue.
func (m *Manager) TimeUntilRelease() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == Release {
		return 0
	}
	remaining := m.devTimeout - time.Since(m.lastActivity)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Run drives the periodic idle-timeout sweep until ctx is canceled. Call it
// from a single long-lived goroutine owned by the Controller.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	m.mu.Lock()
	overdue := m.current == Dev && time.Since(m.lastActivity) >= m.devTimeout
	if overdue {
		m.current = Release
	}
	m.mu.Unlock()

	if overdue {
		m.log.Info("mode switched", "from", "dev", "to", "release", "reason", "idle_timeout")
		metrics.SetMode(false)
		if m.onIdleRelease != nil {
			m.onIdleRelease()
		}
	}
}
