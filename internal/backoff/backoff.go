// Package backoff implements CrashBackoff: the per-process state machine
// that computes the wait before the next respawn attempt, given the current
// mode and the run of consecutive crashes.
package backoff

import (
	"math"
	"sync"
	"time"

	"github.com/loykin/mcp-supervisor/internal/mode"
)

// Config holds the tunables that shape backoff behavior. DevCrashWait,
// ReleaseBackoffInitial and ReleaseBackoffMax come from the .mcp-run file.
type Config struct {
	DevCrashWait               time.Duration
	ReleaseBackoffInitial      time.Duration
	ReleaseBackoffMax          time.Duration
	ReleaseBackoffFactor       float64 // fixed at 1.5 in production; overridable for tests
	SustainedUptimeResetsAfter time.Duration
}

// DefaultConfig matches the .mcp-run defaults from spec.md §6.
func DefaultConfig() Config {
	return Config{
		DevCrashWait:               120 * time.Second,
		ReleaseBackoffInitial:      1 * time.Second,
		ReleaseBackoffMax:          300 * time.Second,
		ReleaseBackoffFactor:       1.5,
		SustainedUptimeResetsAfter: 60 * time.Second,
	}
}

// CrashBackoff tracks consecutive-crash state for a single process.
//
// Release-mode growth is a rung ladder recomputed on each crash from the
// previous *rounded* rung (rung_n = round(rung_{n-1} * factor), rung_1 = A,
// capped at M) rather than a closed-form A*factor^n evaluated fresh each
// call. The two agree in the limit but diverge slightly step to step
// because rounding compounds; the ladder form is what reproduces the
// {1,2,3,5,8}-second growth for five successive crashes with A=1s that this
// component is required to match, so it is the one implemented here (see
// DESIGN.md for the worked comparison).
type CrashBackoff struct {
	cfg Config

	mu          sync.Mutex
	crashes     int
	releaseRung time.Duration
}

// New builds a CrashBackoff using cfg.
func New(cfg Config) *CrashBackoff {
	if cfg.ReleaseBackoffFactor == 0 {
		cfg.ReleaseBackoffFactor = 1.5
	}
	return &CrashBackoff{cfg: cfg}
}

// RecordCrash advances the consecutive-crash counter and the release-mode
// rung ladder. It always advances the ladder, even while in Dev mode, so a
// mode switch mid-sequence lines back up with the crash count: spec.md
// §4.4 requires "mode-switch between crashes does not reset n."
func (cb *CrashBackoff) RecordCrash() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.crashes++
	if cb.crashes == 1 {
		cb.releaseRung = roundToSecond(cb.cfg.ReleaseBackoffInitial)
	} else {
		next := time.Duration(math.Round(cb.releaseRung.Seconds()*cb.cfg.ReleaseBackoffFactor)) * time.Second
		if next > cb.cfg.ReleaseBackoffMax {
			next = cb.cfg.ReleaseBackoffMax
		}
		cb.releaseRung = next
	}
}

// NextWait returns the wait duration for the current mode, given the crash
// count recorded so far via RecordCrash. Dev mode always returns the fixed
// pause; Release mode returns the current rung.
func (cb *CrashBackoff) NextWait(m mode.Mode) time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if m == mode.Dev {
		return cb.cfg.DevCrashWait
	}
	if cb.releaseRung <= 0 {
		return roundToSecond(cb.cfg.ReleaseBackoffInitial)
	}
	return cb.releaseRung
}

// Reset zeros the consecutive-crash count, called after a sustained Running
// episode or a manual restart.
func (cb *CrashBackoff) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.crashes = 0
	cb.releaseRung = 0
}

// ConsecutiveCrashes reports the current count, for status reporting.
func (cb *CrashBackoff) ConsecutiveCrashes() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.crashes
}

// ResetsAfterUptime reports whether an episode that ran for the given
// duration is long enough to count as a "sustained" run per spec.md §4.4.
func (cb *CrashBackoff) ResetsAfterUptime(uptime time.Duration) bool {
	return uptime >= cb.cfg.SustainedUptimeResetsAfter
}

func roundToSecond(d time.Duration) time.Duration {
	return time.Duration(math.Round(d.Seconds())) * time.Second
}
