// Package config loads the per-project .mcp-run TOML configuration file,
// following the reference implementation's own viper-based
// FileConfig-plus-mapstructure-tags pattern.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/mcp-supervisor/internal/procspec"
	"github.com/loykin/mcp-supervisor/internal/svcerr"
)

// FileName is the fixed configuration filename, located in the project
// working directory (spec.md §6).
const FileName = ".mcp-run"

// Defaults mirror the .mcp-run defaults table from spec.md §6.
const (
	DefaultDevTimeoutHours              = 3
	DefaultDevCrashWaitSeconds          = 120
	DefaultReleaseBackoffInitialSeconds = 1
	DefaultReleaseBackoffMaxSeconds     = 300
)

// procEntry is one `[process.<name>]` table.
type procEntry struct {
	Type    string   `mapstructure:"type"`
	Args    []string `mapstructure:"args"`
	Command []string `mapstructure:"command"`
}

// fileConfig is the raw shape unmarshaled from TOML.
type fileConfig struct {
	McpPort                           uint16               `mapstructure:"mcp_port"`
	DevTimeoutHours                   uint32               `mapstructure:"dev_timeout_hours"`
	DevCrashWaitSeconds               uint32               `mapstructure:"dev_crash_wait_seconds"`
	ReleaseCrashBackoffInitialSeconds uint32               `mapstructure:"release_crash_backoff_initial_seconds"`
	ReleaseCrashBackoffMaxSeconds     uint32               `mapstructure:"release_crash_backoff_max_seconds"`
	Process                           map[string]procEntry `mapstructure:"process"`
}

// Settings is the fully-resolved, validated configuration for one
// supervised project.
type Settings struct {
	McPPort                    uint16
	DevTimeout                 time.Duration
	DevCrashWait               time.Duration
	ReleaseCrashBackoffInitial time.Duration
	ReleaseCrashBackoffMax     time.Duration
	Processes                  []procspec.Config
}

// Load reads and validates <projectDir>/.mcp-run.
func Load(projectDir string) (*Settings, error) {
	path := filepath.Join(projectDir, FileName)

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetDefault("dev_timeout_hours", DefaultDevTimeoutHours)
	v.SetDefault("dev_crash_wait_seconds", DefaultDevCrashWaitSeconds)
	v.SetDefault("release_crash_backoff_initial_seconds", DefaultReleaseBackoffInitialSeconds)
	v.SetDefault("release_crash_backoff_max_seconds", DefaultReleaseBackoffMaxSeconds)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", svcerr.ErrConfigInvalid, path, err)
	}

	var fc fileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", svcerr.ErrConfigInvalid, path, err)
	}

	if fc.McpPort == 0 {
		return nil, fmt.Errorf("%w: mcp_port is required", svcerr.ErrConfigInvalid)
	}
	if len(fc.Process) == 0 {
		return nil, fmt.Errorf("%w: no processes defined", svcerr.ErrConfigInvalid)
	}

	settings := &Settings{
		McPPort:                    fc.McpPort,
		DevTimeout:                 time.Duration(fc.DevTimeoutHours) * time.Hour,
		DevCrashWait:               time.Duration(fc.DevCrashWaitSeconds) * time.Second,
		ReleaseCrashBackoffInitial: time.Duration(fc.ReleaseCrashBackoffInitialSeconds) * time.Second,
		ReleaseCrashBackoffMax:     time.Duration(fc.ReleaseCrashBackoffMaxSeconds) * time.Second,
	}

	for name, entry := range fc.Process {
		var kind procspec.Kind
		switch entry.Type {
		case "rust":
			kind = procspec.KindRust
		case "npm":
			kind = procspec.KindExternal
		default:
			return nil, fmt.Errorf("%w: process %s: type must be \"rust\" or \"npm\", got %q", svcerr.ErrConfigInvalid, name, entry.Type)
		}
		pc := procspec.Config{
			Name:       name,
			Kind:       kind,
			Args:       entry.Args,
			Command:    entry.Command,
			WorkingDir: projectDir,
		}
		if err := pc.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", svcerr.ErrConfigInvalid, err)
		}
		settings.Processes = append(settings.Processes, pc)
	}

	return settings, nil
}
