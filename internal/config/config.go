// Package config loads and validates the harness's TOML configuration.
// Grounded on cortex's internal/config/config.go, scaled down from its
// sprint/fleet-management surface to the fields this harness's single-run
// orchestrator and daemon actually read.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like
// "60s" or "2m", identical in shape to cortex's config.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the harness's top-level configuration.
type Config struct {
	General  General             `toml:"general"`
	Cadence  Cadence             `toml:"cadence"`
	Backend  BackendConfig       `toml:"backend"`
	Models   Models              `toml:"models"`
	Security SecurityConfig      `toml:"security"`
	CLI      map[string]CLIEntry `toml:"cli"`
}

// General holds run-wide settings not specific to any one subsystem.
type General struct {
	LogLevel      string `toml:"log_level"`
	LogFormat     string `toml:"log_format"` // "json" or "text"
	MaxIterations int    `toml:"max_iterations"`
	LockFile      string `toml:"lock_file"`
}

// Cadence holds the fixed timing constants spec.md §4.7 names as
// defaults: the post-session auto-continue delay and the HITL poll
// interval.
type Cadence struct {
	AutoContinueDelay Duration `toml:"auto_continue_delay"`
	HITLPollInterval  Duration `toml:"hitl_poll_interval"`
}

// BackendConfig selects and configures the agent-dispatch backend.
type BackendConfig struct {
	Kind        string `toml:"kind"` // "local" or "docker"
	LogDir      string `toml:"log_dir"`
	DockerImage string `toml:"docker_image"`

	RestartOnFailure bool     `toml:"restart_on_failure"`
	MaxRestarts      int      `toml:"max_restarts"`
	RestartBackoff   Duration `toml:"restart_backoff_base"`
	RestartMaxDelay  Duration `toml:"restart_max_delay"`
}

// Models lets each orchestrator phase override the default model,
// adapted from cortex's purpose-tier model selection
// (internal/dispatch/purpose_tier.go) to this harness's three phases.
type Models struct {
	Default     string `toml:"default"`
	Initializer string `toml:"initializer"`
	Coding      string `toml:"coding"`
	MRCreation  string `toml:"mr_creation"`
}

// ForPhase returns the configured model override for phase, or Default
// if none is set.
func (m Models) ForPhase(phase string) string {
	var override string
	switch strings.ToLower(phase) {
	case "initializer":
		override = m.Initializer
	case "coding":
		override = m.Coding
	case "mr_creation":
		override = m.MRCreation
	}
	if strings.TrimSpace(override) != "" {
		return override
	}
	return m.Default
}

// SecurityConfig holds the [security] table. ExtraAllowedCommands is
// parsed but not read by the Security Filter, whose allow-list is fixed.
type SecurityConfig struct {
	ExtraAllowedCommands []string `toml:"extra_allowed_commands"`
}

// CLIEntry describes one externally-configured CLI the coding phase may
// shell out to (linters, formatters, etc.), grounded on cortex's
// dispatch.CLIConfig.
type CLIEntry struct {
	Cmd        string   `toml:"cmd"`
	Args       []string `toml:"args"`
	PromptMode string   `toml:"prompt_mode"`
}

// Clone returns a deep copy of cfg, so a caller holding a read lock can
// safely hand out a snapshot. Grounded on cortex's Config.Clone.
func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return nil
	}
	cloned := *cfg
	cloned.Security.ExtraAllowedCommands = cloneStringSlice(cfg.Security.ExtraAllowedCommands)
	cloned.CLI = cloneCLIMap(cfg.CLI)
	return &cloned
}

func cloneStringSlice(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneCLIMap(in map[string]CLIEntry) map[string]CLIEntry {
	if in == nil {
		return nil
	}
	out := make(map[string]CLIEntry, len(in))
	for key, entry := range in {
		entry.Args = cloneStringSlice(entry.Args)
		out[key] = entry
	}
	return out
}

// Default returns a Config populated with every field's zero-configuration
// default, for callers (such as cmd/harness) that run fine without an
// operator-supplied TOML file on disk.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and validates a harness TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Reload re-reads and re-validates the configuration at path. Named
// distinctly from Load to mirror cortex's runtime-refresh naming even
// though the implementation is identical.
func Reload(path string) (*Config, error) {
	return Load(path)
}

// LoadManager reads config from path and returns a thread-safe manager.
func LoadManager(path string) (ConfigManager, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	cfg, err := Reload(path)
	if err != nil {
		return nil, err
	}
	return NewRWMutexManager(cfg), nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "text"
	}
	if cfg.Cadence.AutoContinueDelay.Duration == 0 {
		cfg.Cadence.AutoContinueDelay.Duration = 3 * time.Second
	}
	if cfg.Cadence.HITLPollInterval.Duration == 0 {
		cfg.Cadence.HITLPollInterval.Duration = 5 * time.Second
	}
	if cfg.Backend.Kind == "" {
		cfg.Backend.Kind = "local"
	}
	if cfg.Backend.MaxRestarts == 0 {
		cfg.Backend.MaxRestarts = 3
	}
	if cfg.Backend.RestartBackoff.Duration == 0 {
		cfg.Backend.RestartBackoff.Duration = 1 * time.Second
	}
	if cfg.Backend.RestartMaxDelay.Duration == 0 {
		cfg.Backend.RestartMaxDelay.Duration = 30 * time.Second
	}
	if cfg.Models.Default == "" {
		cfg.Models.Default = "claude-opus-4-5-20251101"
	}
}

func validate(cfg *Config) error {
	switch cfg.Backend.Kind {
	case "local", "docker":
	default:
		return fmt.Errorf("backend.kind must be \"local\" or \"docker\", got %q", cfg.Backend.Kind)
	}
	switch strings.ToLower(cfg.General.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("general.log_format must be \"json\" or \"text\", got %q", cfg.General.LogFormat)
	}
	if cfg.Cadence.AutoContinueDelay.Duration < 0 {
		return fmt.Errorf("cadence.auto_continue_delay must not be negative")
	}
	if cfg.Cadence.HITLPollInterval.Duration <= 0 {
		return fmt.Errorf("cadence.hitl_poll_interval must be positive")
	}
	for name, entry := range cfg.CLI {
		if strings.TrimSpace(entry.Cmd) == "" {
			return fmt.Errorf("cli.%s: cmd is required", name)
		}
	}
	return nil
}
