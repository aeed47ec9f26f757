package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "harness.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
[general]
log_level = "debug"
`

const fullConfig = `
[general]
log_level = "debug"
log_format = "json"
max_iterations = 50

[cadence]
auto_continue_delay = "1s"
hitl_poll_interval = "2s"

[backend]
kind = "docker"
docker_image = "harness-agent:latest"
restart_on_failure = true
max_restarts = 5

[models]
default = "claude-opus-4-5-20251101"
coding = "claude-sonnet-4-5"

[cli.eslint]
cmd = "npx"
args = ["eslint", "."]
`

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTestConfig(t, minimalConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.General.LogFormat != "text" {
		t.Errorf("LogFormat default = %q, want %q", cfg.General.LogFormat, "text")
	}
	if cfg.Cadence.AutoContinueDelay.Duration != 3*time.Second {
		t.Errorf("AutoContinueDelay default = %v, want 3s", cfg.Cadence.AutoContinueDelay.Duration)
	}
	if cfg.Cadence.HITLPollInterval.Duration != 5*time.Second {
		t.Errorf("HITLPollInterval default = %v, want 5s", cfg.Cadence.HITLPollInterval.Duration)
	}
	if cfg.Backend.Kind != "local" {
		t.Errorf("Backend.Kind default = %q, want %q", cfg.Backend.Kind, "local")
	}
	if cfg.Models.Default == "" {
		t.Error("Models.Default default = empty, want a model name")
	}
}

func TestLoadParsesFullConfig(t *testing.T) {
	path := writeTestConfig(t, fullConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Backend.Kind != "docker" {
		t.Errorf("Backend.Kind = %q, want docker", cfg.Backend.Kind)
	}
	if cfg.Cadence.AutoContinueDelay.Duration != time.Second {
		t.Errorf("AutoContinueDelay = %v, want 1s", cfg.Cadence.AutoContinueDelay.Duration)
	}
	if cfg.Models.ForPhase("coding") != "claude-sonnet-4-5" {
		t.Errorf("ForPhase(coding) = %q, want claude-sonnet-4-5", cfg.Models.ForPhase("coding"))
	}
	if cfg.Models.ForPhase("initializer") != cfg.Models.Default {
		t.Errorf("ForPhase(initializer) = %q, want fallback to Default %q", cfg.Models.ForPhase("initializer"), cfg.Models.Default)
	}
	entry, ok := cfg.CLI["eslint"]
	if !ok || entry.Cmd != "npx" {
		t.Errorf("CLI[eslint] = %+v, ok=%v, want cmd=npx", entry, ok)
	}
}

func TestLoadRejectsInvalidBackendKind(t *testing.T) {
	path := writeTestConfig(t, "[backend]\nkind = \"ssh\"\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load with backend.kind=ssh = nil error, want error")
	}
}

func TestLoadRejectsInvalidLogFormat(t *testing.T) {
	path := writeTestConfig(t, "[general]\nlog_format = \"xml\"\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load with general.log_format=xml = nil error, want error")
	}
}

func TestLoadRejectsCLIEntryWithoutCmd(t *testing.T) {
	path := writeTestConfig(t, "[cli.broken]\nargs = [\"--version\"]\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load with a cmd-less CLI entry = nil error, want error")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	cfg := &Config{Security: SecurityConfig{ExtraAllowedCommands: []string{"dotnet"}}}
	clone := cfg.Clone()
	clone.Security.ExtraAllowedCommands[0] = "mutated"

	if cfg.Security.ExtraAllowedCommands[0] != "dotnet" {
		t.Fatal("Clone() shares backing array with the original")
	}
}
