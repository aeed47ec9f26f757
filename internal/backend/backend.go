// Package backend abstracts how the Agent Daemon (spec.md §4.8) turns an
// AgentConfig into a running process: a plain child process on this host
// (LocalBackend) or a Docker container (DockerBackend). Grounded on
// cortex's internal/dispatch.Backend interface and its HeadlessBackend/
// DockerDispatcher implementations.
package backend

import (
	"context"
	"time"
)

// Handle identifies one dispatched agent process.
type Handle struct {
	PID         int
	SessionName string
	Backend     string
}

// DispatchOpts carries everything a Backend needs to start an agent.
// Command/Args are the fully-built command line (see internal/daemon's
// command builder); Backend implementations do not interpret Prompt,
// Model, etc. themselves — those are inputs to building Command/Args,
// kept here too since DockerBackend and log headers want them for
// labeling and diagnostics.
type DispatchOpts struct {
	Agent         string
	Command       string
	Args          []string
	Prompt        string
	Model         string
	ThinkingLevel string
	WorkDir       string
	Branch        string
	LogPath       string
	Env           []string
}

// DispatchStatus is a point-in-time read of a dispatched process.
type DispatchStatus struct {
	State    string
	ExitCode int
	Duration time.Duration
}

const (
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateUnknown   = "unknown"
)

// Backend is the pluggable process-supervision strategy the daemon
// dispatches agent subprocesses through.
type Backend interface {
	Dispatch(ctx context.Context, opts DispatchOpts) (Handle, error)
	Status(handle Handle) (DispatchStatus, error)
	CaptureOutput(handle Handle) (string, error)
	Kill(handle Handle) error
	Cleanup(handle Handle) error
	Name() string
}
