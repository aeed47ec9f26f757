// Package daemon implements the Agent Daemon (spec.md §4.8): a detachable
// supervisor that owns N agent subprocesses behind a line-oriented
// JSON-RPC protocol served over a Unix socket. Grounded on
// agent/daemon/server.py's AgentDaemon.
package daemon

import (
	"os"
	"path/filepath"
)

const (
	// SocketPath is the daemon's POSIX rendezvous path, per spec.md §6.
	SocketPath = "/tmp/coding-harness-daemon.sock"
	// PIDPath records the daemon's own process id for operator tooling.
	PIDPath = "/tmp/coding-harness-daemon.pid"

	dockerDataDir = "/app/.data"
)

// DataDir resolves the directory daemon_state.json lives in: the
// container path if running under Docker (signalled by dockerDataDir
// already existing, or the HARNESS_DOCKER=1 environment variable), else
// ".data" beside harnessRoot.
func DataDir(harnessRoot string) string {
	if inDocker() {
		return dockerDataDir
	}
	return filepath.Join(harnessRoot, ".data")
}

func inDocker() bool {
	if _, err := os.Stat(dockerDataDir); err == nil {
		return true
	}
	return os.Getenv("HARNESS_DOCKER") == "1"
}
