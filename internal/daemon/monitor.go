package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/antigravity-dev/coding-harness/internal/backend"
	"github.com/antigravity-dev/coding-harness/internal/state"
)

const monitorPollInterval = 1 * time.Second

// startAgent dispatches a's process via the daemon's backend, writes the
// log header, and spawns its monitor goroutine. Grounded on
// agent/daemon/server.py's _do_start_agent.
func (d *Daemon) startAgent(a *managedAgent) error {
	a.mu.Lock()
	cfg := a.record.Config
	agentID := a.record.AgentID
	a.mu.Unlock()

	if cfg.SpecFile == "" || cfg.ProjectDir == "" {
		return fmt.Errorf("spec_file and project_dir required")
	}

	logPath := agentLogPath(cfg, agentID, time.Now())
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	command, args := buildAgentCommand(d.agentBinary, cfg)
	opts := backend.DispatchOpts{
		Agent:   agentID,
		Command: command,
		Args:    args,
		WorkDir: cfg.ProjectDir,
		LogPath: logPath,
		Env:     buildAgentEnv(cfg),
	}

	handle, err := d.backendImpl.Dispatch(d.ctx, opts)
	if err != nil {
		a.mu.Lock()
		a.record.Status = state.AgentFailed
		a.mu.Unlock()
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	a.mu.Lock()
	a.handle = handle
	a.running = true
	a.record.LogFile = logPath
	a.record.Status = state.AgentRunning
	a.record.StartedAt = now
	a.record.ExitCode = nil
	a.mu.Unlock()

	d.spawnMonitor(agentID, a)
	return nil
}

// spawnMonitor starts (or restarts) the per-agent monitor goroutine that
// polls process liveness every second, per spec.md §4.8.
func (d *Daemon) spawnMonitor(agentID string, a *managedAgent) {
	d.mu.Lock()
	if cancel, ok := d.monitorCancels[agentID]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(d.ctx)
	d.monitorCancels[agentID] = cancel
	d.mu.Unlock()

	go d.monitorAgent(ctx, agentID, a)
}

// monitorAgent polls the backend for a's status until it stops running,
// then records the exit, persists state, and — if the agent opted into
// RestartOnFailure and has not exhausted MaxRestarts — relaunches it
// after an exponential backoff (SPEC_FULL.md supplemented feature #8).
func (d *Daemon) monitorAgent(ctx context.Context, agentID string, a *managedAgent) {
	ticker := time.NewTicker(monitorPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		a.mu.Lock()
		handle := a.handle
		a.mu.Unlock()

		status, err := d.backendImpl.Status(handle)
		if err != nil {
			d.logger.Warn("status poll failed", "agent_id", agentID, "error", err)
			continue
		}
		if status.State == backend.StateRunning {
			continue
		}

		now := time.Now().UTC().Format(time.RFC3339)
		a.mu.Lock()
		a.running = false
		a.record.ExitCode = intPtr(status.ExitCode)
		a.record.StoppedAt = now
		if status.State == backend.StateFailed {
			a.record.Status = state.AgentFailed
		} else {
			a.record.Status = state.AgentStopped
		}
		cfg := a.record.Config
		a.mu.Unlock()

		d.mu.Lock()
		d.persistLocked()
		d.mu.Unlock()

		if status.State != backend.StateFailed || !cfg.RestartOnFailure {
			return
		}

		if d.attemptRestart(agentID, a, cfg) {
			return // spawnMonitor started a fresh goroutine for the restarted process
		}
		return
	}
}

// attemptRestart applies the daemon's backoff policy and relaunches the
// agent if it has not exhausted its restart budget. Returns true if a
// restart was attempted (successful or not), false if the budget was
// already exhausted and the agent was left in AgentFailed.
func (d *Daemon) attemptRestart(agentID string, a *managedAgent, cfg state.AgentConfig) bool {
	backendCfg := d.cfgMgr.Get().Backend

	maxRestarts := cfg.MaxRestarts
	if maxRestarts <= 0 {
		maxRestarts = backendCfg.MaxRestarts
	}

	a.mu.Lock()
	if a.restarts >= maxRestarts {
		a.mu.Unlock()
		d.logger.Warn("agent exhausted restart budget", "agent_id", agentID, "restarts", a.restarts)
		return false
	}
	a.restarts++
	attempt := a.restarts
	a.lastAttempt = time.Now()
	a.mu.Unlock()

	delay := backend.BackoffDelay(attempt, backendCfg.RestartBackoff.Duration, backendCfg.RestartMaxDelay.Duration)

	d.logger.Info("restarting crashed agent", "agent_id", agentID, "attempt", attempt, "delay", delay)

	select {
	case <-time.After(delay):
	case <-d.ctx.Done():
		return false
	}

	if err := d.startAgent(a); err != nil {
		d.logger.Warn("automatic restart failed", "agent_id", agentID, "error", err)
		a.mu.Lock()
		a.record.Status = state.AgentFailed
		a.mu.Unlock()
		d.mu.Lock()
		d.persistLocked()
		d.mu.Unlock()
		return true
	}

	d.mu.Lock()
	d.persistLocked()
	d.mu.Unlock()
	return true
}

// stopAgent terminates a's process (if running) via the backend's own
// SIGTERM/5s/SIGKILL sequence, records the exit, cancels its monitor, and
// appends an exit trailer to its log file.
func (d *Daemon) stopAgent(agentID string, a *managedAgent) {
	a.mu.Lock()
	running := a.running
	handle := a.handle
	logFile := a.record.LogFile
	a.mu.Unlock()

	if running {
		if err := d.backendImpl.Kill(handle); err != nil {
			d.logger.Warn("failed to kill agent process", "agent_id", agentID, "error", err)
		}
		status, err := d.backendImpl.Status(handle)
		if err == nil {
			a.mu.Lock()
			a.record.ExitCode = intPtr(status.ExitCode)
			a.mu.Unlock()
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	a.mu.Lock()
	a.running = false
	a.record.Status = state.AgentStopped
	a.record.StoppedAt = now
	exitCode := a.record.ExitCode
	a.mu.Unlock()

	appendLogTrailer(logFile, fmt.Sprintf("\n=== Agent stopped at %s ===\nExit code: %v\n", now, exitCode))

	d.mu.Lock()
	if cancel, ok := d.monitorCancels[agentID]; ok {
		cancel()
		delete(d.monitorCancels, agentID)
	}
	d.mu.Unlock()
}

func appendLogTrailer(path, trailer string) {
	if path == "" {
		return
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	f.WriteString(trailer)
}

func intPtr(v int) *int { return &v }
