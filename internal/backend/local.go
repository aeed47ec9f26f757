package backend

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type localProcess struct {
	cmd         *exec.Cmd
	state       string
	exitCode    int
	completedAt time.Time
	logPath     string
}

// LocalBackend runs an agent as a detached child process on this host,
// per spec.md §4.8's process model: its own session, merged stdout/stderr
// into a log file, polled for liveness. Grounded on
// internal/dispatch/headless.go's HeadlessBackend, the teacher's only
// implementation already shaped against the Backend interface used here.
type LocalBackend struct {
	logDir string

	mu        sync.RWMutex
	processes map[int]*localProcess
}

// NewLocalBackend returns a LocalBackend that writes agent logs under
// logDir when DispatchOpts.LogPath is not set.
func NewLocalBackend(logDir string) *LocalBackend {
	return &LocalBackend{
		logDir:    strings.TrimSpace(logDir),
		processes: make(map[int]*localProcess),
	}
}

func (b *LocalBackend) Name() string { return "local" }

// Dispatch starts opts.Command with opts.Args as a detached child: a
// fresh process group so it survives the daemon's own signal handling,
// stdout/stderr merged into the resolved log file.
func (b *LocalBackend) Dispatch(ctx context.Context, opts DispatchOpts) (Handle, error) {
	if strings.TrimSpace(opts.Command) == "" {
		return Handle{}, fmt.Errorf("local backend: command is required")
	}

	logPath, err := b.resolveLogPath(opts)
	if err != nil {
		return Handle{}, err
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return Handle{}, fmt.Errorf("local backend: create log directory: %w", err)
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return Handle{}, fmt.Errorf("local backend: create log file: %w", err)
	}
	defer logFile.Close()

	fmt.Fprintf(logFile, "# command: %s %s\n# workdir: %s\n# started: %s\n\n",
		opts.Command, strings.Join(opts.Args, " "), opts.WorkDir, time.Now().Format(time.RFC3339))

	cmd := exec.CommandContext(ctx, opts.Command, opts.Args...)
	if strings.TrimSpace(opts.WorkDir) != "" {
		cmd.Dir = opts.WorkDir
	}
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	setDetached(cmd)

	if err := cmd.Start(); err != nil {
		return Handle{}, fmt.Errorf("local backend: start command: %w", err)
	}

	pid := cmd.Process.Pid
	b.mu.Lock()
	b.processes[pid] = &localProcess{cmd: cmd, state: StateRunning, exitCode: -1, logPath: logPath}
	b.mu.Unlock()

	go b.waitForProcess(pid)

	return Handle{PID: pid, Backend: b.Name()}, nil
}

func (b *LocalBackend) waitForProcess(pid int) {
	b.mu.RLock()
	p, ok := b.processes[pid]
	b.mu.RUnlock()
	if !ok {
		return
	}

	err := p.cmd.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok = b.processes[pid]
	if !ok {
		return
	}
	p.completedAt = time.Now()
	if err == nil {
		p.state, p.exitCode = StateCompleted, 0
	} else if exitErr, ok := err.(*exec.ExitError); ok {
		p.state, p.exitCode = StateFailed, exitErr.ExitCode()
	} else {
		p.state, p.exitCode = StateFailed, -1
	}
}

func (b *LocalBackend) Status(handle Handle) (DispatchStatus, error) {
	if handle.PID <= 0 {
		return DispatchStatus{State: StateUnknown, ExitCode: -1}, nil
	}

	b.mu.RLock()
	p, ok := b.processes[handle.PID]
	b.mu.RUnlock()
	if !ok {
		if IsProcessAlive(handle.PID) {
			return DispatchStatus{State: StateRunning, ExitCode: -1}, nil
		}
		return DispatchStatus{State: StateUnknown, ExitCode: -1}, nil
	}

	switch p.state {
	case StateRunning:
		if IsProcessAlive(handle.PID) {
			return DispatchStatus{State: StateRunning, ExitCode: -1}, nil
		}
		return DispatchStatus{State: StateUnknown, ExitCode: -1}, nil
	case StateCompleted, StateFailed:
		return DispatchStatus{State: p.state, ExitCode: p.exitCode, Duration: time.Since(p.completedAt)}, nil
	default:
		return DispatchStatus{State: StateUnknown, ExitCode: -1}, nil
	}
}

func (b *LocalBackend) CaptureOutput(handle Handle) (string, error) {
	b.mu.RLock()
	p, ok := b.processes[handle.PID]
	b.mu.RUnlock()
	if !ok || p.logPath == "" {
		return "", nil
	}
	data, err := os.ReadFile(p.logPath)
	if err != nil {
		return "", fmt.Errorf("local backend: read output: %w", err)
	}
	return string(data), nil
}

func (b *LocalBackend) Kill(handle Handle) error {
	if handle.PID <= 0 {
		return nil
	}
	return KillProcess(handle.PID)
}

func (b *LocalBackend) Cleanup(handle Handle) error {
	b.mu.Lock()
	delete(b.processes, handle.PID)
	b.mu.Unlock()
	return nil
}

func (b *LocalBackend) resolveLogPath(opts DispatchOpts) (string, error) {
	if strings.TrimSpace(opts.LogPath) != "" {
		return opts.LogPath, nil
	}
	base := b.logDir
	if strings.TrimSpace(base) == "" {
		tmp, err := os.CreateTemp("", "harness-agent-*.log")
		if err != nil {
			return "", fmt.Errorf("local backend: create temp log file: %w", err)
		}
		path := tmp.Name()
		tmp.Close()
		return path, nil
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", fmt.Errorf("local backend: create log root: %w", err)
	}
	name := fmt.Sprintf("%s-%s.log", sanitizeForFilename(opts.Agent), time.Now().Format("20060102-150405"))
	return filepath.Join(base, name), nil
}

func sanitizeForFilename(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "agent"
	}
	replacer := strings.NewReplacer("/", "-", "\\", "-", ":", "-", " ", "-")
	return replacer.Replace(v)
}
