package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/antigravity-dev/coding-harness/internal/backend"
	"github.com/antigravity-dev/coding-harness/internal/state"
)

// managedAgent is the daemon's in-memory view of one agent: the
// persisted record plus the live dispatch handle and restart bookkeeping
// that never gets written to daemon_state.json.
type managedAgent struct {
	mu sync.Mutex

	record  state.AgentProcess
	handle  backend.Handle
	running bool

	restarts    int
	lastAttempt time.Time
}

// toDict mirrors AgentProcess.to_dict from agent/daemon/server.py: the
// JSON shape returned to RPC clients for list/status/register/start/stop.
func (a *managedAgent) toDict() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()

	var pid any
	if a.running {
		pid = a.handle.PID
	}

	return map[string]any{
		"agent_id":   a.record.AgentID,
		"config":     a.record.Config,
		"status":     a.record.Status,
		"log_file":   a.record.LogFile,
		"started_at": a.record.StartedAt,
		"stopped_at": a.record.StoppedAt,
		"exit_code":  a.record.ExitCode,
		"pid":        pid,
	}
}

// buildAgentCommand builds the command line for an agent subprocess,
// matching agent/daemon/server.py's _build_agent_command: the harness CLI
// invoked with the spec file, project directory, target branch, and
// optional flags derived from the config.
func buildAgentCommand(agentBinary string, cfg state.AgentConfig) (string, []string) {
	targetBranch := cfg.TargetBranch
	if targetBranch == "" {
		targetBranch = "main"
	}

	args := []string{
		"--spec-file", cfg.SpecFile,
		"--project-dir", cfg.ProjectDir,
		"--target-branch", targetBranch,
	}
	if cfg.MaxIterations > 0 {
		args = append(args, "--max-iterations", fmt.Sprintf("%d", cfg.MaxIterations))
	}
	if cfg.FileOnlyMode {
		args = append(args, "--file-only")
	}
	if cfg.SkipMRCreation {
		args = append(args, "--skip-mr")
	}
	if cfg.SkipPuppeteer {
		args = append(args, "--skip-puppeteer")
	}
	if cfg.SkipTestSuite {
		args = append(args, "--skip-test-suite")
	}
	if cfg.SkipRegression {
		args = append(args, "--skip-regression")
	}

	return agentBinary, args
}

// buildAgentEnv augments the inherited environment with
// CODING_HARNESS_AUTO_ACCEPT=1 when the agent is configured for
// hands-off operation, per spec.md §4.8.
func buildAgentEnv(cfg state.AgentConfig) []string {
	env := os.Environ()
	if cfg.AutoAccept {
		env = append(env, "CODING_HARNESS_AUTO_ACCEPT=1")
	}
	return env
}

// agentLogPath builds the per-agent timestamped log path under the
// run directory's logs/ subdirectory, per spec.md §6.
func agentLogPath(cfg state.AgentConfig, agentID string, now time.Time) string {
	slug := cfg.SpecSlug
	if slug == "" {
		slug = "unknown"
	}
	hash := cfg.SpecHash
	if hash == "" {
		hash = "00000"
	}
	logDir := filepath.Join(cfg.ProjectDir, ".claude-agent", fmt.Sprintf("%s-%s", slug, hash), "logs")
	fileName := fmt.Sprintf("%s-%s.log", agentID, now.Format("20060102-150405"))
	return filepath.Join(logDir, fileName)
}
