package state

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/antigravity-dev/coding-harness/internal/harnesserr"
)

// DaemonState is the Agent Daemon's registry: every agent it has ever
// registered or started, keyed by agent_id. See spec.md §3/§4.8. It is
// the one persistent entity the daemon exclusively owns; the orchestrator
// and observer never touch daemon_state.json.
type DaemonState struct {
	Agents map[string]AgentProcess `json:"agents"`
}

// DaemonStateRepository reads and writes daemon_state.json under a data
// directory, grounded on agent/daemon/server.py's _save_state/_load_state.
type DaemonStateRepository struct {
	path   string
	logger *slog.Logger
}

// NewDaemonStateRepository returns a repository for daemon_state.json
// inside dataDir.
func NewDaemonStateRepository(dataDir string, logger *slog.Logger) *DaemonStateRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &DaemonStateRepository{path: filepath.Join(dataDir, "daemon_state.json"), logger: logger}
}

// Load reads daemon_state.json, returning an empty registry (never an
// error) if the file is missing or malformed, matching the Python
// daemon's "warn and start empty" behavior on a corrupt state file.
func (r *DaemonStateRepository) Load() DaemonState {
	state := DaemonState{Agents: make(map[string]AgentProcess)}

	data, err := os.ReadFile(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("daemon state unreadable, starting empty", "path", r.path, "error", err)
		}
		return state
	}
	if err := json.Unmarshal(data, &state); err != nil {
		r.logger.Warn("daemon state malformed, starting empty", "path", r.path, "error", err)
		return DaemonState{Agents: make(map[string]AgentProcess)}
	}
	if state.Agents == nil {
		state.Agents = make(map[string]AgentProcess)
	}
	return state
}

// Save writes daemon_state.json atomically.
func (r *DaemonStateRepository) Save(state DaemonState) error {
	if err := writeJSONAtomic(r.path, state); err != nil {
		return harnesserr.New("write daemon state", err)
	}
	return nil
}

// SortedAgentIDs returns state.Agents' keys in a stable, deterministic
// order, for commands like `list` that must produce reproducible output.
func (s DaemonState) SortedAgentIDs() []string {
	ids := make([]string, 0, len(s.Agents))
	for id := range s.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
