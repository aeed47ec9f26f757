package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/antigravity-dev/coding-harness/internal/harnesserr"
)

const (
	workspaceInfoFile     = ".workspace_info.json"
	gitlabMilestoneFile   = ".gitlab_milestone.json"
	fileMilestoneFile     = ".file_milestone.json"
	checkpointLogFileName = ".hitl_checkpoint_log.json"
)

// RunDir returns the per-run directory for (projectDir, slug, hash), per
// spec.md §6's run directory layout.
func RunDir(projectDir, slug, hash string) string {
	return filepath.Join(projectDir, ".claude-agent", fmt.Sprintf("%s-%s", slug, hash))
}

// Repository is the small abstraction spec.md §4.3 describes: four pure
// file-I/O operations over one run's on-disk documents.
type Repository struct {
	dir    string
	logger *slog.Logger
}

// NewRepository returns a Repository rooted at the given run directory.
func NewRepository(runDir string, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{dir: runDir, logger: logger}
}

func (r *Repository) milestonePath(fileOnly bool) string {
	if fileOnly {
		return filepath.Join(r.dir, fileMilestoneFile)
	}
	return filepath.Join(r.dir, gitlabMilestoneFile)
}

func (r *Repository) workspacePath() string {
	return filepath.Join(r.dir, workspaceInfoFile)
}

func (r *Repository) checkpointLogPath() string {
	return filepath.Join(r.dir, checkpointLogFileName)
}

// Load reads the workspace info and milestone documents, returning
// populated sub-records or nil when a file is missing or malformed. It
// never errors on read: partial state is always usable, matching
// common/state.py's FileStateRepository.load.
func (r *Repository) Load() AgentState {
	var state AgentState

	var ws WorkspaceInfo
	if err := readJSON(r.workspacePath(), &ws); err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("workspace info unreadable, treating as absent", "path", r.workspacePath(), "error", err)
		}
	} else {
		state.Workspace = &ws
	}

	fileOnly := state.Workspace != nil && state.Workspace.FileOnlyMode
	var ms MilestoneState
	if err := readJSON(r.milestonePath(fileOnly), &ms); err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("milestone state unreadable, treating as absent", "path", r.milestonePath(fileOnly), "error", err)
		}
	} else {
		state.Milestone = &ms
	}

	return state
}

// SaveWorkspace writes WorkspaceInfo atomically. It is a fatal (returned)
// error if the write fails, per spec.md §7 ("fatal for writes").
func (r *Repository) SaveWorkspace(info WorkspaceInfo) error {
	if err := writeJSONAtomic(r.workspacePath(), info); err != nil {
		return harnesserr.State("write workspace info", err)
	}
	return nil
}

// SaveMilestone writes MilestoneState atomically, to the GitLab- or
// file-mode document depending on fileOnly.
func (r *Repository) SaveMilestone(ms MilestoneState, fileOnly bool) error {
	if err := writeJSONAtomic(r.milestonePath(fileOnly), ms); err != nil {
		return harnesserr.State("write milestone state", err)
	}
	return nil
}

// loadCheckpointLog reads the checkpoint log, returning an empty log
// (never an error) if the file is missing. A whole-document JSON syntax
// error is treated as an absent log. A malformed individual record within
// an otherwise well-formed document is skipped (not the whole log, nor
// even its scope) and logged at warn with its scope/index — per Open
// Question (iii).
func (r *Repository) loadCheckpointLog() *CheckpointLog {
	log := NewCheckpointLog()
	data, err := os.ReadFile(r.checkpointLogPath())
	if err != nil {
		return log
	}
	if err := json.Unmarshal(data, log); err != nil {
		r.logger.Warn("checkpoint log malformed, treating as empty", "path", r.checkpointLogPath(), "error", err)
		return NewCheckpointLog()
	}
	for _, w := range log.Warnings() {
		r.logger.Warn("checkpoint record malformed, skipping entry", "path", r.checkpointLogPath(), "detail", w)
	}
	return log
}

func (r *Repository) saveCheckpointLog(log *CheckpointLog) error {
	if err := writeJSONAtomic(r.checkpointLogPath(), log); err != nil {
		return harnesserr.Checkpoint("write checkpoint log", err)
	}
	return nil
}

// PendingCheckpoint is a CheckpointRecord together with the scope and
// index it was found at, so a caller can resolve it without re-scanning.
type PendingCheckpoint struct {
	Scope  string
	Index  int
	Record CheckpointRecord
}

// LoadPendingCheckpoint scans the checkpoint log across all scopes,
// filters to completed=false records, and returns the one with the
// maximum CreatedAt. Ties are broken by insertion order: the scan visits
// scopes and records in on-disk order and only replaces the current best
// on a strictly later CreatedAt, so the first-encountered of equal
// timestamps wins — spec.md Open Question (ii).
func (r *Repository) LoadPendingCheckpoint() *PendingCheckpoint {
	log := r.loadCheckpointLog()

	var best *PendingCheckpoint
	for _, scope := range log.Scopes() {
		for i, rec := range log.Records(scope) {
			if rec.Completed {
				continue
			}
			if best == nil || rec.CreatedAt > best.Record.CreatedAt {
				best = &PendingCheckpoint{Scope: scope, Index: i, Record: rec}
			}
		}
	}
	return best
}

// IsCheckpointTypeApproved finds the latest-CreatedAt record of the given
// type across all scopes (same tie-break rule as LoadPendingCheckpoint)
// and reports whether its status is approved.
func (r *Repository) IsCheckpointTypeApproved(checkpointType CheckpointType) bool {
	log := r.loadCheckpointLog()

	var latest *CheckpointRecord
	for _, scope := range log.Scopes() {
		for _, rec := range log.Records(scope) {
			if rec.CheckpointType != checkpointType {
				continue
			}
			rec := rec
			if latest == nil || rec.CreatedAt > latest.CreatedAt {
				latest = &rec
			}
		}
	}
	return latest != nil && latest.Status == StatusApproved
}

// AppendCheckpoint records a new pending checkpoint in the named scope and
// persists the log. Invariant 8 (spec.md §8): checkpoint_id must be unique
// within its scope; AppendCheckpoint refuses a duplicate.
func (r *Repository) AppendCheckpoint(scope string, rec CheckpointRecord) error {
	log := r.loadCheckpointLog()
	for _, existing := range log.Records(scope) {
		if existing.CheckpointID == rec.CheckpointID {
			return harnesserr.Checkpoint(fmt.Sprintf("checkpoint id %q already exists in scope %q", rec.CheckpointID, scope), nil)
		}
	}
	log.Append(scope, rec)
	return r.saveCheckpointLog(log)
}

// ResolveCheckpoint atomically finds the pending record in scope at index
// matching checkpointID and sets its status, completed=true, decision,
// notes, and modifications, writing the log back.
func (r *Repository) ResolveCheckpoint(scope, checkpointID string, status CheckpointStatus, decision, modifications json.RawMessage, notes string) error {
	log := r.loadCheckpointLog()
	records := log.Records(scope)

	for i, rec := range records {
		if rec.CheckpointID != checkpointID {
			continue
		}
		rec.Status = status
		rec.Completed = true
		rec.Decision = decision
		rec.Modifications = modifications
		rec.Notes = notes
		if err := log.Replace(scope, i, rec); err != nil {
			return harnesserr.Checkpoint("replace checkpoint record", err)
		}
		return r.saveCheckpointLog(log)
	}

	return harnesserr.Checkpoint(fmt.Sprintf("no pending checkpoint %q in scope %q", checkpointID, scope), nil)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// writeJSONAtomic serialises v, writes it to a temp file beside path, and
// renames into place — write-whole-file-then-rename, per spec.md §4.3's
// write discipline, avoiding torn reads by any concurrent reader.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
