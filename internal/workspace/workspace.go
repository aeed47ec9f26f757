// Package workspace implements the Workspace Initializer (spec.md §4.4):
// the isolated-directory setup that runs before any agent session starts,
// grounded on agent/prompts/__init__.py's initialize_agent_workspace.
package workspace

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/antigravity-dev/coding-harness/internal/harnesserr"
	"github.com/antigravity-dev/coding-harness/internal/identity"
	"github.com/antigravity-dev/coding-harness/internal/state"
)

// Options carries the run-level flags that seed WorkspaceInfo. Zero value
// is the default (GitLab-backed milestone tracking, MR creation enabled).
type Options struct {
	FileOnlyMode   bool
	SkipMRCreation bool
	SkipPuppeteer  bool
	SkipTestSuite  bool
	SkipRegression bool

	// SpecSlugOverride/SpecHashOverride let a caller pin the run identity
	// instead of deriving it from specSource, matching agent/cli.py's
	// --spec-slug/--spec-hash threading into initialize_agent_workspace.
	// When set, the resulting run directory, WorkspaceInfo, and feature
	// branch are all built from the override so a resumed run reattaches
	// to the prior run directory instead of minting a new random hash.
	SpecSlugOverride string
	SpecHashOverride string
}

// Result is what Initialize returns: the run directory and the identifiers
// that name it.
type Result struct {
	Dir      string
	SpecSlug string
	SpecHash string
}

// Initialize creates .claude-agent/<slug>-<hash>/ under projectDir, copies
// specSource into it as app_spec.txt, and writes the initial
// WorkspaceInfo and an empty MilestoneState and CheckpointLog. Re-running
// it against the same spec file and project with the same
// SpecHashOverride reuses that run directory: it overwrites app_spec.txt
// and WorkspaceInfo but leaves any existing MilestoneState/CheckpointLog
// untouched, so resuming an interrupted run never discards progress.
// Without SpecHashOverride each call derives a fresh random hash and so
// creates a new run directory.
func Initialize(projectDir, specSource, targetBranch string, opts Options) (Result, error) {
	specSlug := identity.Slug(filepath.Base(specSource))
	if opts.SpecSlugOverride != "" {
		specSlug = opts.SpecSlugOverride
	}

	specHash := opts.SpecHashOverride
	if specHash == "" {
		h, err := identity.Hash(specSource)
		if err != nil {
			return Result{}, harnesserr.New("compute spec hash", err)
		}
		specHash = h
	}

	dir := state.RunDir(projectDir, specSlug, specHash)
	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0o755); err != nil {
		return Result{}, harnesserr.New("create run directory", err)
	}

	if err := copyFile(specSource, filepath.Join(dir, "app_spec.txt")); err != nil {
		return Result{}, harnesserr.New("copy spec file", err)
	}

	info := state.WorkspaceInfo{
		SpecSlug:       specSlug,
		SpecHash:       specHash,
		SpecFile:       "app_spec.txt",
		TargetBranch:   targetBranch,
		FeatureBranch:  fmt.Sprintf("feature/%s-%s", specSlug, specHash),
		FileOnlyMode:   opts.FileOnlyMode,
		SkipMRCreation: opts.SkipMRCreation,
		SkipPuppeteer:  opts.SkipPuppeteer,
		SkipTestSuite:  opts.SkipTestSuite,
		SkipRegression: opts.SkipRegression,
		AutoAccept:     false,
	}

	repo := state.NewRepository(dir, nil)
	if err := repo.SaveWorkspace(info); err != nil {
		return Result{}, harnesserr.New("write workspace info", err)
	}

	if !fileExists(filepath.Join(dir, ".gitlab_milestone.json")) && !fileExists(filepath.Join(dir, ".file_milestone.json")) {
		if err := repo.SaveMilestone(state.MilestoneState{Initialized: false}, opts.FileOnlyMode); err != nil {
			return Result{}, harnesserr.New("write milestone state", err)
		}
	}

	checkpointLogPath := filepath.Join(dir, ".hitl_checkpoint_log.json")
	if !fileExists(checkpointLogPath) {
		data, err := json.MarshalIndent(state.NewCheckpointLog(), "", "  ")
		if err != nil {
			return Result{}, harnesserr.New("encode checkpoint log", err)
		}
		if err := os.WriteFile(checkpointLogPath, data, 0o644); err != nil {
			return Result{}, harnesserr.New("write checkpoint log", err)
		}
	}

	return Result{Dir: dir, SpecSlug: specSlug, SpecHash: specHash}, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
