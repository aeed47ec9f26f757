// Package state defines the on-disk entities of spec.md's Data Model
// (§3) and the Repository that reads and writes them, grounded
// on common/state.py's StateRepository/FileStateRepository. Persistence is
// JSON-file-only, per spec.md's "no database" non-goal.
package state

import "encoding/json"

// WorkspaceInfo is immutable per run after creation except for the
// auto_accept flag, which the observer TUI mutates to request hands-off
// operation. See spec.md §3.
type WorkspaceInfo struct {
	SpecSlug       string `json:"spec_slug"`
	SpecHash       string `json:"spec_hash"`
	SpecFile       string `json:"spec_file"`
	TargetBranch   string `json:"target_branch"`
	FeatureBranch  string `json:"feature_branch"`
	FileOnlyMode   bool   `json:"file_only_mode"`
	SkipMRCreation bool   `json:"skip_mr_creation"`
	SkipPuppeteer  bool   `json:"skip_puppeteer"`
	SkipTestSuite  bool   `json:"skip_test_suite"`
	SkipRegression bool   `json:"skip_regression"`
	AutoAccept     bool   `json:"auto_accept"`
}

// MilestoneState tracks workflow progress for one run. Lifecycle: created
// empty ({initialized: false}) by the Workspace Initializer, populated by
// the LLM during the initialize phase. See spec.md §3.
type MilestoneState struct {
	Initialized      bool     `json:"initialized"`
	Repository       string   `json:"repository,omitempty"`
	MilestoneID      int      `json:"milestone_id,omitempty"`
	MilestoneName    string   `json:"milestone_name,omitempty"`
	FeatureBranch    string   `json:"feature_branch,omitempty"`
	TotalIssues      int      `json:"total_issues,omitempty"`
	AllIssuesClosed  bool     `json:"all_issues_closed"`
	MilestoneClosed  bool     `json:"milestone_closed"`
	MergeRequestURL  string   `json:"merge_request_url,omitempty"`
	Enrichments      []string `json:"enrichments,omitempty"`
	ProgressComments []string `json:"progress_comments,omitempty"`
}

// CheckpointStatus is the closed set of states a CheckpointRecord moves
// through.
type CheckpointStatus string

const (
	StatusPending  CheckpointStatus = "pending"
	StatusApproved CheckpointStatus = "approved"
	StatusRejected CheckpointStatus = "rejected"
	StatusModified CheckpointStatus = "modified"
	StatusSkipped  CheckpointStatus = "skipped"
)

// CheckpointType is a closed enum of known checkpoint kinds, plus a
// catch-all for anything else. Adding a new kind never requires editing
// existing handlers — see internal/checkpoint.
type CheckpointType string

const (
	CheckpointIssueEnrichment    CheckpointType = "ISSUE_ENRICHMENT"
	CheckpointRegressionApproval CheckpointType = "REGRESSION_APPROVAL"
	CheckpointIssueSelection     CheckpointType = "ISSUE_SELECTION"
	CheckpointMRPhaseTransition  CheckpointType = "MR_PHASE_TRANSITION"
)

// CheckpointRecord is one entry in a CheckpointLog scope list. Records
// within a scope are append-only and ordered by CreatedAt.
type CheckpointRecord struct {
	CheckpointID   string           `json:"checkpoint_id"`
	CheckpointType CheckpointType   `json:"checkpoint_type"`
	Status         CheckpointStatus `json:"status"`
	CreatedAt      string           `json:"created_at"`
	Completed      bool             `json:"completed"`
	Context        json.RawMessage  `json:"context,omitempty"`
	Decision       json.RawMessage  `json:"decision,omitempty"`
	Notes          string           `json:"notes,omitempty"`
	Modifications  json.RawMessage  `json:"modifications,omitempty"`
}

// AgentStatus is the closed set of states a daemon-managed agent moves
// through.
type AgentStatus string

const (
	AgentStarting AgentStatus = "starting"
	AgentRunning  AgentStatus = "running"
	AgentReady    AgentStatus = "ready"
	AgentStopped  AgentStatus = "stopped"
	AgentFailed   AgentStatus = "failed"
)

// AgentConfig is the in-memory, JSON-marshalled configuration for one
// daemon-managed agent subprocess. See spec.md §3.
type AgentConfig struct {
	SpecFile       string `json:"spec_file"`
	ProjectDir     string `json:"project_dir"`
	TargetBranch   string `json:"target_branch"`
	MaxIterations  int    `json:"max_iterations,omitempty"`
	AutoAccept     bool   `json:"auto_accept"`
	SpecSlug       string `json:"spec_slug,omitempty"`
	SpecHash       string `json:"spec_hash,omitempty"`
	FileOnlyMode   bool   `json:"file_only_mode"`
	SkipMRCreation bool   `json:"skip_mr_creation"`
	SkipPuppeteer  bool   `json:"skip_puppeteer"`
	SkipTestSuite  bool   `json:"skip_test_suite"`
	SkipRegression bool   `json:"skip_regression"`

	// RestartOnFailure and MaxRestarts opt a single agent into the
	// daemon's automatic-restart-on-crash policy (SPEC_FULL.md
	// supplemented feature #8). Both default to off/zero, matching
	// spec.md's operator-invoked-only restart model when unset.
	RestartOnFailure bool `json:"restart_on_failure,omitempty"`
	MaxRestarts      int  `json:"max_restarts,omitempty"`
}

// AgentProcess is one entry of DaemonState: the full record the daemon
// persists for a managed agent.
type AgentProcess struct {
	AgentID   string      `json:"agent_id"`
	Config    AgentConfig `json:"config"`
	Status    AgentStatus `json:"status"`
	LogFile   string      `json:"log_file,omitempty"`
	StartedAt string      `json:"started_at,omitempty"`
	StoppedAt string      `json:"stopped_at,omitempty"`
	ExitCode  *int        `json:"exit_code,omitempty"`
	PID       int         `json:"-"`
}

// AgentState is the aggregate view of one run's WorkspaceInfo and
// MilestoneState, as returned by Load. Any sub-record may be nil when the
// backing file is missing or malformed — the repository never errors on
// read, it degrades to an unpopulated sub-record.
type AgentState struct {
	Workspace *WorkspaceInfo
	Milestone *MilestoneState
}

// IsInitialized mirrors common/state.py's AgentState.is_initialized.
func (s AgentState) IsInitialized() bool {
	return s.Milestone != nil && s.Milestone.Initialized
}

// AllIssuesClosed mirrors AgentState.all_issues_closed.
func (s AgentState) AllIssuesClosed() bool {
	return s.Milestone != nil && s.Milestone.AllIssuesClosed
}

// AutoAccept mirrors AgentState.auto_accept.
func (s AgentState) AutoAccept() bool {
	return s.Workspace != nil && s.Workspace.AutoAccept
}

// FileOnlyMode mirrors AgentState.file_only_mode.
func (s AgentState) FileOnlyMode() bool {
	return s.Workspace != nil && s.Workspace.FileOnlyMode
}

// MilestoneClosed is true only once the finalize phase has completed; once
// true the orchestrator never runs another session for this run.
func (s AgentState) MilestoneClosed() bool {
	return s.Milestone != nil && s.Milestone.MilestoneClosed
}
