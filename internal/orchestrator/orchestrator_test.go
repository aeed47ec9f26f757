package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/antigravity-dev/coding-harness/internal/checkpoint"
	"github.com/antigravity-dev/coding-harness/internal/session"
	"github.com/antigravity-dev/coding-harness/internal/state"
)

func TestDetermineSessionType(t *testing.T) {
	uninit := state.AgentState{Milestone: &state.MilestoneState{Initialized: false}}
	if got := DetermineSessionType(uninit, false, nil); got != PhaseInitializer {
		t.Errorf("uninitialized state: got %v, want INITIALIZER", got)
	}

	coding := state.AgentState{Milestone: &state.MilestoneState{Initialized: true, AllIssuesClosed: false}}
	if got := DetermineSessionType(coding, false, nil); got != PhaseCoding {
		t.Errorf("issues open: got %v, want CODING", got)
	}

	skipMR := state.AgentState{Milestone: &state.MilestoneState{Initialized: true, AllIssuesClosed: true}}
	if got := DetermineSessionType(skipMR, true, nil); got != PhaseCoding {
		t.Errorf("skip_mr_creation set: got %v, want CODING", got)
	}
}

// TestDetermineSessionTypeMRGate is scenario S6: a closed milestone with no
// approved MR_PHASE_TRANSITION checkpoint stays in CODING; once approved,
// it advances to MR_CREATION.
func TestDetermineSessionTypeMRGate(t *testing.T) {
	dir := t.TempDir()
	repo := state.NewRepository(dir, nil)
	closed := state.AgentState{Milestone: &state.MilestoneState{Initialized: true, AllIssuesClosed: true}}

	if got := DetermineSessionType(closed, false, repo); got != PhaseCoding {
		t.Fatalf("no approved transition: got %v, want CODING", got)
	}

	rec := state.CheckpointRecord{
		CheckpointID:   "cp-1",
		CheckpointType: state.CheckpointMRPhaseTransition,
		Status:         state.StatusApproved,
		CreatedAt:      "2026-01-01T00:00:00Z",
		Completed:      true,
	}
	if err := repo.AppendCheckpoint("global", rec); err != nil {
		t.Fatalf("AppendCheckpoint: %v", err)
	}

	if got := DetermineSessionType(closed, false, repo); got != PhaseMRCreation {
		t.Fatalf("approved transition: got %v, want MR_CREATION", got)
	}
}

type noOpStream struct{}

func (noOpStream) Next(ctx context.Context) (session.Message, error) { return session.Message{}, io.EOF }

type noOpClient struct{ calls int }

func (c *noOpClient) Query(ctx context.Context, prompt string) (session.EventStream, error) {
	c.calls++
	return noOpStream{}, nil
}

// TestRunStopsWhenMilestoneClosed exercises the top-of-loop terminal
// condition without ever needing to run a session.
func TestRunStopsWhenMilestoneClosed(t *testing.T) {
	dir := t.TempDir()
	repo := state.NewRepository(dir, nil)
	if err := repo.SaveMilestone(state.MilestoneState{Initialized: true, MilestoneClosed: true}, false); err != nil {
		t.Fatalf("SaveMilestone: %v", err)
	}

	client := &noOpClient{}
	o := New(Config{ProjectDir: dir, MaxIterations: 5}, Callbacks{}, repo, nil,
		func(ctx context.Context, projectDir, model string) (session.Client, error) { return client, nil },
		nil, nil)

	reason, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reason != ReasonMilestoneClosed {
		t.Errorf("reason = %v, want milestone_closed", reason)
	}
	if client.calls != 0 {
		t.Errorf("session client invoked %d times, want 0 (loop should stop before running a session)", client.calls)
	}
}

// TestRunStopsWhenSkipMRAndAllIssuesClosed covers the
// skip_mr_creation && all_issues_closed terminal condition.
func TestRunStopsWhenSkipMRAndAllIssuesClosed(t *testing.T) {
	dir := t.TempDir()
	repo := state.NewRepository(dir, nil)
	if err := repo.SaveMilestone(state.MilestoneState{Initialized: true, AllIssuesClosed: true}, false); err != nil {
		t.Fatalf("SaveMilestone: %v", err)
	}

	o := New(Config{ProjectDir: dir, SkipMRCreation: true}, Callbacks{}, repo, nil,
		func(ctx context.Context, projectDir, model string) (session.Client, error) { return &noOpClient{}, nil },
		nil, nil)

	reason, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reason != ReasonSkipMRComplete {
		t.Errorf("reason = %v, want skip_mr_complete", reason)
	}
}

func TestRunStopsAtMaxIterations(t *testing.T) {
	dir := t.TempDir()
	repo := state.NewRepository(dir, nil)
	if err := repo.SaveMilestone(state.MilestoneState{Initialized: false}, false); err != nil {
		t.Fatalf("SaveMilestone: %v", err)
	}
	if err := repo.SaveWorkspace(state.WorkspaceInfo{SpecSlug: "s", SpecHash: "h", TargetBranch: "main"}); err != nil {
		t.Fatalf("SaveWorkspace: %v", err)
	}

	client := &noOpClient{}
	o := New(Config{
		ProjectDir:        dir,
		SpecSlug:          "s",
		SpecHash:          "h",
		TargetBranch:      "main",
		MaxIterations:     2,
		AutoContinueDelay: time.Millisecond,
		HITLPollInterval:  time.Millisecond,
	}, Callbacks{}, repo, nil,
		func(ctx context.Context, projectDir, model string) (session.Client, error) { return client, nil },
		nil, nil)

	reason, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reason != ReasonMaxIterations {
		t.Errorf("reason = %v, want max_iterations", reason)
	}
	if client.calls != 2 {
		t.Errorf("session client invoked %d times, want 2", client.calls)
	}
}

// TestRunAutoApprovesCheckpoint is scenario S7: a pending ISSUE_ENRICHMENT
// checkpoint under auto_accept=true is auto-approved with the
// LLM-recommended issue subset, and the loop proceeds rather than
// blocking.
func TestRunAutoApprovesCheckpoint(t *testing.T) {
	dir := t.TempDir()
	repo := state.NewRepository(dir, nil)
	if err := repo.SaveWorkspace(state.WorkspaceInfo{SpecSlug: "s", SpecHash: "h", TargetBranch: "main", AutoAccept: true}); err != nil {
		t.Fatalf("SaveWorkspace: %v", err)
	}
	if err := repo.SaveMilestone(state.MilestoneState{Initialized: true, AllIssuesClosed: true}, false); err != nil {
		t.Fatalf("SaveMilestone: %v", err)
	}

	ctxBytes, _ := json.Marshal(map[string]any{
		"all_issues_with_judgments": []map[string]any{
			{"issue_iid": 1, "llm_judgment": map[string]any{"decision": "needs_enrichment"}},
			{"issue_iid": 2, "llm_judgment": map[string]any{"decision": "ok"}},
		},
	})
	rec := state.CheckpointRecord{
		CheckpointID:   "enrich-1",
		CheckpointType: state.CheckpointIssueEnrichment,
		Status:         state.StatusPending,
		CreatedAt:      "2026-01-01T00:00:00Z",
		Context:        ctxBytes,
	}
	if err := repo.AppendCheckpoint("global", rec); err != nil {
		t.Fatalf("AppendCheckpoint: %v", err)
	}

	o := New(Config{
		ProjectDir:        dir,
		SkipMRCreation:    true,
		AutoContinueDelay: time.Millisecond,
		HITLPollInterval:  time.Millisecond,
	}, Callbacks{}, repo, checkpoint.NewDispatcher(),
		func(ctx context.Context, projectDir, model string) (session.Client, error) { return &noOpClient{}, nil },
		nil, nil)

	reason, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// all_issues_closed + skip_mr_creation ends the run right after the
	// checkpoint is resolved.
	if reason != ReasonSkipMRComplete {
		t.Errorf("reason = %v, want skip_mr_complete", reason)
	}

	pending := repo.LoadPendingCheckpoint()
	if pending != nil {
		t.Fatalf("checkpoint still pending after auto-approve: %+v", pending)
	}
	if !repo.IsCheckpointTypeApproved(state.CheckpointIssueEnrichment) {
		t.Error("checkpoint should be approved after auto-approve dispatch")
	}
}

func TestRunStopsOnCheckpointRejected(t *testing.T) {
	dir := t.TempDir()
	repo := state.NewRepository(dir, nil)
	if err := repo.SaveWorkspace(state.WorkspaceInfo{SpecSlug: "s", SpecHash: "h", AutoAccept: false}); err != nil {
		t.Fatalf("SaveWorkspace: %v", err)
	}
	rec := state.CheckpointRecord{
		CheckpointID:   "cp-1",
		CheckpointType: state.CheckpointIssueSelection,
		Status:         state.StatusRejected,
		CreatedAt:      "2026-01-01T00:00:00Z",
		Completed:      false,
	}
	if err := repo.AppendCheckpoint("global", rec); err != nil {
		t.Fatalf("AppendCheckpoint: %v", err)
	}

	o := New(Config{ProjectDir: dir, HITLPollInterval: time.Millisecond}, Callbacks{}, repo, nil,
		func(ctx context.Context, projectDir, model string) (session.Client, error) { return &noOpClient{}, nil },
		nil, nil)

	reason, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reason != ReasonCheckpointRejected {
		t.Errorf("reason = %v, want checkpoint_rejected", reason)
	}
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	dir := t.TempDir()
	repo := state.NewRepository(dir, nil)
	if err := repo.SaveMilestone(state.MilestoneState{Initialized: false}, false); err != nil {
		t.Fatalf("SaveMilestone: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := New(Config{ProjectDir: dir}, Callbacks{}, repo, nil,
		func(ctx context.Context, projectDir, model string) (session.Client, error) { return &noOpClient{}, nil },
		nil, nil)

	reason, err := o.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reason != ReasonStopped {
		t.Errorf("reason = %v, want stopped", reason)
	}
}
