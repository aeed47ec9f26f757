// Package orchestrator implements the Phase Orchestrator (spec.md §4.7):
// the state-machine-driven loop that decides which phase of work runs
// next, runs a bounded LLM session, and advances on completion.
// Grounded on agent/core/orchestrator.py's run_autonomous_agent /
// _run_agent_loop.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/antigravity-dev/coding-harness/internal/checkpoint"
	"github.com/antigravity-dev/coding-harness/internal/harnesserr"
	"github.com/antigravity-dev/coding-harness/internal/prompt"
	"github.com/antigravity-dev/coding-harness/internal/session"
	"github.com/antigravity-dev/coding-harness/internal/state"
)

// Phase is one of the three session kinds the orchestrator drives,
// matching spec.md's GLOSSARY entry.
type Phase string

const (
	PhaseInitializer Phase = "INITIALIZER"
	PhaseCoding       Phase = "CODING"
	PhaseMRCreation   Phase = "MR_CREATION"
)

// DetermineSessionType implements spec.md §4.7's decision table (also
// SPEC_FULL.md supplemented feature #6): the original's
// determine_session_type, made an explicit, independently testable
// function here rather than inlined in the loop.
func DetermineSessionType(st state.AgentState, skipMRCreation bool, repo *state.Repository) Phase {
	if !st.IsInitialized() {
		return PhaseInitializer
	}
	if !st.AllIssuesClosed() {
		return PhaseCoding
	}
	if skipMRCreation {
		return PhaseCoding
	}
	if repo == nil || !repo.IsCheckpointTypeApproved(state.CheckpointMRPhaseTransition) {
		return PhaseCoding
	}
	return PhaseMRCreation
}

// Reason names why Run returned, distinguishing graceful termination from
// cancellation so a caller (the CLI, or a daemon-supervised subprocess)
// can choose its own exit code and message.
type Reason string

const (
	ReasonStopped             Reason = "stopped"
	ReasonMaxIterations       Reason = "max_iterations"
	ReasonMilestoneClosed     Reason = "milestone_closed"
	ReasonSkipMRComplete      Reason = "skip_mr_complete"
	ReasonCheckpointRejected  Reason = "checkpoint_rejected"
)

// Config is the run-level configuration the orchestrator reads on every
// iteration. Most fields are the run's immutable identity and flags
// (mirrors WorkspaceInfo); Cadence fields are the two fixed timing
// constants SPEC_FULL.md's supplemented feature #5 carries over.
type Config struct {
	ProjectDir   string
	SpecSlug     string
	SpecHash     string
	Model        string
	TargetBranch string

	// ModelForPhase, when set, overrides Model with a phase-specific
	// choice (SPEC_FULL.md supplemented feature #7, adapted from
	// cortex's purpose-tier model selection). Falls back to Model when
	// nil or when it returns an empty string.
	ModelForPhase func(phase Phase) string

	MaxIterations int // 0 means unlimited

	FileOnlyMode   bool
	SkipMRCreation bool
	SkipPuppeteer  bool
	SkipTestSuite  bool
	SkipRegression bool

	AutoContinueDelay time.Duration
	HITLPollInterval  time.Duration
}

// Callbacks lets a caller (a TUI, a log writer) observe session output,
// tool calls, and phase transitions without the orchestrator knowing
// anything about presentation.
type Callbacks struct {
	OnOutput session.OutputCallback
	OnTool   session.ToolCallback
	OnPhase  func(phase Phase, iteration int)
}

// ClientFactory builds a fresh session.Client for one iteration, matching
// the original's per-iteration create_client(project_dir, model) call.
type ClientFactory func(ctx context.Context, projectDir, model string) (session.Client, error)

// PauseGate is a cooperative pause/resume signal: Wait blocks while
// paused and returns early if ctx is cancelled. The zero value is
// "not paused".
type PauseGate struct {
	resume chan struct{}
}

// NewPauseGate returns a PauseGate in the resumed state.
func NewPauseGate() *PauseGate {
	return &PauseGate{}
}

// Pause asserts the pause signal; a concurrent or future Wait call blocks
// until Resume is called.
func (g *PauseGate) Pause() {
	if g.resume == nil {
		g.resume = make(chan struct{})
	}
}

// Resume clears the pause signal, releasing any blocked Wait.
func (g *PauseGate) Resume() {
	if g.resume != nil {
		close(g.resume)
		g.resume = nil
	}
}

// Wait blocks while the gate is paused. Returns ctx.Err() if ctx is
// cancelled first.
func (g *PauseGate) Wait(ctx context.Context) error {
	if g == nil || g.resume == nil {
		return nil
	}
	select {
	case <-g.resume:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Orchestrator drives one run's phase loop. One Orchestrator instance
// corresponds to one process, per spec.md §4.7's ordering guarantee that
// phase decisions within a process are strictly sequential.
type Orchestrator struct {
	cfg        Config
	callbacks  Callbacks
	repo       *state.Repository
	dispatcher *checkpoint.Dispatcher
	newClient  ClientFactory
	pause      *PauseGate
	logger     *slog.Logger
}

// New constructs an Orchestrator. pause may be nil (never paused).
func New(cfg Config, callbacks Callbacks, repo *state.Repository, dispatcher *checkpoint.Dispatcher, newClient ClientFactory, pause *PauseGate, logger *slog.Logger) *Orchestrator {
	if dispatcher == nil {
		dispatcher = checkpoint.NewDispatcher()
	}
	if pause == nil {
		pause = NewPauseGate()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AutoContinueDelay <= 0 {
		cfg.AutoContinueDelay = 3 * time.Second
	}
	if cfg.HITLPollInterval <= 0 {
		cfg.HITLPollInterval = 5 * time.Second
	}
	return &Orchestrator{cfg: cfg, callbacks: callbacks, repo: repo, dispatcher: dispatcher, newClient: newClient, pause: pause, logger: logger}
}

// Run executes the iteration loop described by spec.md §4.7's pseudocode
// until a terminal condition is reached or ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) (Reason, error) {
	iteration := 0

	for {
		iteration++

		if err := ctx.Err(); err != nil {
			return ReasonStopped, nil
		}
		if err := o.pause.Wait(ctx); err != nil {
			return ReasonStopped, nil
		}
		if o.cfg.MaxIterations > 0 && iteration > o.cfg.MaxIterations {
			o.logger.Info("reached max iterations", "max_iterations", o.cfg.MaxIterations)
			return ReasonMaxIterations, nil
		}

		st := o.repo.Load()

		proceed, rejected, err := o.handlePendingCheckpoint(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ReasonStopped, nil
			}
			return "", err
		}
		if rejected {
			return ReasonCheckpointRejected, nil
		}
		if !proceed {
			return ReasonStopped, nil
		}

		if st.MilestoneClosed() {
			o.logger.Info("milestone closed, ending run")
			return ReasonMilestoneClosed, nil
		}
		if o.cfg.SkipMRCreation && st.AllIssuesClosed() {
			o.logger.Info("all issues closed and MR creation skipped, ending run")
			return ReasonSkipMRComplete, nil
		}

		phase := DetermineSessionType(st, o.cfg.SkipMRCreation, o.repo)
		if o.callbacks.OnPhase != nil {
			o.callbacks.OnPhase(phase, iteration)
		}

		outcome, err := o.runSession(ctx, phase)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ReasonStopped, nil
			}
			return "", err
		}

		if outcome == session.OutcomeContinue || outcome == session.OutcomeError {
			if err := o.sleepCancelable(ctx, o.cfg.AutoContinueDelay); err != nil {
				return ReasonStopped, nil
			}
		}
	}
}

// runSession builds a fresh client, renders the phase's prompt, and runs
// one bounded session against it.
func (o *Orchestrator) runSession(ctx context.Context, phase Phase) (session.Outcome, error) {
	model := o.cfg.Model
	if o.cfg.ModelForPhase != nil {
		if m := o.cfg.ModelForPhase(phase); m != "" {
			model = m
		}
	}

	client, err := o.newClient(ctx, o.cfg.ProjectDir, model)
	if err != nil {
		return "", harnesserr.New("create session client", err)
	}

	text, err := o.renderPrompt(phase)
	if err != nil {
		return "", err
	}

	outcome, _ := session.Run(ctx, client, text, o.callbacks.OnOutput, o.callbacks.OnTool)
	return outcome, nil
}

func (o *Orchestrator) renderPrompt(phase Phase) (string, error) {
	var p prompt.Phase
	switch phase {
	case PhaseInitializer:
		p = prompt.PhaseInitializer
	case PhaseMRCreation:
		p = prompt.PhaseMRCreation
	default:
		p = prompt.PhaseCoding
	}

	flags := prompt.Flags{
		SkipPuppeteer:  o.cfg.SkipPuppeteer,
		SkipTestSuite:  o.cfg.SkipTestSuite,
		SkipRegression: o.cfg.SkipRegression,
	}
	text, err := prompt.Render(p, o.cfg.FileOnlyMode, o.cfg.TargetBranch, o.cfg.SpecSlug, o.cfg.SpecHash, flags)
	if err != nil {
		return "", harnesserr.New("render prompt", err)
	}
	return text, nil
}

// handlePendingCheckpoint implements spec.md §4.5's poll-and-block rule.
// Returns (proceed, rejected, err): proceed=false+err=nil means the wait
// was interrupted by cancellation; rejected=true means a human rejected
// the checkpoint and the loop must terminate.
func (o *Orchestrator) handlePendingCheckpoint(ctx context.Context) (proceed bool, rejected bool, err error) {
	pending := o.repo.LoadPendingCheckpoint()
	if pending == nil {
		return true, false, nil
	}

	fresh := o.repo.Load()
	if fresh.AutoAccept() {
		result, err := o.dispatcher.AutoApprove(pending.Record)
		if err != nil {
			return false, false, harnesserr.Checkpoint("auto-approve checkpoint", err)
		}
		if o.callbacks.OnOutput != nil {
			o.callbacks.OnOutput(result.Output + "\n")
		}

		var decision json.RawMessage
		if result.Decision != "" {
			decision, _ = json.Marshal(result.Decision)
		}
		if err := o.repo.ResolveCheckpoint(pending.Scope, pending.Record.CheckpointID, state.StatusApproved, decision, result.Modifications, result.Notes); err != nil {
			return false, false, err
		}
		return true, false, nil
	}

	o.logger.Info("awaiting human checkpoint resolution", "checkpoint_id", pending.Record.CheckpointID, "checkpoint_type", pending.Record.CheckpointType)
	for {
		cur := o.repo.LoadPendingCheckpoint()
		if cur == nil {
			return true, false, nil
		}
		switch cur.Record.Status {
		case state.StatusApproved, state.StatusModified, state.StatusSkipped:
			o.logger.Info("checkpoint resolved", "status", cur.Record.Status)
			return true, false, nil
		case state.StatusRejected:
			o.logger.Info("checkpoint rejected")
			return false, true, nil
		}
		if err := o.sleepCancelable(ctx, o.cfg.HITLPollInterval); err != nil {
			return false, false, nil
		}
	}
}

func (o *Orchestrator) sleepCancelable(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// String renders a Reason for log/CLI output.
func (r Reason) String() string {
	switch r {
	case ReasonStopped:
		return "stopped by user"
	case ReasonMaxIterations:
		return "reached max iterations"
	case ReasonMilestoneClosed:
		return "milestone closed"
	case ReasonSkipMRComplete:
		return "all issues closed, MR creation skipped"
	case ReasonCheckpointRejected:
		return "checkpoint rejected"
	default:
		return fmt.Sprintf("unknown(%s)", string(r))
	}
}
