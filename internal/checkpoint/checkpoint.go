// Package checkpoint implements the auto-approval side of the
// Checkpoint/HITL Engine (spec.md §4.5): a strategy/handler dispatch that
// decides what "auto-accept" means for each checkpoint type, grounded on
// agent/core/checkpoint_handlers.py's CheckpointDispatcher.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/antigravity-dev/coding-harness/internal/harnesserr"
	"github.com/antigravity-dev/coding-harness/internal/state"
)

// Result is what a Handler decides for a checkpoint in auto-accept mode.
type Result struct {
	Resolved      bool
	Output        string
	Decision      string
	Notes         string
	Modifications json.RawMessage
}

// Handler is the strategy interface: one implementation per checkpoint
// type, plus a catch-all default. Adding a new checkpoint type means
// adding a new Handler, never editing an existing one.
type Handler interface {
	CanHandle(checkpointType state.CheckpointType) bool
	AutoApprove(rec state.CheckpointRecord) Result
}

// issueJudgment mirrors the "llm_judgment" object the initializer phase
// attaches to each candidate issue.
type issueJudgment struct {
	Decision string `json:"decision"`
}

type issueWithJudgment struct {
	IssueIID    *int          `json:"issue_iid"`
	LLMJudgment issueJudgment `json:"llm_judgment"`
}

type enrichmentContext struct {
	AllIssuesWithJudgments []issueWithJudgment `json:"all_issues_with_judgments"`
}

// IssueEnrichmentHandler auto-approves ISSUE_ENRICHMENT checkpoints with
// whichever issues the LLM flagged "needs_enrichment" during initialize.
type IssueEnrichmentHandler struct{}

func (IssueEnrichmentHandler) CanHandle(t state.CheckpointType) bool {
	return t == state.CheckpointIssueEnrichment
}

func (IssueEnrichmentHandler) AutoApprove(rec state.CheckpointRecord) Result {
	var ctx enrichmentContext
	_ = json.Unmarshal(rec.Context, &ctx)

	var selected []int
	for _, issue := range ctx.AllIssuesWithJudgments {
		if issue.IssueIID != nil && issue.LLMJudgment.Decision == "needs_enrichment" {
			selected = append(selected, *issue.IssueIID)
		}
	}

	notes := "Auto-approved - no issues flagged for enrichment"
	if len(selected) > 0 {
		notes = fmt.Sprintf("Auto-approved with %d LLM-recommended issues for enrichment", len(selected))
	}

	mods, _ := json.Marshal(map[string]any{"selected_issue_iids": selected})
	return Result{
		Resolved:      true,
		Output:        fmt.Sprintf("[HITL] Checkpoint auto-approved: Issue Enrichment\n[HITL] Modifications: %s", mods),
		Notes:         notes,
		Modifications: mods,
	}
}

// RegressionApprovalHandler auto-approves REGRESSION_APPROVAL checkpoints
// by choosing to fix the regression immediately rather than defer it.
type RegressionApprovalHandler struct{}

func (RegressionApprovalHandler) CanHandle(t state.CheckpointType) bool {
	return t == state.CheckpointRegressionApproval
}

func (RegressionApprovalHandler) AutoApprove(state.CheckpointRecord) Result {
	return Result{
		Resolved: true,
		Output:   "[HITL] Checkpoint auto-approved: Regression Approval\n[HITL] Decision: fix_now",
		Decision: "fix_now",
		Notes:    "Auto-approved with fix_now action",
	}
}

type selectionContext struct {
	RecommendedIssueIID *int `json:"recommended_issue_iid"`
}

// IssueSelectionHandler auto-approves ISSUE_SELECTION checkpoints by
// taking whichever issue the LLM recommended, or proceeding with no
// specific selection if it made none.
type IssueSelectionHandler struct{}

func (IssueSelectionHandler) CanHandle(t state.CheckpointType) bool {
	return t == state.CheckpointIssueSelection
}

func (IssueSelectionHandler) AutoApprove(rec state.CheckpointRecord) Result {
	var ctx selectionContext
	_ = json.Unmarshal(rec.Context, &ctx)

	if ctx.RecommendedIssueIID == nil {
		return Result{
			Resolved: true,
			Output:   "[HITL] Checkpoint auto-approved: Issue Selection",
			Notes:    "Auto-approved (no specific recommendation)",
		}
	}

	iid := *ctx.RecommendedIssueIID
	mods, _ := json.Marshal(map[string]any{"selected_issue_iid": iid})
	return Result{
		Resolved:      true,
		Output:        fmt.Sprintf("[HITL] Checkpoint auto-approved: Issue Selection\n[HITL] Selected issue #%d", iid),
		Notes:         fmt.Sprintf("Auto-approved recommended issue #%d", iid),
		Modifications: mods,
	}
}

// DefaultHandler is the catch-all: it matches any checkpoint type not
// claimed by an earlier handler in the Dispatcher's list.
type DefaultHandler struct{}

func (DefaultHandler) CanHandle(state.CheckpointType) bool { return true }

func (DefaultHandler) AutoApprove(rec state.CheckpointRecord) Result {
	display := titleCase(strings.ReplaceAll(strings.ToLower(string(rec.CheckpointType)), "_", " "))
	return Result{
		Resolved: true,
		Output:   fmt.Sprintf("[HITL] Checkpoint auto-approved: %s", display),
		Notes:    "Auto-approved",
	}
}

// titleCase upper-cases the first letter of each space-separated word,
// e.g. "issue enrichment" -> "Issue Enrichment". strings.Title is
// deprecated for Unicode-aware casing, which this display string never
// needs.
func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// Dispatcher routes a checkpoint to the first handler in its ordered list
// that claims its type. The default handler is always last and matches
// anything, so dispatch never fails to find a handler unless the caller
// builds a custom list without one.
type Dispatcher struct {
	handlers []Handler
}

// NewDispatcher returns a Dispatcher with the standard handler order:
// the three specific handlers, then DefaultHandler as catch-all.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: []Handler{
		IssueEnrichmentHandler{},
		RegressionApprovalHandler{},
		IssueSelectionHandler{},
		DefaultHandler{},
	}}
}

// NewDispatcherWithHandlers builds a Dispatcher from a caller-supplied
// handler list, for tests that want to exercise a custom order.
func NewDispatcherWithHandlers(handlers []Handler) *Dispatcher {
	return &Dispatcher{handlers: handlers}
}

func (d *Dispatcher) handlerFor(t state.CheckpointType) (Handler, error) {
	for _, h := range d.handlers {
		if h.CanHandle(t) {
			return h, nil
		}
	}
	return nil, harnesserr.Checkpoint(fmt.Sprintf("no handler registered for checkpoint type %q", t), nil)
}

// AutoApprove resolves a checkpoint using the handler for its type.
func (d *Dispatcher) AutoApprove(rec state.CheckpointRecord) (Result, error) {
	h, err := d.handlerFor(rec.CheckpointType)
	if err != nil {
		return Result{}, err
	}
	return h.AutoApprove(rec), nil
}
