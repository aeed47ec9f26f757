package checkpoint

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/antigravity-dev/coding-harness/internal/state"
)

func TestIssueEnrichmentHandlerSelectsFlaggedIssues(t *testing.T) {
	ctx, _ := json.Marshal(map[string]any{
		"all_issues_with_judgments": []map[string]any{
			{"issue_iid": 5, "llm_judgment": map[string]any{"decision": "needs_enrichment"}},
			{"issue_iid": 7, "llm_judgment": map[string]any{"decision": "skip"}},
			{"issue_iid": 9, "llm_judgment": map[string]any{"decision": "needs_enrichment"}},
		},
	})
	rec := state.CheckpointRecord{CheckpointType: state.CheckpointIssueEnrichment, Context: ctx}

	result := (IssueEnrichmentHandler{}).AutoApprove(rec)
	if !result.Resolved {
		t.Fatal("Resolved = false, want true")
	}
	if !strings.Contains(result.Notes, "2 LLM-recommended") {
		t.Errorf("Notes = %q, want it to mention 2 recommended issues", result.Notes)
	}
	var mods map[string][]int
	if err := json.Unmarshal(result.Modifications, &mods); err != nil {
		t.Fatalf("Modifications not valid JSON: %v", err)
	}
	if got := mods["selected_issue_iids"]; len(got) != 2 || got[0] != 5 || got[1] != 9 {
		t.Errorf("selected_issue_iids = %v, want [5 9]", got)
	}
}

func TestIssueEnrichmentHandlerNoFlagged(t *testing.T) {
	rec := state.CheckpointRecord{CheckpointType: state.CheckpointIssueEnrichment, Context: json.RawMessage(`{"all_issues_with_judgments": []}`)}
	result := (IssueEnrichmentHandler{}).AutoApprove(rec)
	if !strings.Contains(result.Notes, "no issues flagged") {
		t.Errorf("Notes = %q", result.Notes)
	}
}

func TestRegressionApprovalHandlerAlwaysFixNow(t *testing.T) {
	result := (RegressionApprovalHandler{}).AutoApprove(state.CheckpointRecord{CheckpointType: state.CheckpointRegressionApproval})
	if result.Decision != "fix_now" {
		t.Errorf("Decision = %q, want fix_now", result.Decision)
	}
}

func TestIssueSelectionHandlerWithRecommendation(t *testing.T) {
	rec := state.CheckpointRecord{
		CheckpointType: state.CheckpointIssueSelection,
		Context:        json.RawMessage(`{"recommended_issue_iid": 12}`),
	}
	result := (IssueSelectionHandler{}).AutoApprove(rec)
	if !strings.Contains(result.Output, "#12") {
		t.Errorf("Output = %q, want it to mention issue #12", result.Output)
	}
}

func TestIssueSelectionHandlerWithoutRecommendation(t *testing.T) {
	rec := state.CheckpointRecord{CheckpointType: state.CheckpointIssueSelection, Context: json.RawMessage(`{}`)}
	result := (IssueSelectionHandler{}).AutoApprove(rec)
	if !strings.Contains(result.Notes, "no specific recommendation") {
		t.Errorf("Notes = %q", result.Notes)
	}
}

func TestDispatcherRoutesByType(t *testing.T) {
	d := NewDispatcher()

	result, err := d.AutoApprove(state.CheckpointRecord{CheckpointType: state.CheckpointRegressionApproval})
	if err != nil {
		t.Fatalf("AutoApprove: %v", err)
	}
	if result.Decision != "fix_now" {
		t.Errorf("regression approval routed to wrong handler: %+v", result)
	}
}

func TestDispatcherCatchAllHandlesUnknownType(t *testing.T) {
	d := NewDispatcher()
	result, err := d.AutoApprove(state.CheckpointRecord{CheckpointType: state.CheckpointMRPhaseTransition})
	if err != nil {
		t.Fatalf("AutoApprove: %v", err)
	}
	if !result.Resolved {
		t.Error("catch-all handler did not resolve an unrecognized checkpoint type")
	}
	if !strings.Contains(result.Output, "Mr Phase Transition") {
		t.Errorf("Output = %q, want a title-cased type name", result.Output)
	}
}

func TestDispatcherWithEmptyHandlerListErrors(t *testing.T) {
	d := NewDispatcherWithHandlers(nil)
	if _, err := d.AutoApprove(state.CheckpointRecord{CheckpointType: state.CheckpointIssueSelection}); err == nil {
		t.Fatal("AutoApprove with no handlers = nil error, want error")
	}
}
