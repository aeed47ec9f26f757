package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/antigravity-dev/coding-harness/internal/state"
)

func writeSpec(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestInitializeCreatesExpectedLayout(t *testing.T) {
	projectDir := t.TempDir()
	specDir := t.TempDir()
	specSource := writeSpec(t, specDir, "add-login-page.md", "# Add login page\n")

	result, err := Initialize(projectDir, specSource, "main", Options{})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if result.SpecSlug != "add-login-page" {
		t.Errorf("SpecSlug = %q, want %q", result.SpecSlug, "add-login-page")
	}
	if len(result.SpecHash) != 8 {
		t.Errorf("SpecHash = %q, want length 8", result.SpecHash)
	}

	wantDir := filepath.Join(projectDir, ".claude-agent", result.SpecSlug+"-"+result.SpecHash)
	if result.Dir != wantDir {
		t.Errorf("Dir = %q, want %q", result.Dir, wantDir)
	}

	specCopy := filepath.Join(result.Dir, "app_spec.txt")
	data, err := os.ReadFile(specCopy)
	if err != nil {
		t.Fatalf("app_spec.txt not written: %v", err)
	}
	if string(data) != "# Add login page\n" {
		t.Errorf("app_spec.txt content = %q, want the spec source content", data)
	}

	repo := state.NewRepository(result.Dir, nil)
	got := repo.Load()
	if got.Workspace == nil {
		t.Fatal("workspace info not written")
	}
	if got.Workspace.TargetBranch != "main" {
		t.Errorf("TargetBranch = %q, want %q", got.Workspace.TargetBranch, "main")
	}
	if got.Workspace.FeatureBranch != "feature/"+result.SpecSlug+"-"+result.SpecHash {
		t.Errorf("FeatureBranch = %q", got.Workspace.FeatureBranch)
	}
	if got.Milestone == nil || got.Milestone.Initialized {
		t.Errorf("milestone state = %+v, want non-nil and uninitialized", got.Milestone)
	}
}

func TestInitializeIsIdempotentAndPreservesMilestone(t *testing.T) {
	projectDir := t.TempDir()
	specDir := t.TempDir()
	specSource := writeSpec(t, specDir, "add-login-page.md", "# Add login page\n")

	opts := Options{SpecHashOverride: "Ab12Cd34"}
	result, err := Initialize(projectDir, specSource, "main", opts)
	if err != nil {
		t.Fatalf("first Initialize: %v", err)
	}

	repo := state.NewRepository(result.Dir, nil)
	if err := repo.SaveMilestone(state.MilestoneState{Initialized: true, TotalIssues: 3}, false); err != nil {
		t.Fatalf("SaveMilestone: %v", err)
	}

	second, err := Initialize(projectDir, specSource, "main", opts)
	if err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	if second.Dir != result.Dir {
		t.Fatalf("second Initialize Dir = %q, want %q", second.Dir, result.Dir)
	}

	got := repo.Load()
	if got.Milestone == nil || !got.Milestone.Initialized || got.Milestone.TotalIssues != 3 {
		t.Fatalf("milestone state clobbered by re-Initialize: %+v", got.Milestone)
	}
}

func TestInitializeOverridesPinRunIdentity(t *testing.T) {
	projectDir := t.TempDir()
	specDir := t.TempDir()
	specSource := writeSpec(t, specDir, "add-login-page.md", "# Add login page\n")

	first, err := Initialize(projectDir, specSource, "main", Options{})
	if err != nil {
		t.Fatalf("first Initialize: %v", err)
	}

	repo := state.NewRepository(first.Dir, nil)
	if err := repo.SaveMilestone(state.MilestoneState{Initialized: true, TotalIssues: 5}, false); err != nil {
		t.Fatalf("SaveMilestone: %v", err)
	}

	resumed, err := Initialize(projectDir, specSource, "main", Options{
		SpecSlugOverride: first.SpecSlug,
		SpecHashOverride: first.SpecHash,
	})
	if err != nil {
		t.Fatalf("resumed Initialize: %v", err)
	}

	if resumed.Dir != first.Dir {
		t.Errorf("Dir = %q, want the original run's Dir %q", resumed.Dir, first.Dir)
	}
	if resumed.SpecSlug != first.SpecSlug || resumed.SpecHash != first.SpecHash {
		t.Errorf("resumed identity = (%q, %q), want (%q, %q)", resumed.SpecSlug, resumed.SpecHash, first.SpecSlug, first.SpecHash)
	}

	got := repo.Load()
	if got.Milestone == nil || !got.Milestone.Initialized || got.Milestone.TotalIssues != 5 {
		t.Fatalf("resume via override lost milestone state: %+v", got.Milestone)
	}
	if got.Workspace.FeatureBranch != "feature/"+first.SpecSlug+"-"+first.SpecHash {
		t.Errorf("FeatureBranch = %q, want it built from the overridden identity", got.Workspace.FeatureBranch)
	}
}

func TestInitializeFileOnlyModeUsesFileMilestone(t *testing.T) {
	projectDir := t.TempDir()
	specDir := t.TempDir()
	specSource := writeSpec(t, specDir, "add-login-page.md", "# Add login page\n")

	result, err := Initialize(projectDir, specSource, "main", Options{FileOnlyMode: true})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if !fileExists(filepath.Join(result.Dir, ".file_milestone.json")) {
		t.Error(".file_milestone.json not created in file-only mode")
	}
	if fileExists(filepath.Join(result.Dir, ".gitlab_milestone.json")) {
		t.Error(".gitlab_milestone.json created despite file-only mode")
	}
}
