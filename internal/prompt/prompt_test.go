package prompt

import (
	"strings"
	"testing"
)

func TestRenderSubstitutesPlaceholders(t *testing.T) {
	text, err := Render(PhaseInitializer, false, "main", "add-login-page", "ab12cd34", Flags{})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(text, "main") || !strings.Contains(text, "add-login-page-ab12cd34") {
		t.Fatalf("Render() did not substitute placeholders: %s", text)
	}
	if strings.Contains(text, "{{TARGET_BRANCH}}") || strings.Contains(text, "{{SPEC_SLUG}}") {
		t.Fatalf("Render() left a placeholder unsubstituted: %s", text)
	}
}

func TestRenderFileOnlySelectsVariant(t *testing.T) {
	text, err := Render(PhaseInitializer, true, "main", "slug", "hash", Flags{})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(text, "file-only mode") {
		t.Fatalf("Render(fileOnly=true) did not load the file-only template: %s", text)
	}
}

func TestRenderUnlessBlockErasedWhenFlagTrue(t *testing.T) {
	text, err := Render(PhaseCoding, false, "main", "slug", "hash", Flags{SkipTestSuite: true})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if strings.Contains(text, "Run the project's test suite") {
		t.Fatalf("SkipTestSuite=true did not erase its UNLESS block: %s", text)
	}
}

func TestRenderUnlessBlockKeptWhenFlagFalse(t *testing.T) {
	text, err := Render(PhaseCoding, false, "main", "slug", "hash", Flags{})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(text, "Run the project's test suite") {
		t.Fatalf("SkipTestSuite=false erased its UNLESS block: %s", text)
	}
}

func TestRenderAllThreeFlagsIndependent(t *testing.T) {
	text, err := Render(PhaseCoding, false, "main", "slug", "hash", Flags{
		SkipTestSuite:  true,
		SkipPuppeteer:  false,
		SkipRegression: true,
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if strings.Contains(text, "Run the project's test suite") {
		t.Error("SkipTestSuite block not erased")
	}
	if !strings.Contains(text, "drive it with a browser") {
		t.Error("SkipPuppeteer block erased despite flag being false")
	}
	if strings.Contains(text, "full regression pass") {
		t.Error("SkipRegression block not erased")
	}
}

func TestRenderRejectsEmptySpecSlug(t *testing.T) {
	if _, err := Render(PhaseCoding, false, "main", "", "hash", Flags{}); err == nil {
		t.Fatal("Render with empty spec slug = nil error, want error")
	}
}

func TestRenderUnknownPhaseErrors(t *testing.T) {
	if _, err := Render(Phase("bogus"), false, "main", "slug", "hash", Flags{}); err == nil {
		t.Fatal("Render with unknown phase = nil error, want error")
	}
}

