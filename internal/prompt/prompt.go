// Package prompt implements the placeholder substitution and conditional
// block expansion spec.md §4.9 describes, grounded on
// agent/prompts/__init__.py's get_initializer_prompt/get_coding_prompt/
// get_mr_creation_prompt family.
package prompt

import (
	"embed"
	"fmt"
	"regexp"
	"strings"

	"github.com/antigravity-dev/coding-harness/internal/harnesserr"
)

//go:embed templates/*.md
var templatesFS embed.FS

// Phase identifies which of the three prompt families to load.
type Phase string

const (
	PhaseInitializer Phase = "initializer"
	PhaseCoding      Phase = "coding"
	PhaseMRCreation  Phase = "mr_creation"
)

// Flags carries the feature flags the UNLESS blocks gate on.
type Flags struct {
	SkipPuppeteer  bool
	SkipTestSuite  bool
	SkipRegression bool
}

// Render loads the template for phase (the "_file_only" variant when
// fileOnlyMode is set), substitutes {{TARGET_BRANCH}} and {{SPEC_SLUG}},
// and expands {{#UNLESS_<FLAG>}}...{{/UNLESS_<FLAG>}} blocks: erased when
// the named flag is true, stripped (keeping the body) when false.
func Render(phase Phase, fileOnlyMode bool, targetBranch, specSlug, specHash string, flags Flags) (string, error) {
	if strings.TrimSpace(targetBranch) == "" && phase != PhaseCoding {
		return "", harnesserr.New("render prompt: target_branch cannot be empty", nil)
	}
	if strings.TrimSpace(specSlug) == "" {
		return "", harnesserr.New("render prompt: spec_slug cannot be empty", nil)
	}
	if strings.TrimSpace(specHash) == "" {
		return "", harnesserr.New("render prompt: spec_hash cannot be empty", nil)
	}

	name := string(phase)
	if fileOnlyMode {
		name += "_file_only"
	}

	data, err := templatesFS.ReadFile(fmt.Sprintf("templates/%s.md", name))
	if err != nil {
		return "", harnesserr.New(fmt.Sprintf("render prompt: unknown template %q", name), err)
	}

	text := string(data)
	text = strings.ReplaceAll(text, "{{TARGET_BRANCH}}", targetBranch)
	text = strings.ReplaceAll(text, "{{SPEC_SLUG}}", fmt.Sprintf("%s-%s", specSlug, specHash))
	text = expandUnless(text, "SKIP_PUPPETEER", flags.SkipPuppeteer)
	text = expandUnless(text, "SKIP_TEST_SUITE", flags.SkipTestSuite)
	text = expandUnless(text, "SKIP_REGRESSION", flags.SkipRegression)

	return text, nil
}

// expandUnless resolves every {{#UNLESS_<flag>}}...{{/UNLESS_<flag>}}
// block for the given flag name: the block body is kept when skip is
// false (the step is NOT skipped) and erased entirely when skip is true.
func expandUnless(text, flag string, skip bool) string {
	marker := regexp.MustCompile(`(?s)\{\{#UNLESS_` + flag + `\}\}(.*?)\{\{/UNLESS_` + flag + `\}\}`)
	return marker.ReplaceAllStringFunc(text, func(match string) string {
		if skip {
			return ""
		}
		groups := marker.FindStringSubmatch(match)
		return groups[1]
	})
}
