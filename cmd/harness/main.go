// Command harness runs one autonomous coding-agent session to completion:
// it initializes (or resumes) a run's isolated workspace, then drives the
// Phase Orchestrator until a terminal condition is reached. Grounded on
// agent/cli.py's main().
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/antigravity-dev/coding-harness/internal/config"
	"github.com/antigravity-dev/coding-harness/internal/harnesserr"
	"github.com/antigravity-dev/coding-harness/internal/lock"
	"github.com/antigravity-dev/coding-harness/internal/orchestrator"
	"github.com/antigravity-dev/coding-harness/internal/session"
	"github.com/antigravity-dev/coding-harness/internal/state"
	"github.com/antigravity-dev/coding-harness/internal/workspace"
)

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// validateRequiredEnvVars reproduces agent/cli.py's
// validate_required_env_vars, message text included, since spec.md §6
// specifies the env vars but not the preflight error copy (SPEC_FULL.md
// supplemented feature #2).
func validateRequiredEnvVars() error {
	if os.Getenv("CLAUDE_CODE_OAUTH_TOKEN") == "" && os.Getenv("ANTHROPIC_API_KEY") == "" {
		return fmt.Errorf(
			"Error: Neither CLAUDE_CODE_OAUTH_TOKEN nor ANTHROPIC_API_KEY environment variable is set\n\n" +
				"Option 1: Run 'claude setup-token' after installing the Claude Code CLI.\n" +
				"  export CLAUDE_CODE_OAUTH_TOKEN='your-token-here'\n\n" +
				"Option 2: Use Anthropic API key directly:\n" +
				"  export ANTHROPIC_API_KEY='sk-ant-xxxxxxxxxxxxx'")
	}
	if os.Getenv("GITLAB_PERSONAL_ACCESS_TOKEN") == "" {
		return fmt.Errorf(
			"Error: GITLAB_PERSONAL_ACCESS_TOKEN environment variable not set\n\n" +
				"Get your personal access token from: https://gitlab.com/-/user_settings/personal_access_tokens\n" +
				"Required scopes: api, read_api, read_repository, write_repository\n\n" +
				"Then set it:\n" +
				"  export GITLAB_PERSONAL_ACCESS_TOKEN='glpat-xxxxxxxxxxxxx'")
	}
	return nil
}

// verifyGitRepository reproduces the original's git-directory preflight,
// message text included.
func verifyGitRepository(projectDir string) error {
	if _, err := os.Stat(filepath.Join(projectDir, ".git")); err != nil {
		return fmt.Errorf(
			"Error: Current directory is not a git repository\n\n"+
				"Current directory: %s\n\n"+
				"Please run this script from the root of your GitLab project.\n"+
				"If this is a new project, initialize git first:\n"+
				"  git init\n"+
				"  git remote add origin <your-gitlab-project-url>", projectDir)
	}
	return nil
}

// verifySpecFile reproduces the original's spec-file preflight.
func verifySpecFile(specFile string) error {
	info, err := os.Stat(specFile)
	if err != nil {
		return fmt.Errorf("Error: Spec file not found: %s", specFile)
	}
	if info.IsDir() {
		return fmt.Errorf("Error: Not a file: %s", specFile)
	}
	return nil
}

// newUnconfiguredClient is the ClientFactory this binary wires by
// default: the LLM SDK is an out-of-scope external collaborator
// (spec.md §1), so there is no concrete session.Client to bind here.
// A deployment that supplies one swaps this factory out; until then the
// orchestrator fails fast with an unambiguous message instead of silently
// no-opping.
func newUnconfiguredClient(ctx context.Context, projectDir, model string) (session.Client, error) {
	return nil, harnesserr.New("no LLM client configured", fmt.Errorf("this build of cmd/harness has no session.Client wired in; provide one via a deployment-specific build"))
}

func main() {
	specFile := flag.String("spec-file", "", "path to the specification file (required)")
	projectDir := flag.String("project-dir", "", "project directory (defaults to cwd)")
	targetBranch := flag.String("target-branch", "main", "branch the feature branch is based on")
	maxIterations := flag.Int("max-iterations", 0, "maximum orchestrator iterations (0 = unlimited)")
	fileOnly := flag.Bool("file-only", false, "track milestone/issues in local files instead of GitLab")
	skipMR := flag.Bool("skip-mr", false, "end the run once all issues are closed instead of opening a merge request")
	skipPuppeteer := flag.Bool("skip-puppeteer", false, "skip browser-driven verification steps")
	skipTestSuite := flag.Bool("skip-test-suite", false, "skip running the project's test suite")
	skipRegression := flag.Bool("skip-regression", false, "skip regression testing")
	specHashOverride := flag.String("spec-hash", "", "override the auto-generated spec hash")
	specSlugOverride := flag.String("spec-slug", "", "override the auto-generated spec slug")
	configPath := flag.String("config", "harness.toml", "path to config file")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := validateRequiredEnvVars(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *specFile == "" {
		fmt.Fprintln(os.Stderr, "Error: --spec-file is required")
		os.Exit(1)
	}

	dir := *projectDir
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to resolve current directory: %v\n", err)
			os.Exit(1)
		}
		dir = cwd
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve project directory: %v\n", err)
		os.Exit(1)
	}

	if err := verifyGitRepository(absDir); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	absSpecFile, err := filepath.Abs(*specFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve spec file: %v\n", err)
		os.Exit(1)
	}
	if err := verifySpecFile(absSpecFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if _, statErr := os.Stat(*configPath); os.IsNotExist(statErr) {
			cfg = config.Default()
		} else {
			fmt.Fprintf(os.Stderr, "Error: failed to load config %s: %v\n", *configPath, err)
			os.Exit(1)
		}
	}
	logger = configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	opts := workspace.Options{
		FileOnlyMode:     *fileOnly,
		SkipMRCreation:   *skipMR,
		SkipPuppeteer:    *skipPuppeteer,
		SkipTestSuite:    *skipTestSuite,
		SkipRegression:   *skipRegression,
		SpecSlugOverride: *specSlugOverride,
		SpecHashOverride: *specHashOverride,
	}
	result, err := workspace.Initialize(absDir, absSpecFile, *targetBranch, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to initialize agent workspace: %v\n", err)
		os.Exit(1)
	}
	specSlug, specHash := result.SpecSlug, result.SpecHash

	fmt.Printf("Spec slug: %s\n", specSlug)
	fmt.Printf("Spec hash: %s\n", specHash)
	fmt.Printf("Agent workspace: %s\n", result.Dir)

	lockHandle, err := lock.Acquire(result.Dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer lockHandle.Release()

	repo := state.NewRepository(result.Dir, logger.With("component", "state"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, stopping after current suspension point", "signal", sig)
		cancel()
	}()

	defaultModel := os.Getenv("CLAUDE_MODEL")
	if defaultModel == "" {
		defaultModel = cfg.Models.Default
	}

	orch := orchestrator.New(orchestrator.Config{
		ProjectDir: result.Dir,
		SpecSlug:   specSlug,
		SpecHash:   specHash,
		Model:      defaultModel,
		// Only return a value when the phase has an explicit override in
		// the TOML config; an empty return falls back to Model (the
		// CLAUDE_MODEL env var, or cfg.Models.Default).
		ModelForPhase: func(phase orchestrator.Phase) string {
			switch phase {
			case orchestrator.PhaseInitializer:
				return cfg.Models.Initializer
			case orchestrator.PhaseMRCreation:
				return cfg.Models.MRCreation
			default:
				return cfg.Models.Coding
			}
		},
		TargetBranch:      *targetBranch,
		MaxIterations:     *maxIterations,
		FileOnlyMode:      *fileOnly,
		SkipMRCreation:    *skipMR,
		SkipPuppeteer:     *skipPuppeteer,
		SkipTestSuite:     *skipTestSuite,
		SkipRegression:    *skipRegression,
		AutoContinueDelay: cfg.Cadence.AutoContinueDelay.Duration,
		HITLPollInterval:  cfg.Cadence.HITLPollInterval.Duration,
	}, orchestrator.Callbacks{
		OnOutput: func(text string) { fmt.Print(text) },
		OnTool: func(name, content string, isError bool) {
			if isError {
				logger.Warn("tool event", "tool", name, "detail", content)
			} else {
				logger.Info("tool event", "tool", name, "detail", content)
			}
		},
		OnPhase: func(phase orchestrator.Phase, iteration int) {
			logger.Info("entering phase", "phase", phase, "iteration", iteration)
		},
	}, repo, nil, newUnconfiguredClient, nil, logger)

	reason, err := orch.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "\nFatal error: %v\n", err)
		os.Exit(1)
	}

	if ctx.Err() != nil {
		fmt.Fprintln(os.Stderr, "\n\nInterrupted by user")
		fmt.Fprintln(os.Stderr, "To resume, run the same command again from the same directory")
		os.Exit(130)
	}

	logger.Info("run finished", "reason", reason.String())
}
