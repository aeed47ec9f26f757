// Command harnessd runs the Agent Daemon (spec.md §4.8): the supervisor
// process that owns N agent subprocesses behind a JSON-RPC socket.
// Grounded on agent/daemon/server.py's main().
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/antigravity-dev/coding-harness/internal/backend"
	"github.com/antigravity-dev/coding-harness/internal/config"
	"github.com/antigravity-dev/coding-harness/internal/daemon"
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

// daemonize reproduces agent/daemon/server.py's --background handling
// (SPEC_FULL.md supplemented feature #1): os.fork + setsid in Python has
// no direct Go equivalent, so this re-execs the same binary with
// -background dropped, detached into its own session via the same
// setDetached convention internal/backend uses for agent subprocesses,
// and exits the parent once the child is launched.
func daemonize(logger *slog.Logger) {
	args := make([]string, 0, len(os.Args)-1)
	for _, a := range os.Args[1:] {
		if a != "-background" && a != "--background" {
			args = append(args, a)
		}
	}

	self, err := os.Executable()
	if err != nil {
		logger.Error("failed to resolve own executable path", "error", err)
		os.Exit(1)
	}

	cmd := exec.Command(self, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		logger.Error("failed to start background daemon", "error", err)
		os.Exit(1)
	}

	logger.Info("daemon started in background", "pid", cmd.Process.Pid)
	os.Exit(0)
}

func main() {
	configPath := flag.String("config", "harnessd.toml", "path to config file")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	background := flag.Bool("background", false, "fork, detach, and exit the parent once the daemon is running")
	agentBinary := flag.String("agent-binary", "", "path to the harness CLI invoked for each agent subprocess (defaults to \"harness\" beside this binary)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if *background {
		daemonize(logger)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if _, statErr := os.Stat(*configPath); os.IsNotExist(statErr) {
			cfg = config.Default()
		} else {
			logger.Error("failed to load config", "config", *configPath, "error", err)
			os.Exit(1)
		}
	}

	logger = configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	self, err := os.Executable()
	if err != nil {
		logger.Error("failed to resolve own executable path", "error", err)
		os.Exit(1)
	}
	harnessBinary := *agentBinary
	if harnessBinary == "" {
		harnessBinary = filepath.Join(filepath.Dir(self), "harness")
	}

	var be backend.Backend
	switch cfg.Backend.Kind {
	case "docker":
		docker := backend.NewDockerBackend(cfg.Backend.DockerImage)
		if !docker.IsAvailable() {
			logger.Error("backend.kind is \"docker\" but the Docker client could not be created")
			os.Exit(1)
		}
		be = docker
	default:
		logDir := cfg.Backend.LogDir
		if logDir == "" {
			logDir = "logs"
		}
		be = backend.NewLocalBackend(logDir)
	}

	dataDir := daemon.DataDir(filepath.Dir(self))
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		logger.Error("failed to create data directory", "dir", dataDir, "error", err)
		os.Exit(1)
	}

	d := daemon.New(cfg, be, dataDir, harnessBinary, logger.With("component", "daemon"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				if err := d.ReloadConfig(*configPath); err != nil {
					logger.Error("config reload failed, keeping current configuration", "config", *configPath, "error", err)
					continue
				}
				logger.Info("config reloaded", "config", *configPath)
			case syscall.SIGINT, syscall.SIGTERM:
				logger.Info("received signal, shutting down", "signal", sig)
				cancel()
				return
			}
		}
	}()

	if err := d.Run(ctx); err != nil {
		logger.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, "daemon stopped")
}
