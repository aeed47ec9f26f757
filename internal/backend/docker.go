package backend

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerBackend runs an agent inside a container instead of as a bare
// child process, for hosts that want filesystem/network isolation per
// run. Grounded on internal/dispatch/docker.go's DockerDispatcher,
// rewritten against the Handle/DispatchOpts/DispatchStatus shapes the
// rest of this package uses instead of docker.go's bare int handles.
type DockerBackend struct {
	cli   *client.Client
	image string

	mu         sync.Mutex
	sessions   map[int]string
	nextHandle int
}

// NewDockerBackend connects to the local Docker daemon using the
// standard environment-derived configuration. A nil client (Docker not
// reachable) is tolerated here and surfaced as a Dispatch error, matching
// docker.go's "warn and continue" pattern at construction time.
func NewDockerBackend(image string) *DockerBackend {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		cli = nil
	}
	if strings.TrimSpace(image) == "" {
		image = "coding-harness-agent:latest"
	}
	return &DockerBackend{cli: cli, image: image, sessions: make(map[int]string), nextHandle: 1}
}

func (b *DockerBackend) Name() string { return "docker" }

// IsAvailable reports whether the Docker client was constructed; it does
// not contact the Docker daemon.
func (b *DockerBackend) IsAvailable() bool { return b.cli != nil }

func (b *DockerBackend) Dispatch(ctx context.Context, opts DispatchOpts) (Handle, error) {
	if b.cli == nil {
		return Handle{}, fmt.Errorf("docker backend: no docker client available")
	}

	sessionName := fmt.Sprintf("harness-agent-%s-%d", sanitizeForFilename(opts.Agent), time.Now().UnixNano())

	hostCtxDir := filepath.Join(os.TempDir(), fmt.Sprintf("harness-ctx-%s", sessionName))
	if err := os.MkdirAll(hostCtxDir, 0o755); err != nil {
		return Handle{}, fmt.Errorf("docker backend: create context dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(hostCtxDir, "prompt.txt"), []byte(opts.Prompt), 0o644); err != nil {
		return Handle{}, fmt.Errorf("docker backend: write prompt file: %w", err)
	}

	workDirPath, err := filepath.Abs(opts.WorkDir)
	if err != nil {
		return Handle{}, fmt.Errorf("docker backend: resolve work dir: %w", err)
	}
	if err := os.MkdirAll(workDirPath, 0o755); err != nil {
		return Handle{}, fmt.Errorf("docker backend: create work dir: %w", err)
	}
	ctxPath, err := filepath.Abs(hostCtxDir)
	if err != nil {
		return Handle{}, fmt.Errorf("docker backend: resolve context dir: %w", err)
	}

	containerConfig := &container.Config{
		Image:      b.image,
		Cmd:        append([]string{opts.Command}, opts.Args...),
		Tty:        false,
		WorkingDir: "/workspace",
		Env:        append([]string{"HARNESS_PROMPT_FILE=/harness-ctx/prompt.txt"}, opts.Env...),
	}
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: ctxPath, Target: "/harness-ctx", ReadOnly: true},
			{Type: mount.TypeBind, Source: workDirPath, Target: "/workspace"},
		},
		AutoRemove: false,
	}

	resp, err := b.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, sessionName)
	if err != nil {
		return Handle{}, fmt.Errorf("docker backend: create container: %w", err)
	}
	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Handle{}, fmt.Errorf("docker backend: start container: %w", err)
	}

	b.mu.Lock()
	handleID := b.nextHandle
	b.nextHandle++
	b.sessions[handleID] = sessionName
	b.mu.Unlock()

	return Handle{PID: handleID, SessionName: sessionName, Backend: b.Name()}, nil
}

func (b *DockerBackend) Status(handle Handle) (DispatchStatus, error) {
	if b.cli == nil || handle.SessionName == "" {
		return DispatchStatus{State: StateUnknown, ExitCode: -1}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	inspect, err := b.cli.ContainerInspect(ctx, handle.SessionName)
	if err != nil {
		return DispatchStatus{State: StateUnknown, ExitCode: -1}, nil
	}

	status := DispatchStatus{ExitCode: inspect.State.ExitCode}
	switch {
	case inspect.State.Running:
		status.State = StateRunning
	case inspect.State.Dead, inspect.State.OOMKilled:
		status.State = StateFailed
	case inspect.State.ExitCode == 0:
		status.State = StateCompleted
	default:
		status.State = StateFailed
	}
	return status, nil
}

func (b *DockerBackend) CaptureOutput(handle Handle) (string, error) {
	if b.cli == nil || handle.SessionName == "" {
		return "", nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logs, err := b.cli.ContainerLogs(ctx, handle.SessionName, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", fmt.Errorf("docker backend: read container logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return "", fmt.Errorf("docker backend: demux container logs: %w", err)
	}
	return strings.TrimSpace(stdout.String() + "\n" + stderr.String()), nil
}

func (b *DockerBackend) Kill(handle Handle) error {
	if b.cli == nil || handle.SessionName == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return b.cli.ContainerRemove(ctx, handle.SessionName, container.RemoveOptions{Force: true, RemoveVolumes: true})
}

func (b *DockerBackend) Cleanup(handle Handle) error {
	if handle.SessionName == "" {
		return nil
	}
	return os.RemoveAll(filepath.Join(os.TempDir(), fmt.Sprintf("harness-ctx-%s", handle.SessionName)))
}
