package backend

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestLocalBackendDispatchAndStatus(t *testing.T) {
	dir := t.TempDir()
	b := NewLocalBackend(dir)

	handle, err := b.Dispatch(context.Background(), DispatchOpts{
		Agent:   "test-agent",
		Command: "sh",
		Args:    []string{"-c", "echo hello"},
		WorkDir: dir,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if handle.PID <= 0 {
		t.Fatalf("Dispatch() handle.PID = %d, want > 0", handle.PID)
	}

	deadline := time.Now().Add(2 * time.Second)
	var status DispatchStatus
	for time.Now().Before(deadline) {
		status, err = b.Status(handle)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if status.State != StateRunning {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if status.State != StateCompleted {
		t.Fatalf("Status().State = %q, want %q", status.State, StateCompleted)
	}

	output, err := b.CaptureOutput(handle)
	if err != nil {
		t.Fatalf("CaptureOutput: %v", err)
	}
	if !strings.Contains(output, "hello") {
		t.Fatalf("CaptureOutput() = %q, want it to contain 'hello'", output)
	}

	if err := b.Cleanup(handle); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
}

func TestLocalBackendDispatchRequiresCommand(t *testing.T) {
	b := NewLocalBackend(t.TempDir())
	if _, err := b.Dispatch(context.Background(), DispatchOpts{}); err == nil {
		t.Fatal("Dispatch with no command = nil error, want error")
	}
}

func TestLocalBackendKillNoopOnUnknownPID(t *testing.T) {
	b := NewLocalBackend(t.TempDir())
	if err := b.Kill(Handle{PID: 0}); err != nil {
		t.Fatalf("Kill(pid=0): %v", err)
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	base := 1 * time.Second
	maxDelay := 30 * time.Second

	d1 := BackoffDelay(1, base, maxDelay)
	d2 := BackoffDelay(2, base, maxDelay)
	if d2 <= d1 {
		t.Errorf("BackoffDelay(2) = %v, want > BackoffDelay(1) = %v", d2, d1)
	}

	dCapped := BackoffDelay(20, base, maxDelay)
	if dCapped > maxDelay+maxDelay/10+time.Second {
		t.Errorf("BackoffDelay(20) = %v, want capped near %v", dCapped, maxDelay)
	}
}

func TestShouldRetryZeroTimeAlwaysTrue(t *testing.T) {
	if !ShouldRetry(time.Time{}, 3, time.Second, 30*time.Second) {
		t.Error("ShouldRetry with zero lastAttempt = false, want true")
	}
}

func TestShouldRetryRespectsBackoffWindow(t *testing.T) {
	if ShouldRetry(time.Now(), 5, 10*time.Second, 30*time.Second) {
		t.Error("ShouldRetry immediately after a failed attempt = true, want false")
	}
}
