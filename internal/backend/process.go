package backend

import (
	"errors"
	"fmt"
	"syscall"
	"time"
)

// IsProcessAlive reports whether pid names a live process, via a signal-0
// probe. Grounded on dispatch.go's IsProcessAlive.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// KillProcess sends SIGTERM, waits up to 5 seconds for the process to
// exit, and escalates to SIGKILL if it hasn't. Grounded verbatim on
// dispatch.go's KillProcess — this is the exact shutdown sequence
// spec.md §4.8 specifies for stopping a managed agent.
func KillProcess(pid int) error {
	if !IsProcessAlive(pid) {
		return nil
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("backend: send SIGTERM to pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !IsProcessAlive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	if IsProcessAlive(pid) {
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
			if errors.Is(err, syscall.ESRCH) {
				return nil
			}
			return fmt.Errorf("backend: send SIGKILL to pid %d: %w", pid, err)
		}
	}

	return nil
}
