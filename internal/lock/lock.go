// Package lock implements the advisory run-directory lock spec.md's Open
// Question (i) resolves with: one orchestrator per run directory,
// enforced by a non-blocking exclusive flock. Grounded on
// internal/health/flock.go.
package lock

import (
	"fmt"
	"os"
	"strconv"
	"syscall"

	"github.com/antigravity-dev/coding-harness/internal/harnesserr"
)

const lockFileName = ".harness.lock"

// Handle is the held lock; Release must be called to drop it.
type Handle struct {
	file *os.File
}

// Acquire takes a non-blocking exclusive lock on <runDir>/.harness.lock,
// writing the current PID into the file for diagnostics. It returns an
// error naming the conflicting PID when the lock is already held by a
// live process.
func Acquire(runDir string) (*Handle, error) {
	path := runDir + string(os.PathSeparator) + lockFileName

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, harnesserr.New("open lock file", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder, _ := os.ReadFile(path)
		f.Close()
		return nil, harnesserr.New(fmt.Sprintf("another harness orchestrator is already running against this run (pid %s)", holder), err)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, harnesserr.New("truncate lock file", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0); err != nil {
		f.Close()
		return nil, harnesserr.New("write pid to lock file", err)
	}

	return &Handle{file: f}, nil
}

// Release unlocks and closes the lock file. The file itself is left on
// disk (matching flock.go: the next Acquire truncates and reuses it).
func (h *Handle) Release() error {
	if h == nil || h.file == nil {
		return nil
	}
	if err := syscall.Flock(int(h.file.Fd()), syscall.LOCK_UN); err != nil {
		h.file.Close()
		return harnesserr.New("unlock lock file", err)
	}
	return h.file.Close()
}
