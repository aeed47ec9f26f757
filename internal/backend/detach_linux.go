//go:build linux

package backend

import (
	"os/exec"
	"syscall"
)

// setDetached puts the child in its own process group so it is not
// killed by a signal sent to the daemon's group (Ctrl-C at the terminal,
// for instance) — spec.md §4.8's "fresh child in its own session".
func setDetached(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
}
