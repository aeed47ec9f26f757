//go:build !linux

package backend

import "os/exec"

// setDetached is a no-op on platforms without setsid semantics; the
// harness targets Linux daemon hosts.
func setDetached(cmd *exec.Cmd) {}
