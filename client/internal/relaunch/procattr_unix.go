//go:build !windows

package relaunch

import (
	"os/exec"
	"syscall"
)

// setDetachedProcAttr runs the relaunched process in a new session so it
// survives the exit of the original process.
func setDetachedProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
}
