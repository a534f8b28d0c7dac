package relaunch

import (
	"os/exec"
	"syscall"
)

// setDetachedProcAttr runs the relaunched process detached from the console of the original one
func setDetachedProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP | 0x00000008, // 0x00000008 is DETACHED_PROCESS
	}
}
