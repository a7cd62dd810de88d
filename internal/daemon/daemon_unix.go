//go:build !windows

package daemon

import (
	"os/exec"
	"syscall"
)

// detach moves the child into its own session so it outlives the terminal.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// alive uses signal 0, which checks the process exists without signaling it.
func alive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func terminate(pid int) error { return syscall.Kill(pid, syscall.SIGTERM) }

func kill(pid int) error { return syscall.Kill(pid, syscall.SIGKILL) }
