//go:build windows

package daemon

import (
	"os"
	"os/exec"
	"syscall"
)

// detach is a no-op on Windows (no Setsid equivalent).
func detach(_ *exec.Cmd) {}

func alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// terminate kills outright; Windows has no reliable SIGTERM delivery.
func terminate(pid int) error { return kill(pid) }

func kill(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
