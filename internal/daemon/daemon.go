// Package daemon runs and tracks a detached background process through a
// PID file.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrAlreadyRunning is returned when the PID file names a live process.
	ErrAlreadyRunning = errors.New("already running")
	// ErrNotRunning is returned when no live process owns the PID file.
	ErrNotRunning = errors.New("not running")
)

// Process is a background process identified by its PID file. Output of a
// started process goes to LogPath.
type Process struct {
	PIDPath string
	LogPath string
}

// New returns a Process for the given PID and log paths.
func New(pidPath, logPath string) *Process {
	return &Process{PIDPath: pidPath, LogPath: logPath}
}

func (p *Process) readPID() (int, error) {
	data, err := os.ReadFile(p.PIDPath)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	return pid, nil
}

func (p *Process) writePID(pid int) error {
	return os.WriteFile(p.PIDPath, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Running reports the recorded PID and whether that process is alive.
func (p *Process) Running() (int, bool) {
	pid, err := p.readPID()
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, alive(pid)
}

// Claim records the current process as the owner of the PID file. A stale
// file left by a dead process is overwritten.
func (p *Process) Claim() error {
	if pid, ok := p.Running(); ok && pid != os.Getpid() {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}
	return p.writePID(os.Getpid())
}

// Release removes the PID file if the current process owns it.
func (p *Process) Release() error {
	pid, err := p.readPID()
	if err != nil || pid != os.Getpid() {
		return nil
	}
	return os.Remove(p.PIDPath)
}

// Start launches name with args detached from the terminal, appending its
// output to LogPath, and records its PID.
func (p *Process) Start(name string, args ...string) (int, error) {
	if pid, ok := p.Running(); ok {
		return 0, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}

	logFile, err := os.OpenFile(p.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	cmd := exec.Command(name, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", name, err)
	}
	pid := cmd.Process.Pid
	if err := p.writePID(pid); err != nil {
		_ = cmd.Process.Kill()
		return 0, fmt.Errorf("write PID file: %w", err)
	}
	_ = cmd.Process.Release()
	return pid, nil
}

// Stop asks the recorded process to terminate and kills it if it is still
// alive after timeout. The PID file is removed either way.
func (p *Process) Stop(timeout time.Duration) error {
	pid, ok := p.Running()
	if !ok {
		_ = os.Remove(p.PIDPath)
		return ErrNotRunning
	}
	defer func() { _ = os.Remove(p.PIDPath) }()

	if err := terminate(pid); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !alive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err := kill(pid); err != nil && alive(pid) {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	return nil
}
