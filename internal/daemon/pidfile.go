package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrAlreadyStarted means a live daemon already holds the PID file.
	ErrAlreadyStarted = errors.New("scheduler is already running")
	// ErrNotRunning means there is no live daemon to act on.
	ErrNotRunning = errors.New("scheduler is not running")
)

// PIDFile is the single-instance lock for the daemon on this host: presence
// of the file plus liveness of the recorded process means "running". It is a
// safety net against double-starting the daemon; per-task overlap is owned
// by the run ledger, not by this lock.
type PIDFile struct {
	path string
}

func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path}
}

func (p *PIDFile) Path() string { return p.path }

// Acquire claims the lock for the current process. A file referencing a live
// process refuses the claim; a stale file is replaced.
func (p *PIDFile) Acquire() error {
	if pid, alive := p.read(); alive {
		return errors.Wrapf(ErrAlreadyStarted, "pid %d", pid)
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p.path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// Release removes the lock file. Safe to call when not held.
func (p *PIDFile) Release() error {
	err := os.Remove(p.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// IsHeld reports whether the file references a live process.
func (p *PIDFile) IsHeld() bool {
	_, alive := p.read()
	return alive
}

// read returns the recorded pid and whether that process is alive. A
// missing or malformed file reads as (0, false).
func (p *PIDFile) read() (int, bool) {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, ProcessAlive(pid)
}

// ProcessAlive probes a pid with signal 0. EPERM still means the process
// exists.
func ProcessAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// StartBackground launches the daemon as a detached child process with
// stdout and stderr appended to logPath, and reports the child's pid. The
// child itself acquires the PID file; the parent only refuses early when a
// live daemon is obvious.
func (p *PIDFile) StartBackground(logPath string, args []string) (int, error) {
	if p.IsHeld() {
		return 0, ErrAlreadyStarted
	}
	exe, err := os.Executable()
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return 0, err
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	defer logFile.Close()

	cmd := exec.Command(exe, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	// Detach: the child outlives us.
	if err := cmd.Process.Release(); err != nil {
		return pid, err
	}
	return pid, nil
}

// Stop reads the PID file, signals the daemon with SIGTERM and waits up to
// wait for it to exit, then removes the file.
//
// Missing file: ErrNotRunning. Stale file (process dead): the file is
// cleaned up and ErrNotRunning is returned, so "stop" never errors on a
// crashed daemon. Signal delivery failure: reported, file left in place for
// inspection.
func (p *PIDFile) Stop(wait time.Duration) error {
	pid, alive := p.read()
	if pid == 0 {
		if _, err := os.Stat(p.path); err == nil {
			// Unreadable or malformed content counts as stale.
			_ = p.Release()
		}
		return ErrNotRunning
	}
	if !alive {
		_ = p.Release()
		return ErrNotRunning
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("could not signal pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if !ProcessAlive(pid) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	return p.Release()
}
