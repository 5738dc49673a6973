package poller

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// The lock file holds the active poller's pid. Presence plus a liveness
// probe enforces single-instance execution; a lock naming a dead
// process is cleared automatically.

// ErrAlreadyRunning wraps startup conflicts so callers can exit nonzero
// with a clean message.
type ErrAlreadyRunning struct {
	PID int
}

func (e ErrAlreadyRunning) Error() string {
	return fmt.Sprintf("another poller is already running (pid %d)", e.PID)
}

// ReadLock returns the pid recorded in the lock file and whether that
// process is alive. A missing file reports pid 0.
func ReadLock(path string) (pid int, alive bool, err error) {
	data, err := os.ReadFile(path) // #nosec G304
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read lock file: %w", err)
	}

	pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		// A corrupt lock is treated like a stale one.
		return 0, false, nil
	}
	return pid, pidAlive(pid), nil
}

// pidAlive probes a process with the no-op signal.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return errors.Is(err, syscall.EPERM)
}

// acquireLock claims the lock for this process. A live holder is a
// fatal startup conflict; a stale lock is removed and replaced.
func acquireLock(path string) error {
	pid, alive, err := ReadLock(path)
	if err != nil {
		return err
	}
	if alive && pid != os.Getpid() {
		return ErrAlreadyRunning{PID: pid}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	return nil
}

// releaseLock removes the lock file. Missing files are fine; shutdown
// must be idempotent.
func releaseLock(path string) {
	_ = os.Remove(path)
}
