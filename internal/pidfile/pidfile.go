// Package pidfile keeps a second daemon from starting against the same
// state directory.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

var ErrAlreadyRunning = errors.New("another instance is already running")

// PIDFile is a held PID file.
type PIDFile struct {
	path string
	pid  int
}

// Path returns dir/<app>.pid.
func Path(dir, app string) string {
	return filepath.Join(dir, app+".pid")
}

// Acquire writes the current PID to path. It fails with ErrAlreadyRunning
// when the file names a live process; a stale file is replaced.
func Acquire(path string) (*PIDFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create pid directory: %w", err)
	}

	if pid, ok := readPID(path); ok && isProcessRunning(pid) {
		return nil, fmt.Errorf("%w (PID %d)", ErrAlreadyRunning, pid)
	}
	// stale or unreadable
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale pid file: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s appeared concurrently", ErrAlreadyRunning, path)
		}
		return nil, fmt.Errorf("create pid file: %w", err)
	}
	pid := os.Getpid()
	_, werr := fmt.Fprintf(f, "%d\n", pid)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("write pid file: %w", werr)
	}
	return &PIDFile{path: path, pid: pid}, nil
}

// Remove deletes the file if it still holds our PID.
func (p *PIDFile) Remove() error {
	if p == nil {
		return nil
	}
	if pid, ok := readPID(p.path); ok && pid == p.pid {
		return os.Remove(p.path)
	}
	return nil
}

func readPID(path string) (int, bool) {
	// #nosec G304 -- path is derived from the state directory
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// isProcessRunning probes pid with signal 0.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	switch {
	case err == nil:
		return true
	case errors.Is(err, syscall.EPERM):
		// exists, owned by someone else
		return true
	default:
		return false
	}
}
