// Package pidfile guards a daemon against running twice with the same
// PID file.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrRunning is returned by Acquire when the PID file belongs to a live
// process.
var ErrRunning = errors.New("daemon already running")

// Pidfile represents a PID file
type Pidfile struct {
	path string
}

// New creates a new PID file instance
func New(path string) *Pidfile {
	return &Pidfile{path: path}
}

// Path returns the PID file path
func (p *Pidfile) Path() string {
	return p.path
}

// Acquire writes the current PID unless the file names another process
// that is still alive. Stale and unreadable files are replaced.
func (p *Pidfile) Acquire() error {
	if pid, err := p.Read(); err == nil && pid != os.Getpid() && alive(pid) {
		return fmt.Errorf("%w: pid %d (%s)", ErrRunning, pid, p.path)
	}
	return p.Write()
}

// Write writes the current PID to the PID file
func (p *Pidfile) Write() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return fmt.Errorf("failed to create pidfile directory: %w", err)
	}

	content := strconv.Itoa(os.Getpid()) + "\n"
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write pidfile: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write pidfile: %w", err)
	}
	return nil
}

// Read reads the PID from the PID file
func (p *Pidfile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, fmt.Errorf("failed to read pidfile: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in pidfile: %w", err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("invalid PID in pidfile: %d", pid)
	}
	return pid, nil
}

// Remove deletes the PID file if it still holds our PID
func (p *Pidfile) Remove() error {
	if pid, err := p.Read(); err == nil && pid != os.Getpid() {
		return nil
	}
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pidfile: %w", err)
	}
	return nil
}

// Exists checks if the PID file exists
func (p *Pidfile) Exists() bool {
	_, err := os.Stat(p.path)
	return !os.IsNotExist(err)
}
