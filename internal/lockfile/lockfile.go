// Package lockfile guards a LeadPipe state directory against a second `serve`
// process. The lock is an flock on a file in the directory, so the kernel
// drops it when the holder exits, cleanly or not.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is created inside the state directory.
const LockFileName = "leadpipe.lock"

// Owner describes the process recorded in a lock file.
type Owner struct {
	PID       int
	Host      string
	Command   string
	StartedAt time.Time
}

func (o Owner) String() string {
	if o.PID == 0 {
		return "unknown process"
	}
	state := "not running, stale lock"
	if processAlive(o.PID) {
		state = "running"
	}
	s := fmt.Sprintf("PID %d on %s (%s)", o.PID, o.Host, state)
	if o.Command != "" {
		s += ", command " + o.Command
	}
	if !o.StartedAt.IsZero() {
		s += ", started " + o.StartedAt.Format(time.RFC3339)
	}
	return s
}

func (o Owner) encode() string {
	return fmt.Sprintf("pid=%d\nhost=%s\ncommand=%s\nstarted_at=%s\n",
		o.PID, o.Host, o.Command, o.StartedAt.UTC().Format(time.RFC3339))
}

// Lock is a held state-directory lock.
type Lock struct {
	file  *os.File
	path  string
	owner Owner
}

// AcquireLock takes the lock for stateDir, creating the directory if needed.
// If another process holds it the returned error is a *LockError.
func AcquireLock(stateDir, command string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}
	path := filepath.Join(stateDir, LockFileName)

	// O_TRUNC is deferred until the flock is held so a losing process does not
	// wipe the owner's details.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		owner, _ := ReadOwner(path)
		slog.Error("lockfile.AcquireLock: state directory is locked", "path", path, "owner", owner.String(), "error", err)
		return nil, &LockError{Path: path, Owner: owner, Cause: err}
	}

	host, _ := os.Hostname()
	owner := Owner{PID: os.Getpid(), Host: host, Command: command, StartedAt: time.Now()}
	if err := writeOwner(file, owner); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to record lock owner in %s: %w", path, err)
	}

	slog.Info("lockfile.AcquireLock: lock acquired", "path", path, "pid", owner.PID)
	return &Lock{file: file, path: path, owner: owner}, nil
}

func writeOwner(f *os.File, o Owner) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(o.encode()), 0); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		slog.Warn("lockfile.writeOwner: sync failed", "path", f.Name(), "error", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release unlocks and removes the lock file. Calling it again is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	var firstErr error
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		firstErr = fmt.Errorf("failed to unlock %s: %w", l.path, err)
	}
	if err := l.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close %s: %w", l.path, err)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("lockfile.Release: could not remove lock file", "path", l.path, "error", err)
	}
	l.file = nil
	slog.Info("lockfile.Release: lock released", "path", l.path)
	return firstErr
}

// LockError reports that another process holds the state directory.
type LockError struct {
	Path  string
	Owner Owner
	Cause error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("another LeadPipe instance is using this state directory\n"+
		"  lock file: %s\n  held by:   %s\n"+
		"If that process is gone the lock is stale and can be removed with: rm %s",
		e.Path, e.Owner.String(), e.Path)
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// ReadOwner parses the owner details from a lock file.
func ReadOwner(path string) (Owner, error) {
	f, err := os.Open(path)
	if err != nil {
		return Owner{}, err
	}
	defer f.Close()

	var o Owner
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, val, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			o.PID, _ = strconv.Atoi(val)
		case "host":
			o.Host = val
		case "command":
			o.Command = val
		case "started_at":
			o.StartedAt, _ = time.Parse(time.RFC3339, val)
		}
	}
	return o, sc.Err()
}

// processAlive sends signal 0, which checks for existence without delivering anything.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
