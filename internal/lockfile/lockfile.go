// Package lockfile guards the state directory so only one ShopPipe process
// drains a given queue and owns its WhatsApp session.
//
// The lock is an flock on a file in the state directory; the kernel drops it
// when the process exits, so a crashed instance never leaves a stuck lock.
package lockfile

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "shoppipe.lock"

// ErrLocked is matched by errors.Is when another process holds the lock.
var ErrLocked = errors.New("state directory locked by another process")

// Owner describes the process recorded in the lock file.
type Owner struct {
	PID       int
	StartedAt time.Time
	Running   bool
}

func (o Owner) String() string {
	if o.PID == 0 {
		return "unknown process"
	}
	state := "running"
	if !o.Running {
		state = "not running"
	}
	s := fmt.Sprintf("PID %d (%s)", o.PID, state)
	if !o.StartedAt.IsZero() {
		s += ", started " + o.StartedAt.Format(time.RFC3339)
	}
	return s
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the exclusive lock on stateDir, creating the directory if
// needed. It fails fast with a *LockError when another process holds it.
func Acquire(stateDir string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	slog.Debug("Lock.Acquire: attempting", "lock_path", lockPath)

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}
	// No O_TRUNC: the current holder's details must survive a failed attempt.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		owner := readOwner(file)
		file.Close()
		slog.Error("Lock.Acquire: another ShopPipe instance holds the state directory", "lock_path", lockPath, "owner", owner.String())
		return nil, &LockError{LockPath: lockPath, Owner: owner, Cause: err}
	}

	if err := writeOwner(file); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("Lock.Acquire: state directory locked", "lock_path", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release drops the lock and removes the file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	var errs []error
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("remove lock file: %w", err))
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		errs = append(errs, fmt.Errorf("unlock: %w", err))
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close lock file: %w", err))
	}
	l.file = nil
	slog.Info("Lock.Release: state directory unlocked", "lock_path", l.path)
	return errors.Join(errs...)
}

// LockError reports a lock held by another process.
type LockError struct {
	LockPath string
	Owner    Owner
	Cause    error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another ShopPipe instance is already using this state directory (lock file %s, held by %s)", e.LockPath, e.Owner)
	if e.Owner.PID != 0 && !e.Owner.Running {
		fmt.Fprintf(&b, "; the recorded process is gone, so the lock may be held by a process sharing the file. Remove %s only if no ShopPipe process is running", e.LockPath)
	}
	return b.String()
}

func (e *LockError) Unwrap() []error { return []error{ErrLocked, e.Cause} }

func writeOwner(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	record := fmt.Sprintf("pid=%d\nstarted=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteString(record); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		slog.Warn("Lock.Acquire: failed to sync lock file", "error", err)
	}
	return nil
}

// readOwner parses the key=value record written by writeOwner.
func readOwner(f *os.File) Owner {
	var o Owner
	if _, err := f.Seek(0, 0); err != nil {
		return o
	}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			o.PID, _ = strconv.Atoi(value)
		case "started":
			o.StartedAt, _ = time.Parse(time.RFC3339, value)
		}
	}
	if o.PID > 0 {
		o.Running = processRunning(o.PID)
	}
	return o
}

// processRunning sends signal 0, which checks existence without delivering anything.
func processRunning(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
