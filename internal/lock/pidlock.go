// Package lock serializes the bbq actions that run the build queue and
// rewrite the menu. The lock file names the action holding it so a second
// `bbq bootstrap` or `bbq build run` can say what it is waiting on.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrHeld is returned when another process holds the lock.
var ErrHeld = errors.New("lock is held by another process")

// Owner is the record a holder writes into the lock file.
type Owner struct {
	PID    int
	Action string
	Since  time.Time
}

func (o Owner) String() string {
	s := fmt.Sprintf("%s (pid %d", o.Action, o.PID)
	if !o.Since.IsZero() {
		s += ", since " + o.Since.Format(time.RFC3339)
	}
	return s + ")"
}

// PIDLock is an flock(2) lock on a file holding the owner record. The lock
// lasts as long as the descriptor is open, so a crashed holder never leaves
// it stuck.
type PIDLock struct {
	path  string
	owner Owner
	f     *os.File
}

// Acquire takes the lock at path for action without blocking.
func Acquire(path, action string) (*PIDLock, error) {
	if path == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	action = strings.Join(strings.Fields(action), "-")
	if action == "" {
		action = "unknown"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if !errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("acquire lock: %w", err)
		}
		if owner, ok := Holder(path); ok {
			return nil, fmt.Errorf("%w: %s is running: %s", ErrHeld, owner, path)
		}
		return nil, fmt.Errorf("%w: %s", ErrHeld, path)
	}

	l := &PIDLock{
		path:  path,
		owner: Owner{PID: os.Getpid(), Action: action, Since: time.Now().UTC().Truncate(time.Second)},
		f:     f,
	}
	if err := l.writeOwner(); err != nil {
		_ = l.Release()
		return nil, err
	}
	return l, nil
}

// writeOwner stores "<pid> <action> <rfc3339>".
func (l *PIDLock) writeOwner() error {
	record := fmt.Sprintf("%d %s %s\n", l.owner.PID, l.owner.Action, l.owner.Since.Format(time.RFC3339))
	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := l.f.WriteAt([]byte(record), 0); err != nil {
		return fmt.Errorf("write lock owner: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

// Holder reads the owner record at path. A bare pid, as older files hold,
// yields an Owner with only PID set.
func Holder(path string) (Owner, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Owner{}, false
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return Owner{}, false
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil || pid <= 0 {
		return Owner{}, false
	}
	owner := Owner{PID: pid, Action: "unknown"}
	if len(fields) > 1 {
		owner.Action = fields[1]
	}
	if len(fields) > 2 {
		owner.Since, _ = time.Parse(time.RFC3339, fields[2])
	}
	return owner, true
}

func (l *PIDLock) Path() string { return l.path }

// Owner is the record this lock wrote.
func (l *PIDLock) Owner() Owner { return l.owner }

// Release unlocks and closes the file. The file is left behind; the next
// holder overwrites it.
func (l *PIDLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
