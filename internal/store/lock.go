package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// ErrLocked is returned when another live process owns the instance lock.
var ErrLocked = errors.New("instance lock held")

// InstanceLock keeps two paper runs from sharing one state directory.
type InstanceLock struct {
	path string
	file *os.File
}

type LockOptions struct {
	// Takeover lets a dead or stale owner's lock be removed.
	Takeover   bool
	StaleAfter time.Duration
	Now        func() time.Time
}

type lockOwner struct {
	PID        int       `json:"pid,omitempty"`
	InstanceID string    `json:"instance_id"`
	StartedAt  time.Time `json:"started_at"`
}

// AcquireLock creates <dir>/<instanceID>.lock exclusively.
func AcquireLock(dir, instanceID string, opts LockOptions) (*InstanceLock, error) {
	if dir == "" {
		return nil, errors.New("state dir required")
	}
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		instanceID = "default"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	path := filepath.Join(dir, instanceID+".lock")

	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			owner := lockOwner{PID: os.Getpid(), InstanceID: instanceID, StartedAt: now().UTC()}
			if err := writeOwner(f, owner); err != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return nil, err
			}
			return &InstanceLock{path: path, file: f}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if !opts.Takeover {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		stale, reason, err := lockIsStale(path, now().UTC(), opts.StaleAfter)
		if err != nil {
			return nil, fmt.Errorf("%w: %s (stale check failed: %v)", ErrLocked, path, err)
		}
		if !stale {
			return nil, fmt.Errorf("%w: %s (%s)", ErrLocked, path, reason)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrLocked, path)
}

func writeOwner(f *os.File, owner lockOwner) error {
	data, err := json.Marshal(owner)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func lockIsStale(path string, now time.Time, staleAfter time.Duration) (bool, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, "lock_disappeared", nil
		}
		return false, "", err
	}
	var owner lockOwner
	if err := json.Unmarshal(data, &owner); err != nil {
		// Unreadable owner: only age can free it, and there is none.
		return false, "unreadable_lock_owner", nil
	}
	if owner.PID > 0 {
		if processAlive(owner.PID) {
			return false, "owner_process_running", nil
		}
		return true, "owner_process_not_running", nil
	}
	if owner.StartedAt.IsZero() {
		return false, "missing_lock_owner_info", nil
	}
	if staleAfter > 0 && now.Sub(owner.StartedAt) >= staleAfter {
		return true, "lock_age_exceeded", nil
	}
	return false, "lock_not_stale", nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	switch {
	case err == nil:
		return true
	case errors.Is(err, syscall.EPERM):
		return true
	default:
		return false
	}
}

func (l *InstanceLock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *InstanceLock) Release() error {
	if l == nil {
		return nil
	}
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	if l.path == "" {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	l.path = ""
	return nil
}
