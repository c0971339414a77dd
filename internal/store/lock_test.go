package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeLock(t *testing.T, path string, owner lockOwner) {
	t.Helper()
	data, err := json.Marshal(owner)
	if err != nil {
		t.Fatalf("marshal lock owner: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write lock: %v", err)
	}
}

func TestAcquireLockExclusive(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir, "bot1", LockOptions{})
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	defer lock.Release()

	if _, err := AcquireLock(dir, "bot1", LockOptions{}); !errors.Is(err, ErrLocked) {
		t.Fatalf("second AcquireLock() error = %v, want ErrLocked", err)
	}
	other, err := AcquireLock(dir, "bot2", LockOptions{})
	if err != nil {
		t.Fatalf("AcquireLock(other instance) error = %v", err)
	}
	defer other.Release()
}

func TestReleaseRemovesLockFile(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir, "", LockOptions{})
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	path := lock.Path()
	if filepath.Base(path) != "default.lock" {
		t.Fatalf("Path() = %s, want default.lock", path)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("lock file still present: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second Release() error = %v", err)
	}
}

func TestAcquireLockTakesOverDeadPID(t *testing.T) {
	dir := t.TempDir()
	writeLock(t, filepath.Join(dir, "bot1.lock"), lockOwner{PID: 999999, InstanceID: "bot1", StartedAt: time.Now().UTC()})

	lock, err := AcquireLock(dir, "bot1", LockOptions{Takeover: true, StaleAfter: 10 * time.Minute})
	if err != nil {
		t.Fatalf("AcquireLock() error = %v, want takeover", err)
	}
	defer lock.Release()
}

func TestAcquireLockKeepsRunningPID(t *testing.T) {
	dir := t.TempDir()
	writeLock(t, filepath.Join(dir, "bot1.lock"), lockOwner{PID: os.Getpid(), InstanceID: "bot1", StartedAt: time.Now().UTC().Add(-time.Hour)})

	_, err := AcquireLock(dir, "bot1", LockOptions{Takeover: true, StaleAfter: time.Second})
	if !errors.Is(err, ErrLocked) || !strings.Contains(err.Error(), "owner_process_running") {
		t.Fatalf("AcquireLock() error = %v, want owner_process_running", err)
	}
}

func TestAcquireLockTakesOverByAgeWithoutPID(t *testing.T) {
	dir := t.TempDir()
	started := time.Now().UTC().Add(-2 * time.Minute)
	writeLock(t, filepath.Join(dir, "bot1.lock"), lockOwner{InstanceID: "bot1", StartedAt: started})

	lock, err := AcquireLock(dir, "bot1", LockOptions{
		Takeover:   true,
		StaleAfter: time.Minute,
		Now:        func() time.Time { return started.Add(2 * time.Minute) },
	})
	if err != nil {
		t.Fatalf("AcquireLock() error = %v, want takeover", err)
	}
	defer lock.Release()
}

func TestAcquireLockKeepsRecentLockWithoutPID(t *testing.T) {
	dir := t.TempDir()
	started := time.Now().UTC()
	writeLock(t, filepath.Join(dir, "bot1.lock"), lockOwner{InstanceID: "bot1", StartedAt: started})

	_, err := AcquireLock(dir, "bot1", LockOptions{
		Takeover:   true,
		StaleAfter: 10 * time.Minute,
		Now:        func() time.Time { return started.Add(30 * time.Second) },
	})
	if err == nil || !strings.Contains(err.Error(), "lock_not_stale") {
		t.Fatalf("AcquireLock() error = %v, want lock_not_stale", err)
	}
}
