package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"grid-engine/internal/core"
)

// RuntimeStatus is the process-level view written next to the engine snapshot.
type RuntimeStatus struct {
	Mode       string        `json:"mode"`
	Symbol     string        `json:"symbol"`
	InstanceID string        `json:"instance_id"`
	PID        int           `json:"pid"`
	State      string        `json:"state"`
	StartedAt  time.Time     `json:"started_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	Ticks      int           `json:"ticks"`
	LastPrice  string        `json:"last_price,omitempty"`
	Balance    *core.Balance `json:"balance,omitempty"`
	LastError  string        `json:"last_error,omitempty"`
}

// Store keeps the engine snapshot, runtime status and fill ledger under one directory.
type Store struct {
	root   string
	logger *zap.Logger
	mu     sync.Mutex
}

func New(root string, logger *zap.Logger) (*Store, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{root: root, logger: logger.Named("store")}, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) SaveSnapshot(snap core.Snapshot) error {
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}
	if snap.Orders == nil {
		snap.Orders = make([]core.Order, 0)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSONAtomic(s.snapshotPath(), snap)
}

func (s *Store) LoadSnapshot() (core.Snapshot, bool, error) {
	data, err := os.ReadFile(s.snapshotPath())
	if err != nil {
		if os.IsNotExist(err) {
			return core.Snapshot{}, false, nil
		}
		return core.Snapshot{}, false, err
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return core.Snapshot{}, false, errors.New("snapshot is empty")
	}
	var snap core.Snapshot
	if err := json.Unmarshal(trimmed, &snap); err != nil {
		return core.Snapshot{}, false, err
	}
	if snap.Orders == nil {
		snap.Orders = make([]core.Order, 0)
	}
	return snap, true, nil
}

func (s *Store) SaveRuntimeStatus(status RuntimeStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSONAtomic(s.runtimeStatusPath(), status)
}

func (s *Store) LoadRuntimeStatus() (RuntimeStatus, bool, error) {
	data, err := os.ReadFile(s.runtimeStatusPath())
	if err != nil {
		if os.IsNotExist(err) {
			return RuntimeStatus{}, false, nil
		}
		return RuntimeStatus{}, false, err
	}
	var status RuntimeStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return RuntimeStatus{}, false, err
	}
	return status, true, nil
}

// AppendFill appends fill to fills/<utc date>.jsonl and syncs the file.
func (s *Store) AppendFill(fill core.Fill) error {
	if fill.Time.IsZero() {
		fill.Time = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, "fills")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, fill.Time.UTC().Format("2006-01-02")+".jsonl")
	data, err := json.Marshal(fill)
	if err != nil {
		return err
	}
	return appendLine(path, data)
}

func (s *Store) snapshotPath() string {
	return filepath.Join(s.root, "snapshot.json")
}

func (s *Store) runtimeStatusPath() string {
	return filepath.Join(s.root, "runtime_status.json")
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func (s *Store) writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	fsyncDirBestEffort(s.logger, dir, path)
	return nil
}

// fsyncDirBestEffort makes the rename durable where the platform allows it.
func fsyncDirBestEffort(logger *zap.Logger, dir, path string) {
	d, err := os.Open(dir)
	if err != nil {
		logger.Warn("store_dir_fsync_skipped", zap.String("dir", dir), zap.String("target", path), zap.Error(err))
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		logger.Warn("store_dir_fsync_failed", zap.String("dir", dir), zap.String("target", path), zap.Error(err))
	}
}
