package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"grid-engine/internal/core"
)

const (
	BackendFile   = "file"
	BackendPebble = "pebble"
)

// Journal is the durable copy of the engine's event log. Append ignores events
// whose Seq is not above the last stored one, so replaying a batch is harmless.
type Journal interface {
	Append(events ...core.Event) error
	Events(after uint64) ([]core.Event, error)
	LastSeq() uint64
	Close() error
}

// OpenJournal opens the journal for backend under dir.
func OpenJournal(backend, dir string, logger *zap.Logger) (Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch backend {
	case "", BackendFile:
		return OpenFileJournal(filepath.Join(dir, "events.jsonl"), logger)
	case BackendPebble:
		return OpenPebbleJournal(filepath.Join(dir, "events.db"), logger)
	default:
		return nil, fmt.Errorf("unknown journal backend %q", backend)
	}
}

// FileJournal appends one JSON event per line.
type FileJournal struct {
	path   string
	logger *zap.Logger

	mu      sync.Mutex
	lastSeq uint64
	// torn is set when the file ends mid-line, e.g. after a crash during append.
	torn bool
}

func OpenFileJournal(path string, logger *zap.Logger) (*FileJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	j := &FileJournal{path: path, logger: logger.Named("journal")}
	events, err := j.read(0)
	if err != nil {
		return nil, err
	}
	if n := len(events); n > 0 {
		j.lastSeq = events[n-1].Seq
	}
	if j.torn, err = endsMidLine(path); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *FileJournal) Append(events ...core.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var buf bytes.Buffer
	if j.torn {
		buf.WriteByte('\n')
	}
	last := j.lastSeq
	for _, ev := range events {
		if ev.Seq <= last {
			continue
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event %d: %w", ev.Seq, err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
		last = ev.Seq
	}
	if last == j.lastSeq {
		return nil
	}
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(buf.Bytes()); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	j.lastSeq = last
	j.torn = false
	return nil
}

func (j *FileJournal) Events(after uint64) ([]core.Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.read(after)
}

func (j *FileJournal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastSeq
}

func (j *FileJournal) Close() error { return nil }

// read scans the file, skipping torn or out-of-order lines.
func (j *FileJournal) read(after uint64) ([]core.Event, error) {
	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []core.Event{}, nil
		}
		return nil, err
	}
	defer f.Close()

	out := make([]core.Event, 0)
	var last uint64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev core.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			j.logger.Warn("journal_line_skipped", zap.String("path", j.path), zap.Int("line", lineNo), zap.Error(err))
			continue
		}
		if ev.Seq <= last {
			continue
		}
		last = ev.Seq
		if ev.Seq > after {
			out = append(out, ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func endsMidLine(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return false, err
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

var _ Journal = (*FileJournal)(nil)
