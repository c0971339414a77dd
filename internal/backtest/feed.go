package backtest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"grid-engine/internal/core"
)

// Feed yields price observations in order. io.EOF ends the stream.
type Feed interface {
	Next(ctx context.Context) (core.Tick, error)
	Close() error
}

// CandlePath controls how a candle line becomes ticks.
type CandlePath string

const (
	// CandleClose replays one tick at the close.
	CandleClose CandlePath = "close"
	// CandleOHLC replays open, then the extreme nearer the open, then the
	// other extreme, then close. Grid levels crossed inside the bar fill.
	CandleOHLC CandlePath = "ohlc"
)

type FeedOption func(*JSONLFeed)

// WithWindow drops records before start or at/after end. Zero bounds are open.
func WithWindow(start, end time.Time) FeedOption {
	return func(f *JSONLFeed) {
		f.start = start
		f.end = end
	}
}

func WithCandlePath(path CandlePath) FeedOption {
	return func(f *JSONLFeed) {
		if path != "" {
			f.candlePath = path
		}
	}
}

// JSONLFeed replays tick or candle records from one .jsonl file, or from all
// .jsonl files of a directory sorted by name. Unusable lines are counted and
// skipped.
type JSONLFeed struct {
	files      []string
	next       int
	file       *os.File
	lines      *bufio.Scanner
	queue      []core.Tick
	skipped    int
	start      time.Time
	end        time.Time
	candlePath CandlePath
}

func NewJSONLFeed(path string, opts ...FeedOption) (*JSONLFeed, error) {
	files, err := listJSONL(path)
	if err != nil {
		return nil, err
	}
	f := &JSONLFeed{files: files, candlePath: CandleClose}
	for _, opt := range opts {
		opt(f)
	}
	switch f.candlePath {
	case CandleClose, CandleOHLC:
	default:
		return nil, fmt.Errorf("unknown candle path %q", f.candlePath)
	}
	if err := f.advance(); err != nil {
		return nil, err
	}
	return f, nil
}

// Skipped reports how many non-empty lines were unusable so far.
func (f *JSONLFeed) Skipped() int { return f.skipped }

func (f *JSONLFeed) Next(ctx context.Context) (core.Tick, error) {
	for {
		if err := ctx.Err(); err != nil {
			return core.Tick{}, err
		}
		if len(f.queue) > 0 {
			t := f.queue[0]
			f.queue = f.queue[1:]
			return t, nil
		}
		line, err := f.readLine()
		if err != nil {
			return core.Tick{}, err
		}
		if line == "" {
			continue
		}
		rec, ok := parseRecord(line)
		if !ok {
			f.skipped++
			continue
		}
		if !f.start.IsZero() && rec.at.Before(f.start) {
			continue
		}
		if !f.end.IsZero() && !rec.at.Before(f.end) {
			// Files are time ordered; nothing later can fall inside the window.
			f.next = len(f.files)
			_ = f.Close()
			return core.Tick{}, io.EOF
		}
		f.queue = rec.ticks(f.candlePath)
	}
}

func (f *JSONLFeed) Close() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	f.lines = nil
	return err
}

// readLine returns the next trimmed line across files, or io.EOF after the last one.
func (f *JSONLFeed) readLine() (string, error) {
	for {
		if f.lines == nil {
			if err := f.advance(); err != nil {
				return "", err
			}
		}
		if f.lines.Scan() {
			return strings.TrimSpace(f.lines.Text()), nil
		}
		if err := f.lines.Err(); err != nil {
			return "", fmt.Errorf("read %s: %w", f.file.Name(), err)
		}
		_ = f.Close()
	}
}

func (f *JSONLFeed) advance() error {
	if f.next >= len(f.files) {
		return io.EOF
	}
	file, err := os.Open(f.files[f.next])
	if err != nil {
		return err
	}
	f.next++
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1<<20), 10<<20)
	f.file = file
	f.lines = scanner
	return nil
}

func listJSONL(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".jsonl") {
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .jsonl files in %s", path)
	}
	sort.Strings(files)
	return files, nil
}

var _ Feed = (*JSONLFeed)(nil)
