package backtest

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func drain(t *testing.T, f *JSONLFeed) []string {
	t.Helper()
	var prices []string
	for {
		tick, err := f.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return prices
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		prices = append(prices, tick.Price.String())
	}
}

func TestJSONLFeedReadsTicksAndCandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ticks.jsonl")
	writeFile(t, path, strings.Join([]string{
		`{"time":"2024-11-01T00:00:00Z","price":"97"}`,
		``,
		`{"open_time":1730419260000,"open":"97","high":"98","low":"96","close":"96.5","volume":"1"}`,
		`{"ts":1730419320,"p":101.25}`,
		`garbage`,
		`{"time":"2024-11-01T00:03:00Z"}`,
		`{"time":"2024-11-01T00:04:00Z","price":"0"}`,
	}, "\n"))

	f, err := NewJSONLFeed(path)
	if err != nil {
		t.Fatalf("NewJSONLFeed() error = %v", err)
	}
	defer f.Close()

	first, err := f.Next(context.Background())
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if !first.Time.Equal(time.Date(2024, 11, 1, 0, 0, 0, 0, time.UTC)) || !first.Price.Equal(decimal.NewFromInt(97)) {
		t.Fatalf("first tick = %+v", first)
	}
	second, err := f.Next(context.Background())
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if second.Time.UnixMilli() != 1730419260000 || second.Price.String() != "96.5" {
		t.Fatalf("candle tick = %+v", second)
	}
	rest := drain(t, f)
	if len(rest) != 1 || rest[0] != "101.25" {
		t.Fatalf("remaining prices = %v", rest)
	}
	if f.Skipped() != 3 {
		t.Fatalf("Skipped() = %d, want 3", f.Skipped())
	}
}

func TestJSONLFeedDirectoryInNameOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "2024-11-02.jsonl"), `{"t":1730505600,"close":"3"}`+"\n")
	writeFile(t, filepath.Join(dir, "2024-11-01.jsonl"), `{"t":1730419200,"close":"1"}`+"\n"+`{"t":1730419260,"close":"2"}`+"\n")
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	f, err := NewJSONLFeed(dir)
	if err != nil {
		t.Fatalf("NewJSONLFeed() error = %v", err)
	}
	defer f.Close()
	got := strings.Join(drain(t, f), ",")
	if got != "1,2,3" {
		t.Fatalf("prices = %s, want 1,2,3", got)
	}
}

func TestJSONLFeedEmptyDirectory(t *testing.T) {
	if _, err := NewJSONLFeed(t.TempDir()); err == nil {
		t.Fatalf("NewJSONLFeed(empty dir) error = nil")
	}
}

func TestJSONLFeedHonoursContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ticks.jsonl")
	writeFile(t, path, `{"t":1730419200,"price":"1"}`+"\n")
	f, err := NewJSONLFeed(path)
	if err != nil {
		t.Fatalf("NewJSONLFeed() error = %v", err)
	}
	defer f.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Next() error = %v, want context.Canceled", err)
	}
}

func TestEpochTimeUnits(t *testing.T) {
	want := time.Unix(1730419200, 0)
	for _, v := range []int64{1730419200, 1730419200000, 1730419200000000} {
		if got := epochTime(v); !got.Equal(want) {
			t.Fatalf("epochTime(%d) = %s, want %s", v, got, want)
		}
	}
}

func TestJSONLFeedOHLCPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "candles.jsonl")
	writeFile(t, path, strings.Join([]string{
		`{"time":"2024-11-01T00:00:00Z","open":"100","high":"104","low":"99","close":"103"}`,
		`{"time":"2024-11-01T00:01:00Z","open":"103","high":"103","low":"96","close":"97"}`,
		`{"time":"2024-11-01T00:02:00Z","price":"98"}`,
	}, "\n"))

	f, err := NewJSONLFeed(path, WithCandlePath(CandleOHLC))
	if err != nil {
		t.Fatalf("NewJSONLFeed() error = %v", err)
	}
	defer f.Close()
	got := strings.Join(drain(t, f), ",")
	// Up bar visits the low first; the down bar's high equals its open.
	if got != "100,99,104,103,103,96,97,98" {
		t.Fatalf("prices = %s", got)
	}
}

func TestJSONLFeedWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ticks.jsonl")
	writeFile(t, path, strings.Join([]string{
		`{"time":"2024-11-01T00:00:00Z","price":"1"}`,
		`{"time":"2024-11-01T01:00:00Z","price":"2"}`,
		`{"time":"2024-11-01T02:00:00Z","price":"3"}`,
		`{"time":"2024-11-01T03:00:00Z","price":"4"}`,
	}, "\n"))
	start := time.Date(2024, 11, 1, 1, 0, 0, 0, time.UTC)
	f, err := NewJSONLFeed(path, WithWindow(start, start.Add(2*time.Hour)))
	if err != nil {
		t.Fatalf("NewJSONLFeed() error = %v", err)
	}
	defer f.Close()
	if got := strings.Join(drain(t, f), ","); got != "2,3" {
		t.Fatalf("prices = %s, want 2,3", got)
	}
}

func TestJSONLFeedRejectsUnknownCandlePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ticks.jsonl")
	writeFile(t, path, `{"t":1730419200,"price":"1"}`+"\n")
	if _, err := NewJSONLFeed(path, WithCandlePath("vwap")); err == nil {
		t.Fatalf("NewJSONLFeed(vwap) error = nil")
	}
}
