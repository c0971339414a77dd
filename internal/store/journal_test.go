package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"grid-engine/internal/core"
)

func events(from, to uint64) []core.Event {
	out := make([]core.Event, 0)
	for seq := from; seq <= to; seq++ {
		out = append(out, core.Event{
			Seq:      seq,
			Kind:     core.EventOrderPlaced,
			Symbol:   "BTCUSDT",
			OrderID:  "buy_95",
			Price:    decimal.NewFromInt(95),
			Amount:   decimal.RequireFromString("0.1"),
			Position: decimal.Zero,
			Time:     time.Unix(int64(seq), 0).UTC(),
		})
	}
	return out
}

func exerciseJournal(t *testing.T, open func() (Journal, error)) {
	t.Helper()
	j, err := open()
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	if j.LastSeq() != 0 {
		t.Fatalf("LastSeq() = %d on empty journal", j.LastSeq())
	}
	if err := j.Append(events(1, 3)...); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	// Overlapping batch: 2 and 3 are already stored.
	if err := j.Append(events(2, 5)...); err != nil {
		t.Fatalf("Append(overlap) error = %v", err)
	}
	if j.LastSeq() != 5 {
		t.Fatalf("LastSeq() = %d, want 5", j.LastSeq())
	}
	got, err := j.Events(3)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(got) != 2 || got[0].Seq != 4 || got[1].Seq != 5 {
		t.Fatalf("Events(3) = %+v", got)
	}
	if !got[0].Amount.Equal(decimal.RequireFromString("0.1")) || got[0].Kind != core.EventOrderPlaced {
		t.Fatalf("Events(3)[0] = %+v", got[0])
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := open()
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	defer reopened.Close()
	if reopened.LastSeq() != 5 {
		t.Fatalf("LastSeq() after reopen = %d, want 5", reopened.LastSeq())
	}
	all, err := reopened.Events(0)
	if err != nil || len(all) != 5 {
		t.Fatalf("Events(0) = %d events, error = %v", len(all), err)
	}
}

func TestFileJournal(t *testing.T) {
	dir := t.TempDir()
	exerciseJournal(t, func() (Journal, error) { return OpenJournal(BackendFile, dir, nil) })
}

func TestPebbleJournal(t *testing.T) {
	dir := t.TempDir()
	exerciseJournal(t, func() (Journal, error) { return OpenJournal(BackendPebble, dir, nil) })
}

func TestFileJournalSkipsTornLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	body := `{"seq":1,"kind":"seeded","symbol":"BTCUSDT","price":"97","amount":"0","position":"0","time":"2024-11-01T00:00:00Z"}` + "\n" +
		`{"seq":2,"kind":"order_pla`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write journal: %v", err)
	}
	j, err := OpenFileJournal(path, nil)
	if err != nil {
		t.Fatalf("OpenFileJournal() error = %v", err)
	}
	if j.LastSeq() != 1 {
		t.Fatalf("LastSeq() = %d, want 1", j.LastSeq())
	}
	if err := j.Append(events(2, 2)...); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	got, err := j.Events(0)
	if err != nil || len(got) != 2 || got[1].Seq != 2 {
		t.Fatalf("Events(0) = %+v, error = %v", got, err)
	}
}

func TestOpenJournalUnknownBackend(t *testing.T) {
	if _, err := OpenJournal("redis", t.TempDir(), nil); err == nil {
		t.Fatalf("OpenJournal(redis) error = nil")
	}
}

func TestEventKeyOrdering(t *testing.T) {
	if seqFromKey(eventKey(258)) != 258 {
		t.Fatalf("seqFromKey(eventKey(258)) = %d", seqFromKey(eventKey(258)))
	}
	if string(eventKey(255)) >= string(eventKey(256)) {
		t.Fatalf("event keys do not sort numerically")
	}
	if string(prefixUpperBound(eventPrefix)) != "ev0" {
		t.Fatalf("prefixUpperBound() = %q", prefixUpperBound(eventPrefix))
	}
}
