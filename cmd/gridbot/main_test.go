package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"grid-engine/internal/core"
	"grid-engine/internal/grid"
	"grid-engine/internal/store"
)

func writeFile(t *testing.T, path, body string) string {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func backtestConfig(t *testing.T, dir string) (string, string) {
	t.Helper()
	data := writeFile(t, filepath.Join(dir, "ticks.jsonl"), strings.Join([]string{
		`{"time":"2024-11-01T00:00:00Z","price":"97"}`,
		`{"time":"2024-11-01T01:00:00Z","price":"101"}`,
		`{"time":"2024-11-01T02:00:00Z","price":"94"}`,
		`{"time":"2024-11-01T03:00:00Z","price":"96"}`,
	}, "\n"))
	cfg := writeFile(t, filepath.Join(dir, "config.yaml"), `
mode: backtest
symbol: BTCUSDT
instance_id: bt1
grid:
  lower_price: "90"
  upper_price: "110"
  grid_number: 4
  total_invest: "1000"
backtest:
  data_path: `+data+`
  initial_base: "10"
  initial_quote: "1000"
state:
  dir: `+filepath.Join(dir, "state")+`
  backend: pebble
observability:
  log_level: error
`)
	env := writeFile(t, filepath.Join(dir, ".env"), "")
	return cfg, env
}

func TestLadderCommandPrintsLevels(t *testing.T) {
	cfg, env := backtestConfig(t, t.TempDir())
	out, err := execute(t, "ladder", "--config", cfg, "--env", env)
	if err != nil {
		t.Fatalf("ladder error = %v", err)
	}
	if !strings.Contains(out, "BTCUSDT step=5 levels=5") {
		t.Fatalf("ladder header missing:\n%s", out)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 7 || !strings.HasPrefix(lines[2], "4") || !strings.HasSuffix(lines[2], "-") {
		t.Fatalf("ladder rows:\n%s", out)
	}
	if !strings.Contains(out, "2.5") {
		t.Fatalf("amount for level 100 missing:\n%s", out)
	}
}

func TestRunBacktestCommand(t *testing.T) {
	dir := t.TempDir()
	cfg, env := backtestConfig(t, dir)
	out, err := execute(t, "run", "--config", cfg, "--env", env)
	if err != nil {
		t.Fatalf("run error = %v", err)
	}
	for _, want := range []string{"instance=bt1", "ticks=4", "fills=2", "seeded=true", "position=0", "net_quote_flow=13.15789475"} {
		if !strings.Contains(out, want) {
			t.Fatalf("summary missing %q:\n%s", want, out)
		}
	}
	stateDir := filepath.Join(dir, "state", "backtest", "BTCUSDT", "bt1")
	for _, name := range []string{"snapshot.json", "runtime_status.json", "events.db"} {
		if _, err := os.Stat(filepath.Join(stateDir, name)); err != nil {
			t.Fatalf("state file %s: %v", name, err)
		}
	}
}

func TestRunTwiceKeepsOneJournal(t *testing.T) {
	dir := t.TempDir()
	cfg, env := backtestConfig(t, dir)
	for i := 0; i < 2; i++ {
		if _, err := execute(t, "run", "--config", cfg, "--env", env); err != nil {
			t.Fatalf("run %d error = %v", i+1, err)
		}
	}
	stateDir := filepath.Join(dir, "state", "backtest", "BTCUSDT", "bt1")
	journal, err := store.OpenJournal(store.BackendPebble, stateDir, nil)
	if err != nil {
		t.Fatalf("OpenJournal() error = %v", err)
	}
	defer journal.Close()
	evs, err := journal.Events(0)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	runs := 0
	for i, ev := range evs {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("event %d seq = %d, want contiguous", i, ev.Seq)
		}
		if ev.Kind == core.EventRunStarted {
			runs++
		}
	}
	if runs != 2 || len(evs)%2 != 0 {
		t.Fatalf("run_started = %d over %d events, want 2 equal runs", runs, len(evs))
	}
}

func TestRunRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, filepath.Join(dir, "config.yaml"), "symbol: BTCUSDT\ngrid:\n  lower_price: 110\n  upper_price: 90\n  grid_number: 4\n  total_invest: 1000\nbacktest:\n  data_path: x\n")
	env := writeFile(t, filepath.Join(dir, ".env"), "")
	if _, err := execute(t, "run", "--config", cfg, "--env", env); err == nil {
		t.Fatalf("run with inverted bounds error = nil")
	}
}

func TestPriceCommandFallsBackAcrossProviders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v3/ticker/price" {
			_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","price":"97000.50"}`))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"code":"50001","msg":"down"}`))
	}))
	defer srv.Close()

	out, err := execute(t, "price", "--provider", "bitget,binance", "--symbol", "btc-usdt", "--base-url", srv.URL)
	if err != nil {
		t.Fatalf("price error = %v", err)
	}
	if !strings.HasPrefix(out, "BTC-USDT 97000.5 bitget,binance") {
		t.Fatalf("price output = %q", out)
	}
}

func TestPriceCommandUnknownProvider(t *testing.T) {
	if _, err := execute(t, "price", "--provider", "kraken"); err == nil {
		t.Fatalf("price --provider kraken error = nil")
	}
}

func TestPrintLadderMarksTopLevel(t *testing.T) {
	cfg, err := grid.NewConfig("ETHUSDT", decimal.NewFromInt(1000), decimal.NewFromInt(1200), 2, decimal.NewFromInt(400), 2, 4)
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}
	ladder, err := grid.Build(cfg)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	var out bytes.Buffer
	if err := printLadder(&out, cfg.Symbol, ladder); err != nil {
		t.Fatalf("printLadder() error = %v", err)
	}
	if !strings.Contains(out.String(), "ETHUSDT step=100 levels=3") || !strings.Contains(out.String(), "0.2") {
		t.Fatalf("printLadder() output:\n%s", out.String())
	}
}
