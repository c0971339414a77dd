package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"grid-engine/internal/core"
	"grid-engine/internal/grid"
)

type Mode string

type StateBackend string

const (
	ModeBacktest Mode = "backtest"
	ModePaper    Mode = "paper"
)

const (
	BackendFile   StateBackend = "file"
	BackendPebble StateBackend = "pebble"
)

type Config struct {
	Mode           Mode                 `yaml:"mode"`
	Symbol         string               `yaml:"symbol"`
	InstanceID     string               `yaml:"instance_id"`
	Grid           GridConfig           `yaml:"grid"`
	MarketData     MarketDataConfig     `yaml:"market_data"`
	Backtest       BacktestConfig       `yaml:"backtest"`
	State          StateConfig          `yaml:"state"`
	API            APIConfig            `yaml:"api"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Observability  ObservabilityConfig  `yaml:"observability"`
}

type GridConfig struct {
	LowerPrice     Decimal `yaml:"lower_price"`
	UpperPrice     Decimal `yaml:"upper_price"`
	GridNumber     int     `yaml:"grid_number"`
	TotalInvest    Decimal `yaml:"total_invest"`
	PricePrecision *int32  `yaml:"price_precision"`
	SizePrecision  *int32  `yaml:"size_precision"`
}

type MarketDataConfig struct {
	Provider        string  `yaml:"provider"`
	BaseURL         string  `yaml:"base_url"`
	StreamURL       string  `yaml:"stream_url"`
	TimeoutSec      int64   `yaml:"timeout_sec"`
	RequestsPerSec  float64 `yaml:"requests_per_sec"`
	PollIntervalSec int64   `yaml:"poll_interval_sec"`
	RPCURL          string  `yaml:"rpc_url"`
	PoolAddress     string  `yaml:"pool_address"`
	InvertPrice     bool    `yaml:"invert_price"`
}

type BacktestConfig struct {
	DataPath     string  `yaml:"data_path"`
	InitialBase  Decimal `yaml:"initial_base"`
	InitialQuote Decimal `yaml:"initial_quote"`
	MakerFeeRate Decimal `yaml:"maker_fee_rate"`
	// Start and End bound the replay (RFC3339 or YYYY-MM-DD, UTC). End is exclusive.
	Start      string `yaml:"start"`
	End        string `yaml:"end"`
	CandlePath string `yaml:"candle_path"`
	// Rules are the order filters the paper venue enforces.
	Rules BacktestRules `yaml:"rules"`
}

type BacktestRules struct {
	MinQty      Decimal `yaml:"min_qty"`
	MinNotional Decimal `yaml:"min_notional"`
	PriceTick   Decimal `yaml:"price_tick"`
	QtyStep     Decimal `yaml:"qty_step"`
}

func (r BacktestRules) Core() core.Rules {
	return core.Rules{
		MinQty:      r.MinQty.Decimal,
		MinNotional: r.MinNotional.Decimal,
		PriceTick:   r.PriceTick.Decimal,
		QtyStep:     r.QtyStep.Decimal,
	}
}

// Window parses the replay bounds. Unset bounds come back as zero times.
func (b BacktestConfig) Window() (time.Time, time.Time, error) {
	start, err := parseBound(b.Start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("backtest.start %v", err)
	}
	end, err := parseBound(b.End)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("backtest.end %v", err)
	}
	if !start.IsZero() && !end.IsZero() && !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("backtest.end must be after backtest.start")
	}
	return start, end, nil
}

func parseBound(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("must be RFC3339 or YYYY-MM-DD, got %q", raw)
}

type StateConfig struct {
	Dir     string       `yaml:"dir"`
	Backend StateBackend `yaml:"backend"`
}

type APIConfig struct {
	Listen         string   `yaml:"listen"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type CircuitBreakerConfig struct {
	Enabled              bool  `yaml:"enabled"`
	MaxPlaceFailures     int   `yaml:"max_place_failures"`
	MaxCancelFailures    int   `yaml:"max_cancel_failures"`
	MaxReconnectFailures int   `yaml:"max_reconnect_failures"`
	CooldownSec          int64 `yaml:"cooldown_sec"`
	ProbePasses          int   `yaml:"probe_passes"`
}

type ObservabilityConfig struct {
	LogLevel       string         `yaml:"log_level"`
	LogFile        string         `yaml:"log_file"`
	AlertQueueSize int            `yaml:"alert_queue_size"`
	Telegram       TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

const (
	defaultPricePrecision int32 = 8
	defaultSizePrecision  int32 = 8
)

// Load reads a single-document YAML config. A .env file next to the working
// directory (or envPath when set) is loaded first so ${VAR} references resolve.
func Load(path string, envPath string) (Config, error) {
	if err := loadDotEnv(envPath); err != nil {
		return Config{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadDotEnv(envPath string) error {
	if envPath != "" {
		return godotenv.Load(envPath)
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (c *Config) normalize() {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	c.MarketData.Provider = strings.ToLower(strings.TrimSpace(c.MarketData.Provider))
	c.MarketData.BaseURL = strings.TrimRight(strings.TrimSpace(c.MarketData.BaseURL), "/")
	c.MarketData.StreamURL = strings.TrimRight(strings.TrimSpace(c.MarketData.StreamURL), "/")
	c.MarketData.RPCURL = strings.TrimSpace(c.MarketData.RPCURL)
	c.MarketData.PoolAddress = strings.TrimSpace(c.MarketData.PoolAddress)
	c.Backtest.DataPath = strings.TrimSpace(c.Backtest.DataPath)
	c.Backtest.Start = strings.TrimSpace(c.Backtest.Start)
	c.Backtest.End = strings.TrimSpace(c.Backtest.End)
	c.Backtest.CandlePath = strings.ToLower(strings.TrimSpace(c.Backtest.CandlePath))
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.State.Backend = StateBackend(strings.ToLower(strings.TrimSpace(string(c.State.Backend))))
	c.API.Listen = strings.TrimSpace(c.API.Listen)
	c.Observability.LogLevel = strings.ToLower(strings.TrimSpace(c.Observability.LogLevel))
	c.Observability.LogFile = strings.TrimSpace(c.Observability.LogFile)
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeBacktest
	}
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if c.Grid.PricePrecision == nil {
		p := defaultPricePrecision
		c.Grid.PricePrecision = &p
	}
	if c.Grid.SizePrecision == nil {
		p := defaultSizePrecision
		c.Grid.SizePrecision = &p
	}
	if c.MarketData.Provider == "" {
		c.MarketData.Provider = "binance"
	}
	if c.MarketData.TimeoutSec == 0 {
		c.MarketData.TimeoutSec = 15
	}
	if c.MarketData.RequestsPerSec == 0 {
		c.MarketData.RequestsPerSec = 5
	}
	if c.MarketData.PollIntervalSec == 0 {
		c.MarketData.PollIntervalSec = 5
	}
	if c.Backtest.CandlePath == "" {
		c.Backtest.CandlePath = "close"
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.State.Backend == "" {
		c.State.Backend = BackendFile
	}
	if c.CircuitBreaker.MaxPlaceFailures == 0 {
		c.CircuitBreaker.MaxPlaceFailures = 5
	}
	if c.CircuitBreaker.MaxCancelFailures == 0 {
		c.CircuitBreaker.MaxCancelFailures = 5
	}
	if c.CircuitBreaker.MaxReconnectFailures == 0 {
		c.CircuitBreaker.MaxReconnectFailures = 10
	}
	if c.CircuitBreaker.CooldownSec == 0 {
		c.CircuitBreaker.CooldownSec = 30
	}
	if c.CircuitBreaker.ProbePasses == 0 {
		c.CircuitBreaker.ProbePasses = 1
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
	if c.Observability.AlertQueueSize == 0 {
		c.Observability.AlertQueueSize = 128
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeBacktest, ModePaper:
	default:
		return fmt.Errorf("mode must be backtest or paper")
	}
	if c.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !isValidSymbol(c.Symbol) {
		return fmt.Errorf("symbol must match [A-Z0-9_-], length 2..30")
	}
	if !isValidInstanceID(c.InstanceID) {
		return fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24")
	}
	if _, err := c.GridConfig(); err != nil {
		return err
	}
	if c.MarketData.TimeoutSec < 1 || c.MarketData.TimeoutSec > 120 {
		return fmt.Errorf("market_data.timeout_sec must be between 1 and 120")
	}
	if c.MarketData.RequestsPerSec < 0 {
		return fmt.Errorf("market_data.requests_per_sec must be >= 0")
	}
	if c.MarketData.PollIntervalSec < 1 || c.MarketData.PollIntervalSec > 3600 {
		return fmt.Errorf("market_data.poll_interval_sec must be between 1 and 3600")
	}
	if c.MarketData.BaseURL != "" {
		if err := validateURL(c.MarketData.BaseURL, "http", "https"); err != nil {
			return fmt.Errorf("market_data.base_url %v", err)
		}
	}
	if c.MarketData.StreamURL != "" {
		if err := validateURL(c.MarketData.StreamURL, "ws", "wss"); err != nil {
			return fmt.Errorf("market_data.stream_url %v", err)
		}
	}
	if c.MarketData.Provider == "uniswapv2" || c.MarketData.Provider == "uniswapv3" {
		if c.MarketData.RPCURL == "" || c.MarketData.PoolAddress == "" {
			return fmt.Errorf("market_data.rpc_url and market_data.pool_address are required for %s", c.MarketData.Provider)
		}
	}
	if c.Backtest.Rules.MinQty.Sign() < 0 {
		return fmt.Errorf("backtest rules.min_qty must be >= 0")
	}
	if c.Backtest.Rules.MinNotional.Sign() < 0 {
		return fmt.Errorf("backtest rules.min_notional must be >= 0")
	}
	if c.Backtest.Rules.PriceTick.Sign() < 0 {
		return fmt.Errorf("backtest rules.price_tick must be >= 0")
	}
	if c.Backtest.Rules.QtyStep.Sign() < 0 {
		return fmt.Errorf("backtest rules.qty_step must be >= 0")
	}
	if c.Mode == ModeBacktest && c.Backtest.DataPath == "" {
		return fmt.Errorf("backtest data_path is required")
	}
	if c.Backtest.InitialBase.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("backtest initial_base must be >= 0")
	}
	if c.Backtest.InitialQuote.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("backtest initial_quote must be >= 0")
	}
	if c.Backtest.MakerFeeRate.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("backtest maker_fee_rate must be >= 0")
	}
	if _, _, err := c.Backtest.Window(); err != nil {
		return err
	}
	switch c.Backtest.CandlePath {
	case "close", "ohlc":
	default:
		return fmt.Errorf("backtest.candle_path must be close or ohlc")
	}
	switch c.State.Backend {
	case BackendFile, BackendPebble:
	default:
		return fmt.Errorf("state.backend must be file or pebble")
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxPlaceFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_place_failures must be >= 1")
		}
		if c.CircuitBreaker.MaxCancelFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_cancel_failures must be >= 1")
		}
		if c.CircuitBreaker.MaxReconnectFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_reconnect_failures must be >= 1")
		}
		if c.CircuitBreaker.CooldownSec < 1 || c.CircuitBreaker.CooldownSec > 3600 {
			return fmt.Errorf("circuit_breaker.cooldown_sec must be between 1 and 3600")
		}
		if c.CircuitBreaker.ProbePasses < 1 || c.CircuitBreaker.ProbePasses > 10 {
			return fmt.Errorf("circuit_breaker.probe_passes must be between 1 and 10")
		}
	}
	switch c.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("observability.log_level must be debug, info, warn, or error")
	}
	if c.Observability.AlertQueueSize < 1 || c.Observability.AlertQueueSize > 65536 {
		return fmt.Errorf("observability.alert_queue_size must be between 1 and 65536")
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if c.Observability.Telegram.TimeoutSec < 1 || c.Observability.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(c.Observability.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
	}
	return nil
}

// GridConfig converts the grid section into the engine's validated config.
func (c Config) GridConfig() (grid.Config, error) {
	var pricePrec, sizePrec int32 = defaultPricePrecision, defaultSizePrecision
	if c.Grid.PricePrecision != nil {
		pricePrec = *c.Grid.PricePrecision
	}
	if c.Grid.SizePrecision != nil {
		sizePrec = *c.Grid.SizePrecision
	}
	return grid.NewConfig(
		c.Symbol,
		c.Grid.LowerPrice.Decimal,
		c.Grid.UpperPrice.Decimal,
		c.Grid.GridNumber,
		c.Grid.TotalInvest.Decimal,
		pricePrec,
		sizePrec,
	)
}

func isValidInstanceID(v string) bool {
	if len(v) < 1 || len(v) > 24 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func isValidSymbol(v string) bool {
	if len(v) < 2 || len(v) > 30 {
		return false
	}
	for _, r := range v {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
