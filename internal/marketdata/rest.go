package marketdata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"grid-engine/internal/core"
)

const defaultHTTPTimeout = 15 * time.Second

// restClient is the shared GET path for the CEX providers: one http.Client and
// an optional token bucket per provider.
type restClient struct {
	name       string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func newRESTClient(name, defaultBase string, opts Options) *restClient {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = defaultBase
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultHTTPTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSec > 0 {
		burst := int(opts.RequestsPerSec)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSec), burst)
	}
	return &restClient{name: name, baseURL: base, httpClient: client, limiter: limiter}
}

func (c *restClient) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	urlStr := c.baseURL + path
	if encoded := params.Encode(); encoded != "" {
		urlStr += "?" + encoded
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, parseAPIError(c.name, resp.StatusCode, body)
	}
	return body, nil
}

// APIError is a venue error that carried a code and message.
type APIError struct {
	Venue  string
	Status int
	Code   string
	Msg    string
}

func (e APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s api error %s (http %d): %s", e.Venue, e.Code, e.Status, e.Msg)
	}
	return fmt.Sprintf("%s api error %s: %s", e.Venue, e.Code, e.Msg)
}

func parseAPIError(venue string, status int, body []byte) error {
	var raw map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err == nil {
		msg, _ := raw["msg"].(string)
		if msg == "" {
			msg, _ = raw["message"].(string)
		}
		if msg != "" {
			return APIError{Venue: venue, Status: status, Code: fmt.Sprint(raw["code"]), Msg: msg}
		}
	}
	return fmt.Errorf("%s http error %d: %s", venue, status, truncate(strings.TrimSpace(string(body)), 256))
}

// getJSON decodes with UseNumber so prices and timestamps never pass through float64.
func (c *restClient) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	body, err := c.get(ctx, path, params)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%s decode: %w", c.name, err)
	}
	return nil
}

func toDecimal(v interface{}) (decimal.Decimal, error) {
	switch t := v.(type) {
	case string:
		return decimal.NewFromString(strings.TrimSpace(t))
	case json.Number:
		return decimal.NewFromString(t.String())
	case nil:
		return decimal.Zero, fmt.Errorf("missing value")
	}
	return decimal.Zero, fmt.Errorf("unexpected value type %T", v)
}

func toInt64(v interface{}) (int64, error) {
	switch t := v.(type) {
	case string:
		return strconv.ParseInt(strings.TrimSpace(t), 10, 64)
	case json.Number:
		return t.Int64()
	}
	return 0, fmt.Errorf("unexpected value type %T", v)
}

// parseRow reads a positional candle row. cols gives the index of
// time, open, high, low, close and volume; a negative volume index means none.
func parseRow(row []interface{}, cols [6]int, unit time.Duration) (core.Candle, error) {
	need := 0
	for _, c := range cols {
		if c > need {
			need = c
		}
	}
	if len(row) <= need {
		return core.Candle{}, fmt.Errorf("candle row has %d columns, want > %d", len(row), need)
	}
	ts, err := toInt64(row[cols[0]])
	if err != nil {
		return core.Candle{}, fmt.Errorf("candle time: %w", err)
	}
	out := core.Candle{OpenTime: time.Unix(0, ts*int64(unit)).UTC()}
	fields := []*decimal.Decimal{&out.Open, &out.High, &out.Low, &out.Close}
	for i, dst := range fields {
		d, err := toDecimal(row[cols[i+1]])
		if err != nil {
			return core.Candle{}, fmt.Errorf("candle column %d: %w", cols[i+1], err)
		}
		*dst = d
	}
	if cols[5] >= 0 {
		d, err := toDecimal(row[cols[5]])
		if err != nil {
			return core.Candle{}, fmt.Errorf("candle volume: %w", err)
		}
		out.Volume = d
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
