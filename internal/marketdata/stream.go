package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"grid-engine/internal/core"
)

const binanceStreamURL = "wss://stream.binance.com:9443"

type tradeEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	TradeID   int64  `json:"t"`
	Price     string `json:"p"`
	Qty       string `json:"q"`
	TradeTime int64  `json:"T"`
}

// TradeStream turns the Binance <symbol>@trade stream into ticks.
type TradeStream struct {
	conn  *websocket.Conn
	ticks chan core.Tick
	errCh chan error
	stop  chan struct{}
	once  sync.Once
}

// DialTradeStream subscribes to symbol's public trades. keepalive > 0 sends
// pings at that interval and widens the read deadline to match.
func DialTradeStream(ctx context.Context, baseURL, symbol string, keepalive time.Duration) (*TradeStream, error) {
	sym, err := BinanceSymbol(symbol)
	if err != nil {
		return nil, err
	}
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = binanceStreamURL
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, base+"/ws/"+strings.ToLower(sym)+"@trade", nil)
	if err != nil {
		return nil, err
	}
	s := &TradeStream{
		conn:  conn,
		ticks: make(chan core.Tick, 64),
		errCh: make(chan error, 1),
		stop:  make(chan struct{}),
	}
	readTimeout := 45 * time.Second
	if keepalive > 0 && keepalive*3 > readTimeout {
		readTimeout = keepalive * 3
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	go s.readLoop(sym, readTimeout)
	if keepalive > 0 {
		go s.pingLoop(keepalive)
	}
	return s, nil
}

func (s *TradeStream) readLoop(symbol string, readTimeout time.Duration) {
	defer close(s.ticks)
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.reportErr(err)
			return
		}
		var msg tradeEvent
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.EventType != "trade" || msg.Symbol != symbol {
			continue
		}
		price, err := decimal.NewFromString(msg.Price)
		if err != nil || price.Sign() <= 0 {
			continue
		}
		ts := msg.TradeTime
		if ts == 0 {
			ts = msg.EventTime
		}
		select {
		case s.ticks <- core.Tick{Time: time.UnixMilli(ts).UTC(), Price: price}:
		case <-s.stop:
			return
		}
	}
}

func (s *TradeStream) pingLoop(keepalive time.Duration) {
	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				s.reportErr(err)
				_ = s.conn.Close()
				return
			}
		case <-s.stop:
			return
		}
	}
}

func (s *TradeStream) reportErr(err error) {
	select {
	case <-s.stop:
		return
	default:
	}
	select {
	case s.errCh <- err:
	default:
	}
}

// Next blocks for the next trade. A closed stream yields io.EOF.
func (s *TradeStream) Next(ctx context.Context) (core.Tick, error) {
	select {
	case tick, ok := <-s.ticks:
		if ok {
			return tick, nil
		}
		select {
		case err := <-s.errCh:
			return core.Tick{}, err
		default:
			return core.Tick{}, io.EOF
		}
	case <-ctx.Done():
		return core.Tick{}, ctx.Err()
	}
}

func (s *TradeStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = s.conn.Close()
		if errors.Is(err, websocket.ErrCloseSent) {
			err = nil
		}
	})
	return err
}
