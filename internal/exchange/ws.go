// ws.go implements the public Bithumb WebSocket ticker feed.
//
// The cycle pipeline is REST-driven; the feed's only job is to keep a
// fresh last-trade price per coin between cycles, for the status API and
// the stale-price check. The feed auto-reconnects with exponential
// backoff (1s → 30s max) and re-subscribes on reconnection. A read
// deadline ensures silent server failures are detected.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bithumb-trader/pkg/types"
)

const (
	wsReadTimeout    = 90 * time.Second
	wsWriteTimeout   = 10 * time.Second
	maxReconnectWait = 30 * time.Second
)

// TickerFeed maintains a WebSocket subscription to the public ticker
// channel for a fixed coin set and caches the latest price per coin.
type TickerFeed struct {
	url   string
	coins []types.Coin

	connMu sync.Mutex
	conn   *websocket.Conn

	latestMu sync.RWMutex
	latest   map[types.Coin]types.Ticker

	logger *slog.Logger
}

// NewTickerFeed creates a feed for the given coins.
func NewTickerFeed(wsURL string, coins []types.Coin, logger *slog.Logger) *TickerFeed {
	return &TickerFeed{
		url:    wsURL,
		coins:  coins,
		latest: make(map[types.Coin]types.Ticker),
		logger: logger.With("component", "ws_ticker"),
	}
}

// Latest returns the most recent ticker for a coin and whether one has
// been received at all. Callers decide staleness from the TS field.
func (f *TickerFeed) Latest(coin types.Coin) (types.Ticker, bool) {
	f.latestMu.RLock()
	defer f.latestMu.RUnlock()
	t, ok := f.latest[coin]
	return t, ok
}

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *TickerFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close gracefully closes the connection.
func (f *TickerFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *TickerFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.subscribe(conn); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "coins", len(f.coins))

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *TickerFeed) subscribe(conn *websocket.Conn) error {
	symbols := make([]string, 0, len(f.coins))
	for _, c := range f.coins {
		symbols = append(symbols, fmt.Sprintf("%s_KRW", c))
	}

	msg := struct {
		Type      string   `json:"type"`
		Symbols   []string `json:"symbols"`
		TickTypes []string `json:"tickTypes"`
	}{
		Type:      "ticker",
		Symbols:   symbols,
		TickTypes: []string{"24H"},
	}

	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(msg)
}

func (f *TickerFeed) dispatchMessage(data []byte) {
	var frame struct {
		Type    string `json:"type"`
		Status  string `json:"status"`
		Content struct {
			Symbol     string `json:"symbol"`
			ClosePrice string `json:"closePrice"`
			OpenPrice  string `json:"openPrice"`
			HighPrice  string `json:"highPrice"`
			LowPrice   string `json:"lowPrice"`
			Volume     string `json:"volume"`
			ChgRate    string `json:"chgRate"`
		} `json:"content"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch {
	case frame.Status != "":
		// Subscription ack / error frame
		f.logger.Debug("ws status frame", "status", frame.Status)

	case frame.Type == "ticker":
		coin, ok := coinFromSymbol(frame.Content.Symbol)
		if !ok {
			return
		}
		t := types.Ticker{
			Coin:      coin,
			Price:     parseNum(frame.Content.ClosePrice),
			Open24h:   parseNum(frame.Content.OpenPrice),
			High24h:   parseNum(frame.Content.HighPrice),
			Low24h:    parseNum(frame.Content.LowPrice),
			Volume24h: parseNum(frame.Content.Volume),
			Change24h: parseNum(frame.Content.ChgRate),
			TS:        time.Now(),
		}
		f.latestMu.Lock()
		f.latest[coin] = t
		f.latestMu.Unlock()

	default:
		f.logger.Debug("unknown ws frame type", "type", frame.Type)
	}
}

// coinFromSymbol strips the "_KRW" suffix from a ws symbol.
func coinFromSymbol(symbol string) (types.Coin, bool) {
	base, ok := strings.CutSuffix(symbol, "_KRW")
	if !ok || base == "" {
		return "", false
	}
	return types.Coin(base), true
}
