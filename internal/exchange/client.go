// Package exchange implements the Bithumb REST and WebSocket clients.
//
// The REST client (Client) covers the five endpoints the bot needs:
//   - Ticker:     GET  /public/ticker/{coin}_KRW
//   - Candles:    GET  /public/candlestick/{coin}_KRW/{interval}
//   - Balance:    POST /info/balance       — signed
//   - MarketBuy:  POST /trade/market_buy   — signed
//   - MarketSell: POST /trade/market_sell  — signed
//
// Every request passes the shared token bucket first. Transport errors,
// 5xx responses, and retryable exchange error codes are retried with
// 1s/2s/4s backoff, re-signing (and so burning a fresh nonce) on each
// attempt. In dry-run mode the private methods return fake success before
// any signing happens.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"bithumb-trader/internal/config"
	"bithumb-trader/pkg/types"
)

// unitPrecision is the exchange's order-quantity precision. The `units`
// form field is truncated, never rounded, to this many decimals.
const unitPrecision = 4

// Client is the Bithumb REST API client.
// It wraps a resty HTTP client with rate limiting, retry, and auth.
type Client struct {
	http   *resty.Client
	auth   *Auth
	bucket *TokenBucket // shared across public and private calls
	dryRun bool         // when true, private methods return fake success without HTTP calls
	logger *slog.Logger
}

// Balance is the coerced response of /info/balance for one coin.
type Balance struct {
	Coin         types.Coin
	TotalKRW     float64
	InUseKRW     float64
	AvailableKRW float64
	Total        float64 // coin units held
	InUse        float64
	Available    float64
}

// envelope is the common Bithumb response wrapper. status "0000" is
// success; anything else is an application error.
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	OrderID string          `json:"order_id"`
	Data    json.RawMessage `json:"data"`
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg *config.Config, auth *Auth, logger *slog.Logger) *Client {
	timeout := cfg.Exchange.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(cfg.Exchange.BaseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &Client{
		http:   httpClient,
		auth:   auth,
		bucket: NewWindowBucket(cfg.Exchange.RateLimitRPS, cfg.Exchange.RateLimitWindow),
		dryRun: cfg.Safety.DryRun,
		logger: logger.With("component", "exchange"),
	}
}

// Ticker fetches the current ticker for one coin on the KRW market.
func (c *Client) Ticker(ctx context.Context, coin types.Coin) (*types.Ticker, error) {
	var ticker *types.Ticker
	err := withBackoff(ctx, c.logger, "ticker", func() error {
		env, err := c.publicGet(ctx, fmt.Sprintf("/public/ticker/%s_KRW", coin))
		if err != nil {
			return err
		}

		var data struct {
			OpeningPrice   string `json:"opening_price"`
			ClosingPrice   string `json:"closing_price"`
			MinPrice       string `json:"min_price"`
			MaxPrice       string `json:"max_price"`
			UnitsTraded24H string `json:"units_traded_24H"`
			FluctateRate   string `json:"fluctate_rate_24H"`
			Date           string `json:"date"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return fmt.Errorf("decode ticker: %w", err)
		}

		ts := time.Now()
		if ms, err := decimal.NewFromString(data.Date); err == nil {
			ts = time.UnixMilli(ms.IntPart())
		}
		ticker = &types.Ticker{
			Coin:      coin,
			Price:     parseNum(data.ClosingPrice),
			Open24h:   parseNum(data.OpeningPrice),
			High24h:   parseNum(data.MaxPrice),
			Low24h:    parseNum(data.MinPrice),
			Volume24h: parseNum(data.UnitsTraded24H),
			Change24h: parseNum(data.FluctateRate),
			TS:        ts,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ticker %s: %w", coin, err)
	}
	return ticker, nil
}

// Candles fetches up to limit closed bars for one coin. Rows arrive as
// [timestamp_ms, open, close, high, low, volume] and are returned in
// ascending timestamp order.
func (c *Client) Candles(ctx context.Context, coin types.Coin, interval types.Interval, limit int) ([]types.Bar, error) {
	if !interval.Valid() {
		return nil, fmt.Errorf("candles %s: unsupported interval %q", coin, interval)
	}

	var bars []types.Bar
	err := withBackoff(ctx, c.logger, "candles", func() error {
		env, err := c.publicGet(ctx, fmt.Sprintf("/public/candlestick/%s_KRW/%s", coin, interval))
		if err != nil {
			return err
		}

		var rows [][]any
		if err := json.Unmarshal(env.Data, &rows); err != nil {
			return fmt.Errorf("decode candles: %w", err)
		}

		bars = make([]types.Bar, 0, len(rows))
		var lastTS time.Time
		for _, row := range rows {
			bar, err := parseCandleRow(row)
			if err != nil {
				return fmt.Errorf("candle row: %w", err)
			}
			// The exchange occasionally repeats the trailing row; keep
			// timestamps strictly increasing.
			if !bar.TS.After(lastTS) {
				continue
			}
			lastTS = bar.TS
			bars = append(bars, bar)
		}
		if limit > 0 && len(bars) > limit {
			bars = bars[len(bars)-limit:]
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("candles %s: %w", coin, err)
	}
	return bars, nil
}

// Balance fetches KRW and coin balances for one coin.
func (c *Client) Balance(ctx context.Context, coin types.Coin) (*Balance, error) {
	if c.dryRun {
		// Pretend the account holds plenty of KRW and no coins.
		return &Balance{Coin: coin, TotalKRW: 10_000_000, AvailableKRW: 10_000_000}, nil
	}

	params := url.Values{}
	params.Set("currency", string(coin))

	var bal *Balance
	err := withBackoff(ctx, c.logger, "balance", func() error {
		env, err := c.signedPost(ctx, "/info/balance", params)
		if err != nil {
			return err
		}

		var data map[string]any
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return fmt.Errorf("decode balance: %w", err)
		}

		lower := lowerCoin(coin)
		bal = &Balance{
			Coin:         coin,
			TotalKRW:     anyNum(data["total_krw"]),
			InUseKRW:     anyNum(data["in_use_krw"]),
			AvailableKRW: anyNum(data["available_krw"]),
			Total:        anyNum(data["total_"+lower]),
			InUse:        anyNum(data["in_use_"+lower]),
			Available:    anyNum(data["available_"+lower]),
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("balance %s: %w", coin, err)
	}
	return bal, nil
}

// MarketBuy places a market buy spending krwAmount of KRW.
func (c *Client) MarketBuy(ctx context.Context, coin types.Coin, krwAmount float64) (*types.OrderAck, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would market buy", "coin", coin, "krw", krwAmount)
		return &types.OrderAck{OrderID: "DRY_RUN", Coin: coin, Side: types.BUY}, nil
	}

	params := url.Values{}
	params.Set("order_currency", string(coin))
	params.Set("payment_currency", "KRW")
	params.Set("units", formatUnits(krwAmount))

	return c.placeOrder(ctx, "/trade/market_buy", coin, types.BUY, params)
}

// MarketSell places a market sell of qty coin units.
func (c *Client) MarketSell(ctx context.Context, coin types.Coin, qty float64) (*types.OrderAck, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would market sell", "coin", coin, "qty", qty)
		return &types.OrderAck{OrderID: "DRY_RUN", Coin: coin, Side: types.SELL, Qty: qty}, nil
	}

	params := url.Values{}
	params.Set("order_currency", string(coin))
	params.Set("payment_currency", "KRW")
	params.Set("units", formatUnits(qty))

	return c.placeOrder(ctx, "/trade/market_sell", coin, types.SELL, params)
}

func (c *Client) placeOrder(ctx context.Context, endpoint string, coin types.Coin, side types.Side, params url.Values) (*types.OrderAck, error) {
	var ack *types.OrderAck
	err := withBackoff(ctx, c.logger, endpoint, func() error {
		env, err := c.signedPost(ctx, endpoint, params)
		if err != nil {
			return err
		}

		ack = &types.OrderAck{OrderID: env.OrderID, Coin: coin, Side: side}
		// Fill details come back as a data array when available.
		var fills []struct {
			Units string `json:"units"`
			Price string `json:"price"`
			Fee   string `json:"fee"`
		}
		if len(env.Data) > 0 && json.Unmarshal(env.Data, &fills) == nil {
			var qty, notional, fee float64
			for _, f := range fills {
				u := parseNum(f.Units)
				qty += u
				notional += u * parseNum(f.Price)
				fee += parseNum(f.Fee)
			}
			ack.Qty = qty
			ack.Fee = fee
			if qty > 0 {
				ack.Price = notional / qty
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", endpoint, coin, err)
	}
	c.logger.Info("order placed", "coin", coin, "side", side, "order_id", ack.OrderID)
	return ack, nil
}

func (c *Client) publicGet(ctx context.Context, path string) (*envelope, error) {
	if err := c.bucket.Wait(ctx); err != nil {
		return nil, err
	}

	var env envelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&env).
		ForceContentType("application/json").
		Get(path)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	return checkResponse(resp, &env, path)
}

func (c *Client) signedPost(ctx context.Context, endpoint string, params url.Values) (*envelope, error) {
	if !c.auth.HasCredentials() {
		return nil, fmt.Errorf("post %s: no API credentials configured", endpoint)
	}
	if err := c.bucket.Wait(ctx); err != nil {
		return nil, err
	}

	signed := url.Values{}
	for k, vs := range params {
		signed[k] = vs
	}
	signed.Set("endpoint", endpoint)

	var env envelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers(endpoint, signed)).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(signed.Encode()).
		SetResult(&env).
		ForceContentType("application/json").
		Post(endpoint)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", endpoint, err)
	}
	return checkResponse(resp, &env, endpoint)
}

func checkResponse(resp *resty.Response, env *envelope, path string) (*envelope, error) {
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d: %s", path, resp.StatusCode(), resp.String())
	}
	if env.Status != "0000" {
		return nil, &APIError{Code: env.Status, Message: env.Message}
	}
	return env, nil
}

// parseCandleRow coerces one raw candlestick row. The wire order is
// [ts, open, close, high, low, volume]; note close before high/low.
func parseCandleRow(row []any) (types.Bar, error) {
	if len(row) < 6 {
		return types.Bar{}, fmt.Errorf("want 6 fields, got %d", len(row))
	}
	ms := anyNum(row[0])
	if ms <= 0 {
		return types.Bar{}, fmt.Errorf("bad timestamp %v", row[0])
	}
	return types.Bar{
		TS:     time.UnixMilli(int64(ms)),
		Open:   anyNum(row[1]),
		Close:  anyNum(row[2]),
		High:   anyNum(row[3]),
		Low:    anyNum(row[4]),
		Volume: anyNum(row[5]),
	}, nil
}

// parseNum parses a string-encoded number, returning 0 on malformed input.
func parseNum(s string) float64 {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return d.InexactFloat64()
}

// anyNum coerces a JSON value that may arrive as string or number.
func anyNum(v any) float64 {
	switch n := v.(type) {
	case string:
		return parseNum(n)
	case float64:
		return n
	case json.Number:
		return parseNum(n.String())
	default:
		return 0
	}
}

// formatUnits truncates to the exchange's unit precision and renders
// without exponent or trailing noise.
func formatUnits(v float64) string {
	return decimal.NewFromFloat(v).Truncate(unitPrecision).String()
}

func lowerCoin(coin types.Coin) string {
	return strings.ToLower(string(coin))
}
