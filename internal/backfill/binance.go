// Package backfill fetches historical candles from the Binance klines REST
// endpoint when the rolling store has nothing for a requested range.
package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"crypto-ohlcv/internal/model"
)

// maxLimit is the most rows Binance returns per klines request.
const maxLimit = 1000

// ErrUpstream is returned when the exchange cannot be reached, answers with
// a non-200 status or sends a body that is not a klines array.
var ErrUpstream = errors.New("backfill upstream error")

// Fetcher returns candles for a symbol and interval within [start, end].
type Fetcher interface {
	Fetch(ctx context.Context, symbol string, interval model.Interval, start, end int64) ([]model.Candle, error)
}

// Client calls GET {BaseURL}?symbol=&interval=&startTime=&endTime=&limit=.
type Client struct {
	baseURL string
	http    *http.Client
}

var _ Fetcher = (*Client)(nil)

// NewClient creates a client for the klines endpoint. httpClient may be nil.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: baseURL, http: httpClient}
}

// Fetch returns the candles Binance reports for the range, oldest first.
// Rows that cannot be parsed or fail validation are skipped.
func (c *Client) Fetch(ctx context.Context, symbol string, interval model.Interval, start, end int64) ([]model.Candle, error) {
	sym := strings.ToUpper(symbol)
	q := url.Values{}
	q.Set("symbol", sym)
	q.Set("interval", interval.BinanceKey)
	q.Set("startTime", strconv.FormatInt(start, 10))
	q.Set("endTime", strconv.FormatInt(end, 10))
	q.Set("limit", strconv.Itoa(maxLimit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("backfill request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("backfill %s: %w", sym, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrUpstream, sym, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: %s returned %d: %s", ErrUpstream, sym, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var rows [][]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("%w: %s decode: %w: %v", ErrUpstream, sym, model.ErrSerialization, err)
	}

	candles := make([]model.Candle, 0, len(rows))
	for i, row := range rows {
		cd, err := parseKline(row)
		if err == nil {
			err = cd.Validate()
		}
		if err != nil {
			slog.Warn("skipping kline row", "symbol", sym, "row", i, "error", err)
			continue
		}
		cd.Symbol = sym
		candles = append(candles, cd)
	}
	return candles, nil
}

// parseKline reads [openTime, open, high, low, close, volume, ...].
func parseKline(row []json.RawMessage) (model.Candle, error) {
	if len(row) < 6 {
		return model.Candle{}, fmt.Errorf("short row: %d fields", len(row))
	}
	var ts int64
	if err := json.Unmarshal(row[0], &ts); err != nil {
		return model.Candle{}, fmt.Errorf("open time: %w", err)
	}
	var vals [5]float64
	for i := range vals {
		v, err := number(row[i+1])
		if err != nil {
			return model.Candle{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		vals[i] = v
	}
	return model.Candle{
		Timestamp: ts,
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, nil
}

func number(raw json.RawMessage) (float64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseFloat(s, 64)
	}
	var f float64
	err := json.Unmarshal(raw, &f)
	return f, err
}
