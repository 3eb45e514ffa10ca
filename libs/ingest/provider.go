// Package ingest implements C2: pulling historical candles from an
// upstream REST endpoint under an adaptive per-symbol rate limit,
// chunking the requested range, inserting each fetched page into the
// candle store as it arrives, and persisting resumable progress.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker/v2"

	"meanrevert-research/libs/errkind"
	"meanrevert-research/libs/resilience"
	"meanrevert-research/libs/store"
)

// KlineProvider fetches candle pages from a Binance-klines-shaped REST
// endpoint: a GET returning a JSON array of array-encoded candle rows at
// fixed field positions, wrapped in a circuit breaker so
// repeated TransientNetwork failures stop hammering a downed endpoint
// independently of the rate limiter's own backoff.
type KlineProvider struct {
	client  *resty.Client
	baseURL string
	cb      *resilience.CircuitBreaker
}

// NewKlineProvider builds a provider against baseURL (e.g.
// "https://api.example.com/klines").
func NewKlineProvider(baseURL string) *KlineProvider {
	return &KlineProvider{
		client:  resty.New().SetTimeout(30 * time.Second),
		baseURL: baseURL,
		cb:      resilience.NewCircuitBreaker(resilience.DefaultConfig("kline-provider")),
	}
}

// Page is one page of candles plus the cursor to resume from.
type Page struct {
	Candles    []store.Candle
	NextCursor time.Time // close_time + 1ms of the last received candle
}

// FetchPage requests up to limit candles for symbol in [start, end).
// On a 429 it returns a RateLimited error built by errRateLimited; a
// server-supplied Retry-After appears only in that error's message text
// and is not passed on to the rate limiter. Other 4xx/5xx return
// TransientNetwork or InvalidInput as appropriate.
func (p *KlineProvider) FetchPage(ctx context.Context, symbol string, start, end time.Time, limit int) (Page, error) {
	result, err := p.cb.ExecuteWithContext(ctx, func() (any, error) {
		return p.doFetch(ctx, symbol, start, end, limit)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return Page{}, errkind.New(errkind.TransientNetwork, fmt.Errorf("circuit open for %s: %w", symbol, err))
		}
		return Page{}, err
	}
	return result.(Page), nil
}

func (p *KlineProvider) doFetch(ctx context.Context, symbol string, start, end time.Time, limit int) (Page, error) {
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":    symbol,
			"startTime": strconv.FormatInt(start.UnixMilli(), 10),
			"endTime":   strconv.FormatInt(end.UnixMilli(), 10),
			"limit":     strconv.Itoa(limit),
		}).
		Get(p.baseURL)
	if err != nil {
		return Page{}, errkind.New(errkind.TransientNetwork, fmt.Errorf("fetch klines for %s: %w", symbol, err))
	}

	if resp.StatusCode() == 429 {
		retryAfter := parseRetryAfter(resp.Header().Get("Retry-After"))
		return Page{}, errkind.New(errkind.RateLimited, errRateLimited(symbol, retryAfter))
	}
	if resp.StatusCode() >= 500 {
		return Page{}, errkind.New(errkind.TransientNetwork, errUpstreamStatus(resp.StatusCode()))
	}
	if resp.StatusCode() >= 400 {
		return Page{}, errkind.New(errkind.InvalidInput, errUpstreamStatus(resp.StatusCode()))
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(resp.Body(), &rows); err != nil {
		return Page{}, errkind.New(errkind.InvalidInput, fmt.Errorf("decode kline response: %w", err))
	}

	candles := make([]store.Candle, 0, len(rows))
	for _, row := range rows {
		c, err := parseKlineRow(symbol, row)
		if err != nil {
			return Page{}, errkind.New(errkind.InvalidInput, err)
		}
		candles = append(candles, c)
	}

	page := Page{Candles: candles}
	if len(candles) > 0 {
		page.NextCursor = candles[len(candles)-1].CloseTime.Add(time.Millisecond)
	} else {
		page.NextCursor = end
	}
	return page, nil
}

// parseKlineRow decodes one array-encoded candle row:
// [open_time_ms, open, high, low, close, volume, close_time_ms,
//  quote_volume, trade_count, taker_buy_base, taker_buy_quote, ignore].
// Numeric fields may arrive as JSON strings or numbers; both are accepted.
func parseKlineRow(symbol string, row []json.RawMessage) (store.Candle, error) {
	if len(row) < 11 {
		return store.Candle{}, fmt.Errorf("kline row has %d fields, want at least 11", len(row))
	}

	openMs, err := numericField(row[0])
	if err != nil {
		return store.Candle{}, fmt.Errorf("open_time: %w", err)
	}
	open, err := numericField(row[1])
	if err != nil {
		return store.Candle{}, fmt.Errorf("open: %w", err)
	}
	high, err := numericField(row[2])
	if err != nil {
		return store.Candle{}, fmt.Errorf("high: %w", err)
	}
	low, err := numericField(row[3])
	if err != nil {
		return store.Candle{}, fmt.Errorf("low: %w", err)
	}
	closePrice, err := numericField(row[4])
	if err != nil {
		return store.Candle{}, fmt.Errorf("close: %w", err)
	}
	volume, err := numericField(row[5])
	if err != nil {
		return store.Candle{}, fmt.Errorf("volume: %w", err)
	}
	closeMs, err := numericField(row[6])
	if err != nil {
		return store.Candle{}, fmt.Errorf("close_time: %w", err)
	}
	quoteVolume, err := numericField(row[7])
	if err != nil {
		return store.Candle{}, fmt.Errorf("quote_volume: %w", err)
	}
	tradeCount, err := numericField(row[8])
	if err != nil {
		return store.Candle{}, fmt.Errorf("trade_count: %w", err)
	}
	takerBase, err := numericField(row[9])
	if err != nil {
		return store.Candle{}, fmt.Errorf("taker_buy_base: %w", err)
	}
	takerQuote, err := numericField(row[10])
	if err != nil {
		return store.Candle{}, fmt.Errorf("taker_buy_quote: %w", err)
	}

	c := store.Candle{
		Symbol:        symbol,
		OpenTime:      time.UnixMilli(int64(openMs)).UTC(),
		CloseTime:     time.UnixMilli(int64(closeMs)).UTC(),
		Open:          open,
		High:          high,
		Low:           low,
		Close:         closePrice,
		Volume:        volume,
		QuoteVolume:   quoteVolume,
		TradeCount:    int64(tradeCount),
		TakerBuyBase:  takerBase,
		TakerBuyQuote: takerQuote,
	}
	if !c.OpenTime.Before(c.CloseTime) {
		return store.Candle{}, fmt.Errorf("open_time %s not before close_time %s", c.OpenTime, c.CloseTime)
	}
	return c, nil
}

// numericField decodes a JSON field that may be a bare number or a
// quoted numeric string.
func numericField(raw json.RawMessage) (float64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("not a number or numeric string: %s", raw)
	}
	return strconv.ParseFloat(s, 64)
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
