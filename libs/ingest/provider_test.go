package ingest

import (
	"encoding/json"
	"testing"

	rt "meanrevert-research/libs/testing"
	"meanrevert-research/libs/store"
)

// klineFixtureRows loads the shared Binance-klines-shaped fixture used to
// exercise row decoding without a live upstream.
func klineFixtureRows(t *testing.T) [][]json.RawMessage {
	t.Helper()
	raw := rt.LoadFixture(t, "kline_page.json")
	var rows [][]json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	return rows
}

func TestParseKlineRowDecodesQuotedAndBareNumerics(t *testing.T) {
	rows := klineFixtureRows(t)
	if len(rows) != 2 {
		t.Fatalf("expected 2 fixture rows, got %d", len(rows))
	}

	candles := make([]store.Candle, 0, len(rows))
	for i, row := range rows {
		c, err := parseKlineRow("BTCUSDT", row)
		if err != nil {
			t.Fatalf("row %d: %v", i, err)
		}
		candles = append(candles, c)
	}

	rt.AssertDeepEqual(t, "BTCUSDT", candles[0].Symbol)
	rt.AssertDeepEqual(t, 36520.15, candles[0].Open)
	rt.AssertDeepEqual(t, int64(2145), candles[0].TradeCount)
	if !candles[0].CloseTime.After(candles[0].OpenTime) {
		t.Errorf("candle 0: close_time must be after open_time")
	}
	if !candles[1].OpenTime.After(candles[0].OpenTime) {
		t.Errorf("candle 1 should start after candle 0")
	}

	rt.Golden(t, "parsed_kline_page", candles)
}

func TestParseKlineRowRejectsShortRow(t *testing.T) {
	_, err := parseKlineRow("BTCUSDT", []json.RawMessage{[]byte(`1`), []byte(`2`)})
	if err == nil {
		t.Fatal("expected error for row with too few fields")
	}
}
