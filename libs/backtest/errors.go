package backtest

import (
	"fmt"

	"meanrevert-research/libs/store"
)

func errInsufficientCandles(n int) error {
	return fmt.Errorf("window has %d candles, need at least 2", n)
}

func errNonFiniteCandle(c store.Candle) error {
	return fmt.Errorf("non-finite price in candle %s @ %s", c.Symbol, c.OpenTime)
}
