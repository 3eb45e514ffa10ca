package store

import "fmt"

func errNoRatings(symbol string) error {
	return fmt.Errorf("no ratings recorded for %s", symbol)
}
