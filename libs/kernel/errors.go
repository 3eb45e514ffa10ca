package kernel

import "fmt"

func errInvalidWindow(window int) error {
	return fmt.Errorf("window size must be positive, got %d", window)
}

func errTooFewPoints(n, window int) error {
	return fmt.Errorf("need at least %d points, got %d", window, n)
}

func errNonFinite() error {
	return fmt.Errorf("input contains a NaN or infinite value")
}
