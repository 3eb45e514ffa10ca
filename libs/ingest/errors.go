package ingest

import (
	"fmt"
	"time"
)

func errRateLimited(symbol string, retryAfter time.Duration) error {
	if retryAfter > 0 {
		return fmt.Errorf("%s: rate limited, retry after %s", symbol, retryAfter)
	}
	return fmt.Errorf("%s: rate limited", symbol)
}

func errUpstreamStatus(status int) error {
	return fmt.Errorf("upstream returned status %d", status)
}
