package errkind

import (
	"errors"
	"fmt"
	"testing"
)

func TestOfUnwrapsKind(t *testing.T) {
	base := errors.New("connection reset")
	wrapped := fmt.Errorf("fetch chunk: %w", New(TransientNetwork, base))

	if got := Of(wrapped); got != TransientNetwork {
		t.Fatalf("Of() = %v, want %v", got, TransientNetwork)
	}
}

func TestOfUnknownForPlainError(t *testing.T) {
	if got := Of(errors.New("plain")); got != Unknown {
		t.Fatalf("Of() = %v, want %v", got, Unknown)
	}
}

func TestOfNil(t *testing.T) {
	if got := Of(nil); got != Unknown {
		t.Fatalf("Of(nil) = %v, want %v", got, Unknown)
	}
}

func TestIsMatchesByKindNotCause(t *testing.T) {
	err := fmt.Errorf("task failed: %w", New(Timeout, errors.New("deadline A")))
	if !errors.Is(err, Sentinel(Timeout)) {
		t.Fatalf("expected errors.Is to match on Kind regardless of wrapped cause")
	}
	if errors.Is(err, Sentinel(RateLimited)) {
		t.Fatalf("did not expect Timeout error to match RateLimited sentinel")
	}
}

func TestStringAllKinds(t *testing.T) {
	kinds := []Kind{InvalidInput, InsufficientData, RateLimited, TransientNetwork, Timeout, PersistenceError, ShuttingDown, Unknown}
	seen := map[string]bool{}
	for _, k := range kinds {
		s := k.String()
		if s == "" {
			t.Fatalf("Kind %d stringified to empty", k)
		}
		seen[s] = true
	}
	if len(seen) != len(kinds) {
		t.Fatalf("expected %d distinct kind strings, got %d", len(kinds), len(seen))
	}
}
