// Package counter implements the shared window counter store used by the
// rate limiter and the velocity evaluator.
//
// A counter is a per-key integer scoped to a fixed time window. The only
// operation is an atomic increment-and-read: on first use of a key, or once
// the stored window has elapsed, the count resets to 1 and a new window
// starts. Expiry is semantic — an entry past its window reads as zero even
// if it has not been evicted yet.
package counter

import (
	"context"
	"strings"
	"time"
)

// Store is the atomic increment-and-get contract. Implementations must
// guarantee that concurrent calls for the same key never lose an update:
// incrementing N times within one window yields exactly N.
//
// On any backend error the caller is expected to fail open (allow the
// guarded operation and log), never to deny traffic because the counter
// store is down.
type Store interface {
	// IncrementAndGet increments the counter for key within the given window
	// and returns the new count plus the remaining time before the window
	// expires.
	IncrementAndGet(ctx context.Context, key string, window time.Duration) (count int64, remaining time.Duration, err error)
}

// Key builds a composite counter key from a scope and identity parts,
// e.g. Key("rate", ip, route) -> "rate:1.2.3.4:/v1/auth/login".
func Key(scope string, parts ...string) string {
	if len(parts) == 0 {
		return scope
	}
	return scope + ":" + strings.Join(parts, ":")
}
