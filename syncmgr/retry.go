package syncmgr

import (
	"context"
	"math/rand"
	"time"
)

// backoffCap bounds how long a single retry sleep can run, regardless of
// attempt count.
const backoffCap = 10 * time.Second

// backoff returns a randomized, exponentially growing interval to wait before retry
// attempt i (0-based). Unlike a fixed per-attempt jitter, this grows the
// window itself so a long string of failures doesn't just retry fast
// forever: window doubles each attempt up to backoffCap, and the actual
// sleep is a random fraction of that window.
func backoff(i int) time.Duration {
	window := time.Duration(1) << uint(i) * 100 * time.Millisecond
	if window > backoffCap || window <= 0 {
		window = backoffCap
	}
	return time.Duration(rand.Int63n(int64(window)))
}

// sleepBackoff sleeps for backoff(i), returning early if ctx is canceled.
func sleepBackoff(ctx context.Context, i int) {
	t := time.NewTimer(backoff(i))
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
