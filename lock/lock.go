// Package lock provides an advisory mutex over a named resource shared by
// potentially many driftdb processes (a push loop and a pull loop,
// each racing to own "push:<dbName>"/"pull:<dbName>" at any moment). It is
// advisory only: nothing stops a caller from touching the guarded resource
// without holding the lock, same as flock.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned by Request if name could not be acquired before
// timeout elapsed, including the force-remove grace period.
var ErrTimeout = errors.New("lock: timed out acquiring lock")

// DefaultTimeout matches how long a stuck lock is tolerated before the
// controller force-removes it and polls for one more timeout period.
const DefaultTimeout = 5 * time.Minute

const pollInterval = 1 * time.Second

// Store is the narrow persistence seam a lock implementation needs: an
// atomic "claim if absent" and an explicit release. name->owner holds until
// Release(name, owner) is called with a matching owner, or ForceRemove
// clears it unconditionally.
type Store interface {
	// TryAcquire claims name for owner if it is unclaimed. Returns false
	// (not an error) if someone else already holds it.
	TryAcquire(ctx context.Context, name, owner string) (bool, error)

	// Release frees name if owner currently holds it. Releasing a lock you
	// don't hold is a no-op.
	Release(ctx context.Context, name, owner string) error

	// ForceRemove clears name regardless of current owner, used once a lock
	// has been held past its timeout (the presumed owner crashed).
	ForceRemove(ctx context.Context, name string) error
}

// Controller serializes callbacks against named resources using a Store.
type Controller struct {
	store   Store
	timeout time.Duration
}

// NewController builds a Controller. A zero timeout uses DefaultTimeout.
func NewController(store Store, timeout time.Duration) *Controller {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Controller{store: store, timeout: timeout}
}

// Request runs fn while holding name, polling at 1s intervals until it is
// acquired or timeout elapses. If the lock is still held after timeout, it
// is force-removed once and polling continues for one more timeout period,
// after which Request returns ErrTimeout — a single stuck holder (a crashed
// process, a leaked lease) should not wedge every future caller forever.
func (c *Controller) Request(ctx context.Context, name, owner string, fn func(ctx context.Context) error) error {
	if err := c.acquire(ctx, name, owner); err != nil {
		return err
	}
	defer func() {
		_ = c.store.Release(context.WithoutCancel(ctx), name, owner)
	}()
	return fn(ctx)
}

func (c *Controller) acquire(ctx context.Context, name, owner string) error {
	deadline := time.Now().Add(c.timeout)
	forceRemoved := false
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		ok, err := c.store.TryAcquire(ctx, name, owner)
		if err != nil {
			return fmt.Errorf("lock: acquiring %q: %w", name, err)
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			if forceRemoved {
				return fmt.Errorf("%w: %q", ErrTimeout, name)
			}
			if err := c.store.ForceRemove(ctx, name); err != nil {
				return fmt.Errorf("lock: force-removing %q: %w", name, err)
			}
			forceRemoved = true
			deadline = time.Now().Add(c.timeout)
			continue // retry immediately, the lock was just freed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
