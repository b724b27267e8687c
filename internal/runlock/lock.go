// Package runlock keeps two pipeline runs from working on the same window at once.
package runlock

import (
	"context"
	"errors"
	"time"
)

var ErrLocked = errors.New("window is locked by another run")

// Locker acquires a lease on key. The returned release func is safe to call more
// than once and only drops the lease if it is still held by the caller.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}
