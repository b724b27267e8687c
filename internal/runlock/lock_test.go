package runlock

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryLockerExcludesSecondHolder(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	release, err := l.Acquire(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := l.Acquire(ctx, "w1", time.Minute); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if _, err := l.Acquire(ctx, "w2", time.Minute); err != nil {
		t.Fatalf("other key: %v", err)
	}
	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := l.Acquire(ctx, "w1", time.Minute); err != nil {
		t.Fatalf("reacquire: %v", err)
	}
}

func TestMemoryLockerExpiredLeaseIsNotReleasedByOldHolder(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemoryLocker()
	l.now = func() time.Time { return now }

	stale, err := l.Acquire(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := l.Acquire(ctx, "w1", time.Minute); err != nil {
		t.Fatalf("expired lease should be taken over: %v", err)
	}
	_ = stale(ctx)
	if _, err := l.Acquire(ctx, "w1", time.Minute); !errors.Is(err, ErrLocked) {
		t.Fatalf("stale release dropped the new lease: %v", err)
	}
}
