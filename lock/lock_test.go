package lock

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestControllerRequestRunsCallback(t *testing.T) {
	c := NewController(NewMemoryStore(), time.Second)
	ran := false
	err := c.Request(context.Background(), "push:db1", "owner-a", func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if !ran {
		t.Fatal("expected callback to run")
	}
}

func TestControllerSerializesConcurrentRequests(t *testing.T) {
	c := NewController(NewMemoryStore(), time.Minute)
	var mu sync.Mutex
	inside := 0
	maxInside := 0
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			_ = c.Request(context.Background(), "push:db1", owner, func(ctx context.Context) error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}(string(rune('a' + i)))
	}
	wg.Wait()

	if maxInside != 1 {
		t.Fatalf("expected at most one concurrent holder, saw %d", maxInside)
	}
}

func TestControllerReleasesOnCallbackError(t *testing.T) {
	c := NewController(NewMemoryStore(), time.Second)
	boom := errors.New("boom")
	err := c.Request(context.Background(), "push:db1", "owner-a", func(ctx context.Context) error {
		return boom
	})
	if err != boom {
		t.Fatalf("expected callback error to propagate, got %v", err)
	}

	ran := false
	if err := c.Request(context.Background(), "push:db1", "owner-b", func(ctx context.Context) error {
		ran = true
		return nil
	}); err != nil {
		t.Fatalf("Request after error: %v", err)
	}
	if !ran {
		t.Fatal("expected the lock to have been released after the erroring callback")
	}
}

func TestControllerForceRemovesStuckLock(t *testing.T) {
	c := NewController(NewMemoryStore(), 10*time.Millisecond)
	store := c.store

	// Simulate a crashed holder: acquired, never released.
	ok, err := store.TryAcquire(context.Background(), "push:db1", "dead-owner")
	if err != nil || !ok {
		t.Fatalf("seed TryAcquire: ok=%v err=%v", ok, err)
	}

	ran := false
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Request(ctx, "push:db1", "new-owner", func(ctx context.Context) error {
		ran = true
		return nil
	}); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if !ran {
		t.Fatal("expected the stuck lock to be force-removed and acquisition retried")
	}
}

func TestFileStoreTryAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)
	ctx := context.Background()

	ok, err := s.TryAcquire(ctx, "push:db1", "owner-a")
	if err != nil || !ok {
		t.Fatalf("TryAcquire: ok=%v err=%v", ok, err)
	}

	ok2, err := s.TryAcquire(ctx, "push:db1", "owner-b")
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if ok2 {
		t.Fatal("expected second acquire to fail while first holds the lock")
	}

	if err := s.Release(ctx, "push:db1", "owner-a"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	ok3, err := s.TryAcquire(ctx, "push:db1", "owner-b")
	if err != nil || !ok3 {
		t.Fatalf("TryAcquire after release: ok=%v err=%v", ok3, err)
	}
	_ = filepath.Join(dir, ".push:db1.lock")
}
