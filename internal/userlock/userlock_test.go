package userlock

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func TestLockSerializesSameKey(t *testing.T) {
	l := New()
	var (
		inFlight int32
		maxSeen  int32
	)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			unlock, err := l.Lock(ctx, "user-1")
			if err != nil {
				return err
			}
			defer unlock()
			n := atomic.AddInt32(&inFlight, 1)
			for {
				old := atomic.LoadInt32(&maxSeen)
				if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if maxSeen != 1 {
		t.Fatalf("max concurrent holders = %d, want 1", maxSeen)
	}
	if l.Len() != 0 {
		t.Fatalf("entries = %d, want 0 after release", l.Len())
	}
}

func TestLockDifferentKeysDoNotBlock(t *testing.T) {
	l := New()
	unlockA, err := l.Lock(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("lock a: %v", err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := l.Lock(ctx, "user-b")
	if err != nil {
		t.Fatalf("lock b should not wait on a: %v", err)
	}
	unlockB()
}

func TestLockHonorsContext(t *testing.T) {
	l := New()
	unlock, err := l.Lock(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "user-1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}

	unlock()
	unlock()
	if l.Len() != 0 {
		t.Fatalf("entries = %d, want 0", l.Len())
	}
}
