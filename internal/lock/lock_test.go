package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisLockerFromClient(client, 2*time.Second), mr
}

func TestRedisLocker_MutualExclusion(t *testing.T) {
	l, _ := newTestLocker(t)
	ctx := context.Background()

	if err := l.Lock(ctx, "job-1"); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		if err := l.Lock(ctx, "job-1"); err != nil {
			t.Errorf("second Lock: %v", err)
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatalf("second lock acquired while first still held")
	case <-time.After(50 * time.Millisecond):
	}

	l.Unlock(ctx, "job-1")

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("second lock never acquired after unlock")
	}
}

func TestRedisLocker_DifferentKeysDoNotBlock(t *testing.T) {
	l, _ := newTestLocker(t)
	ctx := context.Background()

	if err := l.Lock(ctx, "job-a"); err != nil {
		t.Fatalf("Lock job-a: %v", err)
	}
	defer l.Unlock(ctx, "job-a")

	done := make(chan error, 1)
	go func() { done <- l.Lock(ctx, "job-b") }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Lock job-b: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("independent key lock blocked")
	}
	l.Unlock(ctx, "job-b")
}

func TestMutexLocker_SerializesSameProcess(t *testing.T) {
	l := NewMutexLocker()
	ctx := context.Background()

	if err := l.Lock(ctx, "x"); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		_ = l.Lock(ctx, "x")
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatalf("lock acquired concurrently")
	case <-time.After(30 * time.Millisecond):
	}

	l.Unlock(ctx, "x")
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("lock never released")
	}
}
