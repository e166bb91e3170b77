// Package lock provides the per-job-id serialization the coordinator
// takes before mutating its SafetyEngine: an in-process mutex by
// default, or a Redis-backed lock keyed per job id, adapted from the
// RedisCache connection setup in internal/common/cache/redis.go.
//
// The RedisLocker serializes concurrent Submit calls that share a job id;
// the MutexLocker is one lock for every key, so it serializes all of one
// process's Submit calls. Neither makes two safeboxd processes share one
// SafetyEngine's state. Each process's SafetyEngine tracks its own
// totals/available/allocated in memory, so pointing two processes at
// the same cgroup root and Redis instance does not give them joint
// admission control — the RedisLocker prevents them from racing on the
// same job id, nothing more.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker serializes access to one job id's admission decision.
type Locker interface {
	Lock(ctx context.Context, key string) error
	Unlock(ctx context.Context, key string)
}

// MutexLocker is the default, single-process Locker: one mutex guards
// every key, since the coordinator's own SafetyEngine is already
// single-instance in-process.
type MutexLocker struct {
	mu sync.Mutex
}

// NewMutexLocker returns the default in-process Locker.
func NewMutexLocker() *MutexLocker { return &MutexLocker{} }

func (l *MutexLocker) Lock(ctx context.Context, key string) error {
	l.mu.Lock()
	return nil
}

func (l *MutexLocker) Unlock(ctx context.Context, key string) {
	l.mu.Unlock()
}

// RedisLocker serializes admission across multiple coordinator
// instances sharing one Redis server, using SET NX PX for the lock and
// a matching DEL for release.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisLocker constructs a RedisLocker against addr/db. ttl bounds how
// long a lock is held if its owner crashes before Unlock.
func NewRedisLocker(addr string, db int, ttl time.Duration) (*RedisLocker, error) {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisLocker{client: client, ttl: ttl, prefix: "safebox:lock:"}, nil
}

// NewRedisLockerFromClient builds a RedisLocker over an existing client,
// used by tests against a miniredis in-memory server.
func NewRedisLockerFromClient(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl, prefix: "safebox:lock:"}
}

// Lock blocks, retrying with backoff, until it acquires the key's lock
// or the context is cancelled.
func (l *RedisLocker) Lock(ctx context.Context, key string) error {
	redisKey := l.prefix + key
	backoff := 10 * time.Millisecond
	for {
		ok, err := l.client.SetNX(ctx, redisKey, "1", l.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			if backoff < 200*time.Millisecond {
				backoff *= 2
			}
		}
	}
}

// Unlock releases the key's lock. Errors are not actionable by the
// caller (the TTL bounds staleness regardless) so they are swallowed.
func (l *RedisLocker) Unlock(ctx context.Context, key string) {
	_ = l.client.Del(ctx, l.prefix+key).Err()
}

// Close releases the underlying Redis connection pool.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
