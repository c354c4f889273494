package leadlock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultRedisKeyPrefix = "leadpipe:lead-lock:"
	DefaultRedisTTL       = 2 * time.Minute
	defaultRetryInterval  = 100 * time.Millisecond
)

// releaseScript deletes the key only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// extendScript renews the lease only while the key still holds our token.
var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker shares lead locks between processes through Redis. The TTL
// bounds how long a crashed holder can block a lead; a live holder renews
// the lease every third of the TTL until it releases.
type RedisLocker struct {
	rdb           *redis.Client
	prefix        string
	ttl           time.Duration
	retryInterval time.Duration
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker creates a locker on an existing client.
func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisLocker{rdb: rdb, prefix: DefaultRedisKeyPrefix, ttl: ttl, retryInterval: defaultRetryInterval}
}

// OpenRedis connects to addr and verifies the connection with PING.
func OpenRedis(ctx context.Context, addr string) (*redis.Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

func (r *RedisLocker) Acquire(ctx context.Context, leadID string) (func(), error) {
	key := r.prefix + leadID
	token := uuid.NewString()
	ticker := time.NewTicker(r.retryInterval)
	defer ticker.Stop()

	for {
		ok, err := r.rdb.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			slog.Error("RedisLocker.Acquire: SETNX failed", "leadID", leadID, "error", err)
			return nil, fmt.Errorf("failed to acquire lead lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			slog.Warn("RedisLocker.Acquire: gave up waiting", "leadID", leadID, "error", ctx.Err())
			return nil, fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
		case <-ticker.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.keepAlive(key, token, leadID, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			// Release must survive the caller's context being cancelled.
			relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(relCtx, r.rdb, []string{key}, token).Err(); err != nil {
				slog.Error("RedisLocker.release: failed", "leadID", leadID, "error", err)
			}
		})
	}, nil
}

// keepAlive extends the lease until stop is closed or the key is no longer ours.
func (r *RedisLocker) keepAlive(key, token, leadID string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		n, err := extendScript.Run(ctx, r.rdb, []string{key}, token, r.ttl.Milliseconds()).Int()
		cancel()
		if err != nil {
			slog.Warn("RedisLocker.keepAlive: renew failed", "leadID", leadID, "error", err)
			continue
		}
		if n == 0 {
			slog.Error("RedisLocker.keepAlive: lock lost before release", "leadID", leadID)
			return
		}
	}
}
