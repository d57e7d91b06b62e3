// Package lock guards dispatch ticks across processes sharing one job
// store.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	logx "uploadbot/pkg/logx"
)

type Config struct {
	Addr     string
	Password string
	DB       int
	Key      string
	TTL      time.Duration
}

// Redis is a tick lock held in Redis for at most TTL.
type Redis struct {
	rdb    *redis.Client
	locker *redislock.Client
	key    string
	ttl    time.Duration
	log    logx.Logger
}

func NewRedis(cfg Config, log logx.Logger) *Redis {
	if log.IsZero() {
		log = logx.Nop()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    4,
		DialTimeout: 3 * time.Second,
	})
	return &Redis{
		rdb:    rdb,
		locker: redislock.New(rdb),
		key:    cfg.Key,
		ttl:    cfg.TTL,
		log:    log.With(logx.String("comp", "lock"), logx.String("key", cfg.Key)),
	}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// TryLock takes the lock without waiting. The returned release is safe to
// call once the TTL has already expired.
func (r *Redis) TryLock(ctx context.Context) (func(), bool, error) {
	l, err := r.locker.Obtain(ctx, r.key, r.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("obtain %s: %w", r.key, err)
	}
	release := func() {
		rctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := l.Release(rctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			r.log.Warn("lock release failed", logx.Err(err))
		}
	}
	return release, true, nil
}

func (r *Redis) Close() error { return r.rdb.Close() }

// Noop always grants the lock; used when only one process runs.
type Noop struct{}

func (Noop) TryLock(context.Context) (func(), bool, error) { return func() {}, true, nil }
