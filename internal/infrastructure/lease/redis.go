package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrHeld = errors.New("lease held by another instance")
	ErrLost = errors.New("lease lost")
)

// only the holder may extend or drop the key
var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLease makes one process the only writer for an account.
type RedisLease struct {
	rdb    *redis.Client
	key    string
	token  string
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisLease(rdb *redis.Client, key string, ttl time.Duration, logger *zap.Logger) *RedisLease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLease{
		rdb:    rdb,
		key:    key,
		token:  uuid.NewString(),
		ttl:    ttl,
		logger: logger.Named("lease"),
	}
}

// Token identifies this holder.
func (l *RedisLease) Token() string { return l.token }

// Acquire takes the lease or returns ErrHeld.
func (l *RedisLease) Acquire(ctx context.Context) error {
	ok, err := l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	if !ok {
		holder, _ := l.rdb.Get(ctx, l.key).Result()
		return fmt.Errorf("%w: %s", ErrHeld, holder)
	}
	l.logger.Info("Lease acquired", zap.String("key", l.key), zap.Duration("ttl", l.ttl))
	return nil
}

// Refresh extends the lease. ErrLost means another holder owns the key now.
func (l *RedisLease) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("refresh lease %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLost
	}
	return nil
}

func (l *RedisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	l.logger.Info("Lease released", zap.String("key", l.key))
	return nil
}

// Keep refreshes at a third of the ttl until ctx ends. It returns ErrLost
// when the lease is gone; a refresh that keeps failing for a whole ttl
// counts as lost.
func (l *RedisLease) Keep(ctx context.Context) error {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	lastOK := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := l.Refresh(ctx)
			switch {
			case err == nil:
				lastOK = time.Now()
			case errors.Is(err, ErrLost):
				l.logger.Error("Lease lost", zap.String("key", l.key))
				return ErrLost
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				l.logger.Warn("Lease refresh failed", zap.Error(err))
				if time.Since(lastOK) >= l.ttl {
					return fmt.Errorf("%w: %v", ErrLost, err)
				}
			}
		}
	}
}
