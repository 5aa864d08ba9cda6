package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// A lease is a hash at <prefix><key> holding the owner's reentrancy count and, under leaseField,
// the longest lease granted during the hold. The hash TTL is the lease; nested acquires and
// releases refresh it to the granted lease and never shorten it.
const leaseField = "~lease"

var (
	acquireScript = redis.NewScript(`
if redis.call('exists', KEYS[1]) == 0 then
  redis.call('hincrby', KEYS[1], ARGV[2], 1)
  redis.call('hset', KEYS[1], ARGV[3], ARGV[1])
  redis.call('pexpire', KEYS[1], ARGV[1])
  return nil
end
if redis.call('hexists', KEYS[1], ARGV[2]) == 1 then
  redis.call('hincrby', KEYS[1], ARGV[2], 1)
  local lease = tonumber(redis.call('hget', KEYS[1], ARGV[3]) or '0')
  if tonumber(ARGV[1]) > lease then
    lease = tonumber(ARGV[1])
    redis.call('hset', KEYS[1], ARGV[3], lease)
  end
  redis.call('pexpire', KEYS[1], lease)
  return nil
end
return redis.call('pttl', KEYS[1])
`)

	releaseScript = redis.NewScript(`
if redis.call('hexists', KEYS[1], ARGV[1]) == 0 then
  return nil
end
local count = redis.call('hincrby', KEYS[1], ARGV[1], -1)
if count > 0 then
  local lease = tonumber(redis.call('hget', KEYS[1], ARGV[3]) or ARGV[2])
  redis.call('pexpire', KEYS[1], lease)
  return 0
end
redis.call('del', KEYS[1])
return 1
`)
)

// RedisLocker implements Locker on a shared Redis so every process contends on the same lease.
type RedisLocker struct {
	rdb      redis.UniversalClient
	prefix   string
	settings Settings
	instance string
}

type RedisOption func(*RedisLocker)

func WithPrefix(prefix string) RedisOption {
	return func(l *RedisLocker) { l.prefix = prefix }
}

func WithInstanceID(id string) RedisOption {
	return func(l *RedisLocker) { l.instance = id }
}

func NewRedisLocker(rdb redis.UniversalClient, settings Settings, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{
		rdb:      rdb,
		prefix:   "lock:",
		settings: settings,
		instance: InstanceID(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLocker) name(key string) string {
	if strings.HasPrefix(key, l.prefix) {
		return key
	}
	return l.prefix + key
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (bool, error) {
	return l.AcquireWithSettings(ctx, key, l.settings.Wait, l.settings.Lease)
}

func (l *RedisLocker) AcquireWithSettings(ctx context.Context, key string, wait, lease time.Duration) (bool, error) {
	if lease <= 0 {
		return false, fmt.Errorf("lock %s: lease must be positive", key)
	}
	owner := ownerFrom(ctx, l.instance)
	deadline := time.Now().Add(wait)
	for {
		ttl, ok, err := l.tryAcquire(ctx, key, owner, lease)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		if err := sleepCtx(ctx, pollInterval(remaining, ttl)); err != nil {
			return false, err
		}
	}
}

func (l *RedisLocker) tryAcquire(ctx context.Context, key, owner string, lease time.Duration) (time.Duration, bool, error) {
	pttl, err := acquireScript.Run(ctx, l.rdb, []string{l.name(key)}, lease.Milliseconds(), owner, leaseField).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, true, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return time.Duration(pttl) * time.Millisecond, false, nil
}

func (l *RedisLocker) Release(ctx context.Context, key string) error {
	owner := ownerFrom(ctx, l.instance)
	_, err := releaseScript.Run(ctx, l.rdb, []string{l.name(key)}, owner, l.settings.Lease.Milliseconds(), leaseField).Int64()
	if errors.Is(err, redis.Nil) {
		return ErrNotHeld
	}
	if err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

func (l *RedisLocker) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := l.rdb.Exists(ctx, l.name(key)).Result()
	if err != nil {
		return false, fmt.Errorf("check lock %s: %w", key, err)
	}
	return n > 0, nil
}

func (l *RedisLocker) IsHeldByCurrentOwner(ctx context.Context, key string) (bool, error) {
	owner := ownerFrom(ctx, l.instance)
	ok, err := l.rdb.HExists(ctx, l.name(key), owner).Result()
	if err != nil {
		return false, fmt.Errorf("check lock owner %s: %w", key, err)
	}
	return ok, nil
}

func (l *RedisLocker) ForceUnlock(ctx context.Context, key string) error {
	if err := l.rdb.Del(ctx, l.name(key)).Err(); err != nil {
		return fmt.Errorf("force unlock %s: %w", key, err)
	}
	return nil
}
