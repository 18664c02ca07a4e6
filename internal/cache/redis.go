package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// INCR и PEXPIRE в одном скрипте: счетчик линеаризуем для всех инстансов.
var incrScript = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
if c == 1 and tonumber(ARGV[1]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return {c, redis.call('PTTL', KEYS[1])}
`)

var extendScript = redis.NewScript(`
local ttl = redis.call('PTTL', KEYS[1])
if ttl == -2 then
  return {0, -2}
end
if ttl ~= -1 and ttl < tonumber(ARGV[1]) then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {tonumber(redis.call('GET', KEYS[1])) or 0, ttl}
`)

type RedisCache struct {
	rdb *redis.Client
	now func() time.Time
}

func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb, now: time.Now}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache: get %s: %w", key, err)
	}
	return val, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache: del: %w", err)
	}
	return nil
}

func (c *RedisCache) Increment(ctx context.Context, key string, ttl time.Duration) (Counter, error) {
	vals, err := incrScript.Run(ctx, c.rdb, []string{key}, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return Counter{}, fmt.Errorf("cache: incr %s: %w", key, err)
	}
	return c.counter(vals)
}

func (c *RedisCache) Extend(ctx context.Context, key string, ttl time.Duration) (Counter, error) {
	vals, err := extendScript.Run(ctx, c.rdb, []string{key}, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return Counter{}, fmt.Errorf("cache: extend %s: %w", key, err)
	}
	return c.counter(vals)
}

func (c *RedisCache) Peek(ctx context.Context, key string) (Counter, error) {
	pipe := c.rdb.Pipeline()
	get := pipe.Get(ctx, key)
	pttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Counter{}, fmt.Errorf("cache: peek %s: %w", key, err)
	}

	raw, err := get.Result()
	if errors.Is(err, redis.Nil) {
		return Counter{}, nil
	}
	if err != nil {
		return Counter{}, fmt.Errorf("cache: peek %s: %w", key, err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return Counter{}, fmt.Errorf("cache: %s is not a counter: %w", key, err)
	}
	out := Counter{Count: n}
	if d := pttl.Val(); d > 0 {
		out.ExpiresAt = c.now().Add(d)
	}
	return out, nil
}

// counter разбирает ответ скрипта {count, pttl_ms}.
func (c *RedisCache) counter(vals []int64) (Counter, error) {
	if len(vals) != 2 {
		return Counter{}, fmt.Errorf("cache: unexpected script reply %v", vals)
	}
	out := Counter{Count: vals[0]}
	if vals[1] > 0 {
		out.ExpiresAt = c.now().Add(time.Duration(vals[1]) * time.Millisecond)
	}
	return out, nil
}
