package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// backend: кэш плюс способ "перемотать" время для проверки истечения.
type backend struct {
	name    string
	cache   Cache
	advance func(time.Duration)
}

func backends(t *testing.T) []backend {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}

	return []backend{
		{name: "redis", cache: NewRedisCache(rdb), advance: mr.FastForward},
		{name: "memory", cache: NewMemoryCache(clock.Now), advance: clock.Advance},
	}
}

func TestCache_GetSetDelete(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()

			_, err := b.cache.Get(ctx, "k")
			assert.ErrorIs(t, err, ErrMiss)

			require.NoError(t, b.cache.Set(ctx, "k", []byte("v"), time.Minute))
			got, err := b.cache.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, []byte("v"), got)

			require.NoError(t, b.cache.Delete(ctx, "k"))
			_, err = b.cache.Get(ctx, "k")
			assert.ErrorIs(t, err, ErrMiss)
		})
	}
}

func TestCache_SetExpires(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.cache.Set(ctx, "k", []byte("v"), time.Second))

			b.advance(2 * time.Second)

			_, err := b.cache.Get(ctx, "k")
			assert.ErrorIs(t, err, ErrMiss)
		})
	}
}

func TestCache_IncrementWindow(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()

			for want := int64(1); want <= 3; want++ {
				c, err := b.cache.Increment(ctx, "ctr", time.Minute)
				require.NoError(t, err)
				assert.Equal(t, want, c.Count)
				assert.False(t, c.ExpiresAt.IsZero())
			}

			// окно истекло — счет начинается заново
			b.advance(61 * time.Second)

			c, err := b.cache.Increment(ctx, "ctr", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, int64(1), c.Count)
		})
	}
}

func TestCache_ExtendAndPeek(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()

			peek, err := b.cache.Peek(ctx, "missing")
			require.NoError(t, err)
			assert.Zero(t, peek.Count)

			_, err = b.cache.Increment(ctx, "ctr", time.Minute)
			require.NoError(t, err)

			ext, err := b.cache.Extend(ctx, "ctr", time.Hour)
			require.NoError(t, err)
			assert.Equal(t, int64(1), ext.Count)

			// исходное окно прошло, но продление держит ключ
			b.advance(2 * time.Minute)
			peek, err = b.cache.Peek(ctx, "ctr")
			require.NoError(t, err)
			assert.Equal(t, int64(1), peek.Count)

			b.advance(time.Hour)
			peek, err = b.cache.Peek(ctx, "ctr")
			require.NoError(t, err)
			assert.Zero(t, peek.Count)
		})
	}
}

func TestCache_IncrementConcurrent(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			const workers = 50

			var wg sync.WaitGroup
			seen := make(chan int64, workers)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					c, err := b.cache.Increment(ctx, "hot", time.Minute)
					if assert.NoError(t, err) {
						seen <- c.Count
					}
				}()
			}
			wg.Wait()
			close(seen)

			// каждое значение выдано ровно один раз
			uniq := make(map[int64]bool)
			for v := range seen {
				assert.False(t, uniq[v], "duplicate count %d", v)
				uniq[v] = true
			}
			assert.Len(t, uniq, workers)
		})
	}
}
