package cache

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryCache: реализация для одного процесса и тестов.
// Истечение ленивое: просроченный ключ считается отсутствующим при чтении.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

func NewMemoryCache(now func() time.Time) *MemoryCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryCache{entries: make(map[string]memEntry), now: now}
}

func (c *MemoryCache) lookup(key string, now time.Time) (memEntry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if e.expired(now) {
		delete(c.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(key, c.now())
	if !ok {
		return nil, ErrMiss
	}
	return append([]byte(nil), e.value...), nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.entries[key] = e
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	return nil
}

func (c *MemoryCache) Increment(_ context.Context, key string, ttl time.Duration) (Counter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	e, ok := c.lookup(key, now)
	var n int64
	if ok {
		parsed, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return Counter{}, err
		}
		n = parsed
	} else if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	n++
	e.value = []byte(strconv.FormatInt(n, 10))
	c.entries[key] = e
	return Counter{Count: n, ExpiresAt: e.expiresAt}, nil
}

func (c *MemoryCache) Extend(_ context.Context, key string, ttl time.Duration) (Counter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	e, ok := c.lookup(key, now)
	if !ok {
		return Counter{}, nil
	}
	if target := now.Add(ttl); !e.expiresAt.IsZero() && e.expiresAt.Before(target) {
		e.expiresAt = target
		c.entries[key] = e
	}
	n, _ := strconv.ParseInt(string(e.value), 10, 64)
	return Counter{Count: n, ExpiresAt: e.expiresAt}, nil
}

func (c *MemoryCache) Peek(_ context.Context, key string) (Counter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(key, c.now())
	if !ok {
		return Counter{}, nil
	}
	n, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return Counter{}, err
	}
	return Counter{Count: n, ExpiresAt: e.expiresAt}, nil
}
