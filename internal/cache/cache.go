// Package cache: разделяемое эфемерное хранилище: счетчики лимитов и кэш оценки угроз.
// Все мутации счетчиков атомарны на стороне хранилища (без read-modify-write в клиенте).
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss: ключ отсутствует или истек.
var ErrMiss = errors.New("cache: miss")

// Counter: значение счетчика и момент его естественного истечения.
// Нулевой ExpiresAt означает бессрочный ключ.
type Counter struct {
	Count     int64
	ExpiresAt time.Time
}

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error

	// Increment атомарно увеличивает счетчик за один round trip.
	// TTL выставляется только при создании ключа: окно не сдвигается последующими попытками.
	Increment(ctx context.Context, key string, ttl time.Duration) (Counter, error)

	// Extend продлевает жизнь ключа до ttl, если текущий остаток короче.
	Extend(ctx context.Context, key string, ttl time.Duration) (Counter, error)

	// Peek читает счетчик без увеличения. Истекший ключ — нулевой Counter.
	Peek(ctx context.Context, key string) (Counter, error)
}
