package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/opgate/internal/cache"
	"github.com/xela07ax/opgate/internal/domain"
	"github.com/xela07ax/opgate/internal/infra"
	"go.uber.org/zap"
)

// ErrResetNotAllowed: класс операции не допускает явного сброса счетчика.
var ErrResetNotAllowed = errors.New("ratelimit: reset is not allowed for this operation class")

// Policy: ограничения для класса операций.
type Policy struct {
	MaxAttempts int64
	Window      time.Duration
	// Lockout > 0 включает продление окна после превышения (логин и подобные операции)
	Lockout        time.Duration
	ResetOnSuccess bool
}

// Key: счетчик ведется по паре (актор, операция).
type Key struct {
	ActorID   string
	Operation string
}

func (k Key) String() string { return infra.RateLimitKey(k.ActorID, k.Operation) }

// Status: снимок счетчика для вызывающего.
type Status struct {
	Key       Key
	Count     int64
	Limit     int64
	ExpiresAt time.Time
	Locked    bool
}

type Limiter struct {
	cache   cache.Cache
	def     Policy
	classes map[string]Policy
	logger  *zap.Logger
}

func NewLimiter(c cache.Cache, def Policy, classes map[string]Policy, logger *zap.Logger) *Limiter {
	if classes == nil {
		classes = make(map[string]Policy)
	}
	return &Limiter{
		cache:   c,
		def:     def,
		classes: classes,
		logger:  logger.Named("ratelimit"),
	}
}

// PolicyFor возвращает политику класса или политику по умолчанию.
func (l *Limiter) PolicyFor(operation string) Policy {
	if p, ok := l.classes[operation]; ok {
		return p
	}
	return l.def
}

// CheckAndIncrement: атомарная проверка с увеличением за один round trip.
// Превышение возвращает domain.ErrRateLimitExceeded; для классов с Lockout окно продлевается.
func (l *Limiter) CheckAndIncrement(ctx context.Context, key Key) (Status, error) {
	p := l.PolicyFor(key.Operation)

	c, err := l.cache.Increment(ctx, key.String(), p.Window)
	if err != nil {
		return Status{Key: key, Limit: p.MaxAttempts}, domain.Wrap(domain.KindStoreError, domain.ClassTransient, "rate limit store unavailable", err)
	}

	st := Status{Key: key, Count: c.Count, Limit: p.MaxAttempts, ExpiresAt: c.ExpiresAt}
	if c.Count <= p.MaxAttempts {
		return st, nil
	}

	st.Locked = true
	if p.Lockout > 0 {
		ext, err := l.cache.Extend(ctx, key.String(), p.Lockout)
		if err != nil {
			l.logger.Warn("lockout extension failed", zap.String("key", key.String()), zap.Error(err))
		} else if !ext.ExpiresAt.IsZero() {
			st.ExpiresAt = ext.ExpiresAt
		}
	}

	l.logger.Info("rate limit exceeded",
		zap.String("actor_id", key.ActorID),
		zap.String("operation", key.Operation),
		zap.Int64("count", c.Count),
		zap.Int64("limit", p.MaxAttempts),
		zap.Time("expires_at", st.ExpiresAt),
	)
	return st, domain.NewError(domain.KindRateLimitExceeded,
		fmt.Sprintf("too many attempts for %s, retry after %s", key.Operation, st.ExpiresAt.Format(time.RFC3339)))
}

// Status читает счетчик без увеличения. Locked == true до естественного истечения окна.
func (l *Limiter) Status(ctx context.Context, key Key) (Status, error) {
	p := l.PolicyFor(key.Operation)
	c, err := l.cache.Peek(ctx, key.String())
	if err != nil {
		return Status{}, fmt.Errorf("ratelimit: status: %w", err)
	}
	return Status{
		Key:       key,
		Count:     c.Count,
		Limit:     p.MaxAttempts,
		ExpiresAt: c.ExpiresAt,
		Locked:    c.Count > p.MaxAttempts,
	}, nil
}

// Reset: единственный явный сброс: успешное терминальное состояние у класса с ResetOnSuccess.
func (l *Limiter) Reset(ctx context.Context, key Key) error {
	if !l.PolicyFor(key.Operation).ResetOnSuccess {
		return ErrResetNotAllowed
	}
	if err := l.cache.Delete(ctx, key.String()); err != nil {
		return fmt.Errorf("ratelimit: reset: %w", err)
	}
	return nil
}

// FromConfig собирает политики из секции ratelimit.
func FromConfig(cfg infra.RateLimitConfig) (Policy, map[string]Policy) {
	classes := make(map[string]Policy, len(cfg.Classes))
	for name, c := range cfg.Classes {
		classes[name] = policyOf(c)
	}
	return policyOf(cfg.Default), classes
}

func policyOf(c infra.RateLimitClass) Policy {
	return Policy{
		MaxAttempts:    c.MaxAttempts,
		Window:         c.Window,
		Lockout:        c.Lockout,
		ResetOnSuccess: c.ResetOnSuccess,
	}
}
