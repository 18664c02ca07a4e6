package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/opgate/internal/infra"
)

// LockoutManager: блокировка акторов после эскалации.
// Источник истины — Redis set, каждый инстанс держит L1 копию в памяти
// и обновляет ее по сигналам pub/sub. Без Redis работает только L1.
type LockoutManager struct {
	mu     sync.RWMutex
	locked map[string]struct{}
	rdb    *redis.Client
	logger *zap.Logger
}

func NewLockoutManager(rdb *redis.Client, logger *zap.Logger) *LockoutManager {
	return &LockoutManager{
		locked: make(map[string]struct{}),
		rdb:    rdb,
		logger: logger.Named("lockout"),
	}
}

// Init загружает текущее состояние блокировок (при старте и после переподключения).
func (m *LockoutManager) Init(ctx context.Context) error {
	if m.rdb == nil {
		return nil
	}
	actors, err := m.rdb.SMembers(ctx, infra.RedisKeyLockedActors).Result()
	if err != nil {
		return fmt.Errorf("lockout: load: %w", err)
	}

	fresh := make(map[string]struct{}, len(actors))
	for _, id := range actors {
		fresh[id] = struct{}{}
	}
	m.mu.Lock()
	m.locked = fresh
	m.mu.Unlock()

	m.logger.Info("lockout state loaded", zap.Int("count", len(fresh)))
	return nil
}

// IsLocked: горячий путь, только память.
func (m *LockoutManager) IsLocked(actorID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.locked[actorID]
	return ok
}

// Lock блокирует актора во всем кластере.
func (m *LockoutManager) Lock(ctx context.Context, actorID, reason string) error {
	m.apply(actorID, true)
	m.logger.Warn("actor locked out", zap.String("actor_id", actorID), zap.String("reason", reason))
	return m.publish(ctx, actorID, true)
}

// Unlock снимает блокировку (ручное действие оператора).
func (m *LockoutManager) Unlock(ctx context.Context, actorID string) error {
	m.apply(actorID, false)
	m.logger.Info("actor unlocked", zap.String("actor_id", actorID))
	return m.publish(ctx, actorID, false)
}

// Run держит подписку на сигналы блокировок до отмены ctx.
func (m *LockoutManager) Run(ctx context.Context) {
	if m.rdb == nil {
		return
	}
	followLockSignals(ctx, m.rdb, m.logger, infra.RedisChanLockout,
		func() error { return m.Init(ctx) },
		func(sig lockSignal) { m.apply(sig.actorID, sig.locked) },
	)
}

func (m *LockoutManager) apply(actorID string, locked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if locked {
		m.locked[actorID] = struct{}{}
	} else {
		delete(m.locked, actorID)
	}
}

func (m *LockoutManager) publish(ctx context.Context, actorID string, locked bool) error {
	if m.rdb == nil {
		return nil
	}
	_, err := m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if locked {
			pipe.SAdd(ctx, infra.RedisKeyLockedActors, actorID)
		} else {
			pipe.SRem(ctx, infra.RedisKeyLockedActors, actorID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("lockout: persist: %w", err)
	}
	if err := m.rdb.Publish(ctx, infra.RedisChanLockout, formatLockSignal(actorID, locked)).Err(); err != nil {
		return fmt.Errorf("lockout: publish: %w", err)
	}
	return nil
}
