package auth

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/opgate/internal/repository/postgres"
)

// GrantSource: источник прав (postgres.PermissionRepo).
type GrantSource interface {
	AllGrants(ctx context.Context) ([]postgres.Grant, error)
}

// MemoChecker: права в памяти. Горячий путь не ходит в БД,
// набор прав целиком перечитывается из GrantSource.
type MemoChecker struct {
	mu sync.RWMutex
	// "actor_id:permission"
	grants map[string]struct{}
	loaded bool

	source GrantSource
	logger *zap.Logger
}

func NewMemoChecker(source GrantSource, logger *zap.Logger) *MemoChecker {
	return &MemoChecker{
		grants: make(map[string]struct{}),
		source: source,
		logger: logger.Named("permissions"),
	}
}

// Has: персональное право, право для всех ("*") или полный доступ актора ("*").
// До первой успешной загрузки отвечает ошибкой, и гейт отказывает.
func (m *MemoChecker) Has(_ context.Context, actorID, permission string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.loaded {
		return false, ErrNotLoaded
	}
	for _, key := range []string{
		actorID + ":" + permission,
		"*:" + permission,
		actorID + ":*",
	} {
		if _, ok := m.grants[key]; ok {
			return true, nil
		}
	}
	return false, nil
}

// Refresh: холодная загрузка всех прав.
func (m *MemoChecker) Refresh(ctx context.Context) error {
	list, err := m.source.AllGrants(ctx)
	if err != nil {
		return err
	}

	fresh := make(map[string]struct{}, len(list))
	for _, g := range list {
		fresh[g.ActorID+":"+g.Permission] = struct{}{}
	}

	m.mu.Lock()
	m.grants = fresh
	m.loaded = true
	m.mu.Unlock()

	m.logger.Info("permission cache refreshed", zap.Int("count", len(fresh)))
	return nil
}

// Run перечитывает права с интервалом до отмены ctx. Ошибка оставляет прежний набор.
func (m *MemoChecker) Run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := m.Refresh(ctx); err != nil {
				m.logger.Error("permission refresh failed", zap.Error(err))
			}
		}
	}
}
