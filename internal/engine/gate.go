package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xela07ax/opgate/internal/domain"
	"github.com/xela07ax/opgate/internal/ratelimit"
)

// PermissionChecker отвечает, есть ли у актора право.
type PermissionChecker interface {
	Has(ctx context.Context, actorID, permission string) (bool, error)
}

// Validator проверяет полезную нагрузку по правилам операции.
type Validator interface {
	Validate(payload map[string]any, rules string) error
}

// LockChecker: блокировки после эскалации.
type LockChecker interface {
	IsLocked(actorID string) bool
}

// Gate: проверки до открытия транзакции. Побочных эффектов при отказе нет,
// кроме увеличения счетчика попыток.
type Gate struct {
	perms     PermissionChecker
	validator Validator
	locks     LockChecker
	limiter   *ratelimit.Limiter
	logger    *zap.Logger

	mu    sync.RWMutex
	rules map[string]string // операция -> правила валидации
}

func NewGate(perms PermissionChecker, limiter *ratelimit.Limiter, logger *zap.Logger) *Gate {
	return &Gate{
		perms:   perms,
		limiter: limiter,
		logger:  logger.Named("gate"),
		rules:   make(map[string]string),
	}
}

// WithValidator подключает проверку payload.
func (g *Gate) WithValidator(v Validator) *Gate {
	g.validator = v
	return g
}

// WithLocks подключает проверку блокировок акторов.
func (g *Gate) WithLocks(l LockChecker) *Gate {
	g.locks = l
	return g
}

// SetRules задает правила валидации payload для операции.
func (g *Gate) SetRules(operation, rules string) {
	g.mu.Lock()
	g.rules[operation] = rules
	g.mu.Unlock()
}

// Check: полная проверка: структура, права, лимит.
func (g *Gate) Check(ctx context.Context, sc domain.SecurityContext) error {
	if err := g.Validate(sc); err != nil {
		return err
	}
	if err := g.Authorize(ctx, sc); err != nil {
		return err
	}
	_, err := g.Limit(ctx, sc)
	return err
}

// Validate: обязательные поля и правила payload.
func (g *Gate) Validate(sc domain.SecurityContext) error {
	if err := sc.Validate(); err != nil {
		return err
	}

	g.mu.RLock()
	rules, ok := g.rules[sc.OperationName()]
	g.mu.RUnlock()
	if !ok || g.validator == nil {
		return nil
	}
	if err := g.validator.Validate(sc.Payload(), rules); err != nil {
		return domain.Wrap(domain.KindMalformedContext, domain.ClassNone, "payload does not satisfy operation rules", err)
	}
	return nil
}

// Authorize требует все права из RequiredPermissions. Недоступный источник прав — отказ.
func (g *Gate) Authorize(ctx context.Context, sc domain.SecurityContext) error {
	if g.locks != nil && g.locks.IsLocked(sc.ActorID()) {
		return domain.NewError(domain.KindPermissionDenied, "actor is locked out").WithTags("locked")
	}

	for _, perm := range sc.RequiredPermissions() {
		ok, err := g.perms.Has(ctx, sc.ActorID(), perm)
		if err != nil {
			g.logger.Error("permission check failed, denying",
				zap.String("actor_id", sc.ActorID()),
				zap.String("permission", perm),
				zap.Error(err),
			)
			return domain.Wrap(domain.KindPermissionDenied, domain.ClassTransient, "permission source unavailable", err)
		}
		if !ok {
			return domain.NewError(domain.KindPermissionDenied, fmt.Sprintf("missing permission %s", perm))
		}
	}
	return nil
}

// Limit: атомарная проверка с увеличением счетчика (actor, operation).
func (g *Gate) Limit(ctx context.Context, sc domain.SecurityContext) (ratelimit.Status, error) {
	if g.limiter == nil {
		return ratelimit.Status{}, nil
	}
	return g.limiter.CheckAndIncrement(ctx, ratelimitKey(sc))
}

func ratelimitKey(sc domain.SecurityContext) ratelimit.Key {
	return ratelimit.Key{ActorID: sc.ActorID(), Operation: sc.OperationName()}
}
