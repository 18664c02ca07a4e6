package engine

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/opgate/internal/domain"
)

// beginPolicy: повтор открытия транзакции при временных отказах хранилища.
type beginPolicy struct {
	attempts uint
	delay    time.Duration
	maxDelay time.Duration
}

var defaultBeginPolicy = beginPolicy{attempts: 3, delay: 25 * time.Millisecond, maxDelay: 250 * time.Millisecond}

// beginTx открывает транзакцию (или точку сохранения). Повторяются только
// временные отказы: сериализация, дедлок, недоступность соединения.
func (e *Executor) beginTx(ctx context.Context) (context.Context, Tx, error) {
	var (
		txCtx context.Context
		tx    Tx
	)
	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(e.begin.attempts),
		retry.Delay(e.begin.delay),
		retry.MaxDelay(e.begin.maxDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(domain.IsTransient),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			return retry.BackOffDelay(n, err, config)
		}),
		retry.OnRetry(func(n uint, err error) {
			e.logger.Warn("begin transaction failed, retrying", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	).Do(func() error {
		c, t, err := e.store.Begin(ctx)
		if err != nil {
			return err
		}
		txCtx, tx = c, t
		return nil
	})
	if err != nil {
		var de *domain.Error
		if errors.As(err, &de) {
			return ctx, nil, de
		}
		class := domain.ClassFatal
		if domain.IsTransient(err) {
			class = domain.ClassTransient
		}
		return ctx, nil, domain.Wrap(domain.KindStoreError, class, "could not open transaction", err)
	}
	return txCtx, tx, nil
}
