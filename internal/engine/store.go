package engine

import (
	"context"

	"github.com/xela07ax/opgate/internal/repository/postgres"
)

// Tx: корневая транзакция или точка сохранения.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Nested() bool
}

// Store открывает транзакции. Если в ctx уже есть транзакция, Begin обязан
// вернуть точку сохранения внутри нее.
type Store interface {
	Begin(ctx context.Context) (context.Context, Tx, error)
}

// PostgresStore адаптирует postgres.Store к интерфейсу исполнителя.
type PostgresStore struct {
	*postgres.Store
}

func (s PostgresStore) Begin(ctx context.Context) (context.Context, Tx, error) {
	txCtx, tx, err := s.Store.Begin(ctx)
	if err != nil {
		return ctx, nil, err
	}
	return txCtx, tx, nil
}

// NopStore: для операций без базы данных: транзакция ничего не делает,
// вложенность отслеживается через ctx.
type NopStore struct{}

type nopTxKey struct{}

type nopTx struct{ nested bool }

func (nopTx) Commit(context.Context) error   { return nil }
func (nopTx) Rollback(context.Context) error { return nil }
func (t nopTx) Nested() bool                 { return t.nested }

func (NopStore) Begin(ctx context.Context) (context.Context, Tx, error) {
	_, nested := ctx.Value(nopTxKey{}).(nopTx)
	tx := nopTx{nested: nested}
	return context.WithValue(ctx, nopTxKey{}, tx), tx, nil
}
