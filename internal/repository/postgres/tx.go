package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Querier: общее для *sql.DB и *Tx. Репозитории пишут через него,
// чтобы автоматически попадать в текущую транзакцию.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

// Tx: корневая транзакция или точка сохранения внутри нее.
// Вложенные Tx разделяют одно соединение и не предназначены для параллельного использования.
// Завершенная точка сохранения (и все, что открыто внутри нее) больше не пишет:
// иначе брошенная по таймауту операция попала бы в транзакцию родителя.
type Tx struct {
	sqlTx     *sql.Tx
	savepoint string // пусто у корня
	parent    *Tx
	counter   *atomic.Int64
	gate      *sync.RWMutex // общий на дерево: запросы против завершения точек
	done      atomic.Bool
	logger    *zap.Logger
}

// closed: завершена сама Tx или кто-то из предков.
func (t *Tx) closed() bool {
	for cur := t; cur != nil; cur = cur.parent {
		if cur.done.Load() {
			return true
		}
	}
	return false
}

// TxFromContext возвращает текущую (самую внутреннюю) транзакцию.
func TxFromContext(ctx context.Context) (*Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*Tx)
	return tx, ok && tx != nil
}

// Conn: транзакция из контекста, иначе пул.
func Conn(ctx context.Context, db *sql.DB) Querier {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return db
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	t.gate.RLock()
	defer t.gate.RUnlock()
	if t.closed() {
		return nil, sql.ErrTxDone
	}
	return t.sqlTx.ExecContext(ctx, query, args...)
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	t.gate.RLock()
	defer t.gate.RUnlock()
	if t.closed() {
		return nil, sql.ErrTxDone
	}
	return t.sqlTx.QueryContext(ctx, query, args...)
}

// QueryRowContext у завершенной Tx отдает строку с ошибкой context.Canceled:
// *sql.Row с произвольной ошибкой снаружи database/sql не собрать.
func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	t.gate.RLock()
	defer t.gate.RUnlock()
	if t.closed() {
		dead, cancel := context.WithCancel(ctx)
		cancel()
		return t.sqlTx.QueryRowContext(dead, query, args...)
	}
	return t.sqlTx.QueryRowContext(ctx, query, args...)
}

// Nested: true для точки сохранения.
func (t *Tx) Nested() bool { return t.savepoint != "" }

// Commit фиксирует корень или освобождает точку сохранения.
func (t *Tx) Commit(ctx context.Context) error {
	t.gate.Lock()
	defer t.gate.Unlock()
	if !t.done.CompareAndSwap(false, true) {
		return sql.ErrTxDone
	}
	if t.Nested() {
		if _, err := t.sqlTx.ExecContext(ctx, "RELEASE SAVEPOINT "+t.savepoint); err != nil {
			return Classify(fmt.Errorf("release %s: %w", t.savepoint, err))
		}
		return nil
	}
	if err := t.sqlTx.Commit(); err != nil {
		return Classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Rollback откатывает корень целиком или изменения после точки сохранения.
// Повторный вызов — no-op.
func (t *Tx) Rollback(ctx context.Context) error {
	t.gate.Lock()
	defer t.gate.Unlock()
	if !t.done.CompareAndSwap(false, true) {
		return nil
	}
	if t.Nested() {
		// откат должен пройти даже после отмены контекста операции
		rctx := context.WithoutCancel(ctx)
		if _, err := t.sqlTx.ExecContext(rctx, "ROLLBACK TO SAVEPOINT "+t.savepoint); err != nil {
			return Classify(fmt.Errorf("rollback to %s: %w", t.savepoint, err))
		}
		if _, err := t.sqlTx.ExecContext(rctx, "RELEASE SAVEPOINT "+t.savepoint); err != nil {
			t.logger.Warn("release after rollback failed", zap.String("savepoint", t.savepoint), zap.Error(err))
		}
		return nil
	}
	if err := t.sqlTx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return Classify(fmt.Errorf("rollback: %w", err))
	}
	return nil
}

// Store открывает транзакции. Повторный Begin при наличии транзакции в контексте
// создает точку сохранения: фиксирует и откатывает корень только внешний вызов.
type Store struct {
	db     *sql.DB
	opts   *sql.TxOptions
	logger *zap.Logger
}

func NewStore(db *sql.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger.Named("store")}
}

// WithIsolation задает уровень изоляции корневых транзакций.
func (s *Store) WithIsolation(level sql.IsolationLevel) *Store {
	cp := *s
	cp.opts = &sql.TxOptions{Isolation: level}
	return &cp
}

func (s *Store) DB() *sql.DB { return s.db }

// Begin возвращает контекст, несущий новую транзакцию.
func (s *Store) Begin(ctx context.Context) (context.Context, *Tx, error) {
	if parent, ok := TxFromContext(ctx); ok {
		name := fmt.Sprintf("sp_%d", parent.counter.Add(1))
		if _, err := parent.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
			return ctx, nil, Classify(fmt.Errorf("savepoint: %w", err))
		}
		tx := &Tx{sqlTx: parent.sqlTx, savepoint: name, parent: parent, counter: parent.counter, gate: parent.gate, logger: s.logger}
		return context.WithValue(ctx, txKey{}, tx), tx, nil
	}

	// Транзакция не привязана к ctx операции: откат по таймауту делает Rollback явно.
	sqlTx, err := s.db.BeginTx(context.WithoutCancel(ctx), s.opts)
	if err != nil {
		return ctx, nil, Classify(fmt.Errorf("begin: %w", err))
	}
	tx := &Tx{sqlTx: sqlTx, counter: new(atomic.Int64), gate: new(sync.RWMutex), logger: s.logger}
	return context.WithValue(ctx, txKey{}, tx), tx, nil
}
