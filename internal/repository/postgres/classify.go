package postgres

import (
	"context"
	"database/sql/driver"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xela07ax/opgate/internal/domain"
)

// SQLSTATE, при которых повтор безопасен.
var transientCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"57014": true, // query_canceled (statement_timeout)
	"08000": true, // connection_exception
	"08003": true,
	"08006": true,
}

// IsTransient: конфликт блокировок, сериализации или обрыв соединения.
func IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientCodes[pgErr.Code]
	}
	if pgconn.SafeToRetry(err) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Classify оборачивает ошибку инфраструктуры в StoreError нужного класса.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	class := domain.ClassFatal
	if IsTransient(err) {
		class = domain.ClassTransient
	}
	return domain.Wrap(domain.KindStoreError, class, "storage failure", err)
}
