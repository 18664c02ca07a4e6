// Package pgtest поднимает in-memory SQLite с той же схемой, что и в PostgreSQL,
// для тестов транзакций, точек сохранения и журнала.
package pgtest

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// Schema: SQLite вариант postgres.Schema плюс таблица documents для тестовых операций.
const Schema = `
CREATE TABLE audit_logs (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	id             TEXT NOT NULL UNIQUE,
	type           TEXT NOT NULL,
	actor_id       TEXT NOT NULL,
	outcome        TEXT NOT NULL,
	severity       TEXT NOT NULL,
	sanitized_data TEXT NOT NULL,
	meta           TEXT NOT NULL,
	created_at     TIMESTAMP NOT NULL,
	hash           TEXT NOT NULL
);
CREATE TRIGGER audit_logs_no_update BEFORE UPDATE ON audit_logs
BEGIN SELECT RAISE(ABORT, 'audit_logs is append-only'); END;
CREATE TRIGGER audit_logs_no_delete BEFORE DELETE ON audit_logs
BEGIN SELECT RAISE(ABORT, 'audit_logs is append-only'); END;

CREATE TABLE grants (
	actor_id   TEXT NOT NULL,
	permission TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (actor_id, permission)
);

CREATE TABLE users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE documents (
	id    TEXT PRIMARY KEY,
	title TEXT NOT NULL
);
`

// OpenSQLite: одно соединение: in-memory база живет, пока оно открыто.
// Чтение мимо открытой транзакции в таком режиме блокируется.
func OpenSQLite(t testing.TB) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.Exec(Schema); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return db
}

// CountRows: число строк по условию, для проверок отката.
func CountRows(t testing.TB, db *sql.DB, query string, args ...any) int {
	t.Helper()
	var n int
	if err := db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}
