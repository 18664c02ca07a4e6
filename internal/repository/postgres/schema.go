package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema: DDL ядра. audit_logs только на добавление: UPDATE/DELETE запрещены триггером.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_logs (
	seq            BIGSERIAL PRIMARY KEY,
	id             UUID NOT NULL UNIQUE,
	type           TEXT NOT NULL,
	actor_id       TEXT NOT NULL,
	outcome        TEXT NOT NULL,
	severity       TEXT NOT NULL,
	sanitized_data TEXT NOT NULL,
	meta           TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	hash           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_logs_created_idx ON audit_logs (created_at DESC, seq DESC);
CREATE INDEX IF NOT EXISTS audit_logs_actor_idx ON audit_logs (actor_id, created_at DESC);

CREATE OR REPLACE FUNCTION audit_logs_append_only() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'audit_logs is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS audit_logs_no_mutation ON audit_logs;
CREATE TRIGGER audit_logs_no_mutation BEFORE UPDATE OR DELETE ON audit_logs
	FOR EACH ROW EXECUTE FUNCTION audit_logs_append_only();

CREATE TABLE IF NOT EXISTS grants (
	actor_id   TEXT NOT NULL,
	permission TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (actor_id, permission)
);

CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// Migrate применяет Schema. Идемпотентно.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}
