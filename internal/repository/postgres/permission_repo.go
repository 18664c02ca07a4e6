package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// Grant: право актора. ActorID "*" выдает право всем.
type Grant struct {
	ActorID    string
	Permission string
}

// PermissionRepo хранит выданные права. Горячий путь читает их из памяти
// (auth.MemoChecker), сюда обращается только Refresh и точечная проверка.
type PermissionRepo struct {
	db *sql.DB
}

func NewPermissionRepo(db *sql.DB) *PermissionRepo {
	return &PermissionRepo{db: db}
}

// Has: прямая проверка в БД: персональное право или выданное всем.
func (r *PermissionRepo) Has(ctx context.Context, actorID, permission string) (bool, error) {
	var n int
	err := Conn(ctx, r.db).QueryRowContext(ctx, `
		SELECT COUNT(*) FROM grants
		WHERE (actor_id = $1 OR actor_id = '*') AND permission = $2`,
		actorID, permission).Scan(&n)
	if err != nil {
		return false, Classify(fmt.Errorf("has permission: %w", err))
	}
	return n > 0, nil
}

// AllGrants: холодная загрузка всего набора прав.
func (r *PermissionRepo) AllGrants(ctx context.Context) ([]Grant, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT actor_id, permission FROM grants`)
	if err != nil {
		return nil, Classify(fmt.Errorf("load grants: %w", err))
	}
	defer rows.Close()

	var out []Grant
	for rows.Next() {
		var g Grant
		if err := rows.Scan(&g.ActorID, &g.Permission); err != nil {
			return nil, Classify(fmt.Errorf("scan grant: %w", err))
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// GrantPermission идемпотентно выдает право. Участвует в транзакции из контекста.
func (r *PermissionRepo) GrantPermission(ctx context.Context, actorID, permission string) error {
	_, err := Conn(ctx, r.db).ExecContext(ctx, `
		INSERT INTO grants (actor_id, permission) VALUES ($1, $2)
		ON CONFLICT (actor_id, permission) DO NOTHING`, actorID, permission)
	if err != nil {
		return Classify(fmt.Errorf("grant permission: %w", err))
	}
	return nil
}

// RevokePermission отзывает право. Участвует в транзакции из контекста.
func (r *PermissionRepo) RevokePermission(ctx context.Context, actorID, permission string) error {
	_, err := Conn(ctx, r.db).ExecContext(ctx,
		`DELETE FROM grants WHERE actor_id = $1 AND permission = $2`, actorID, permission)
	if err != nil {
		return Classify(fmt.Errorf("revoke permission: %w", err))
	}
	return nil
}
