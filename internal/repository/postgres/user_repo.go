package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Credentials: учетные данные для проверки пароля.
type Credentials struct {
	ActorID      string
	Username     string
	PasswordHash string
}

type UserRepo struct {
	db *sql.DB
}

func NewUserRepo(db *sql.DB) *UserRepo {
	return &UserRepo{db: db}
}

// CredentialsByUsername возвращает nil без ошибки, если пользователя нет.
func (r *UserRepo) CredentialsByUsername(ctx context.Context, username string) (*Credentials, error) {
	c := &Credentials{}
	err := Conn(ctx, r.db).QueryRowContext(ctx,
		`SELECT id, username, password_hash FROM users WHERE username = $1`, username,
	).Scan(&c.ActorID, &c.Username, &c.PasswordHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, Classify(fmt.Errorf("get user: %w", err))
	}
	return c, nil
}

// CreateUser сохраняет пользователя с уже посчитанным хешем пароля.
func (r *UserRepo) CreateUser(ctx context.Context, c Credentials) error {
	_, err := Conn(ctx, r.db).ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash) VALUES ($1, $2, $3)`,
		c.ActorID, c.Username, c.PasswordHash)
	if err != nil {
		return Classify(fmt.Errorf("create user: %w", err))
	}
	return nil
}
