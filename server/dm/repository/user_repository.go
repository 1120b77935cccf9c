package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"dm_server/server/common/infra/db"
	"dm_server/server/dm/domain"
)

type UserRepository struct {
	db *db.DB
}

func NewUserRepository(database *db.DB) *UserRepository {
	return &UserRepository{db: database}
}

func (r *UserRepository) Create(ctx context.Context, user domain.User) (domain.User, error) {
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO users(user_id, display_name, password_hash)
		VALUES($1, $2, $3)
		RETURNING created_at
	`, user.ID, user.DisplayName, user.PasswordHash).Scan(&user.CreatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return domain.User{}, fmt.Errorf("%w: user %s already exists", domain.ErrConflict, user.ID)
		}
		return domain.User{}, storageErr("create user", err)
	}
	return user, nil
}

func (r *UserRepository) GetByID(ctx context.Context, userID string) (domain.User, error) {
	var user domain.User
	err := r.db.Pool.QueryRow(ctx, `
		SELECT user_id, display_name, password_hash, created_at
		FROM users
		WHERE user_id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, fmt.Errorf("%w: user %s", domain.ErrNotFound, userID)
		}
		return domain.User{}, storageErr("get user", err)
	}
	return user, nil
}

func (r *UserRepository) Exists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE user_id=$1)`, userID).Scan(&exists)
	if err != nil {
		return false, storageErr("check user", err)
	}
	return exists, nil
}
