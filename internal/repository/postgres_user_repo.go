package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/crispcolon/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
// 履歴はusers.historyにJSONB配列として保存する。
type PostgresUserRepo struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db, now: time.Now}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user := &model.User{}
	var history []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, name, profile_pic, history, version, created_at, updated_at
		 FROM users WHERE id = $1`,
		id,
	).Scan(&user.ID, &user.Email, &user.Name, &user.ProfilePic, &history, &user.Version, &user.CreatedAt, &user.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}

	if len(history) > 0 {
		if err := json.Unmarshal(history, &user.History); err != nil {
			return nil, fmt.Errorf("failed to decode history of user %s: %w", id, err)
		}
	}

	return user, nil
}

// Save はVersionを条件に更新し、成功するとVersionを1つ進める。
func (r *PostgresUserRepo) Save(ctx context.Context, user *model.User) error {
	history := user.History
	if history == nil {
		history = []model.HistoryEntry{}
	}
	encoded, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}

	updatedAt := r.now().UTC()
	result, err := r.db.ExecContext(ctx,
		`UPDATE users
		 SET email = $1, name = $2, profile_pic = $3, history = $4, version = version + 1, updated_at = $5
		 WHERE id = $6 AND version = $7`,
		user.Email, user.Name, user.ProfilePic, encoded, updatedAt, user.ID, user.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: user %s at version %d", model.ErrVersionConflict, user.ID, user.Version)
	}

	user.Version++
	user.UpdatedAt = updatedAt
	return nil
}
