// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/crispcolon/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// Save はユーザーのプロフィールと履歴を保存する。
	// 読み込み時のVersionと一致しない場合はmodel.ErrVersionConflictを返す。
	// 成功するとuser.Versionとuser.UpdatedAtを更新する。
	Save(ctx context.Context, user *model.User) error
}
