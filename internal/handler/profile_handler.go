package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/crispcolon/internal/middleware"
	"github.com/hitoshi/crispcolon/internal/model"
)

// ProfileServiceInterface はプロフィールハンドラーが必要とするサービスインターフェース。
type ProfileServiceInterface interface {
	// Profile はユーザーレコードを返す。存在しない場合はmodel.ErrUserNotFound。
	Profile(ctx context.Context, userID string) (*model.User, error)
}

// ProfileHandler はユーザー情報のHTTPハンドラー。
type ProfileHandler struct {
	service ProfileServiceInterface
}

// NewProfileHandler はProfileHandlerを生成する。
func NewProfileHandler(service ProfileServiceInterface) *ProfileHandler {
	return &ProfileHandler{service: service}
}

// userResponse はユーザー情報のAPIレスポンス。
type userResponse struct {
	ID         string               `json:"id"`
	Email      string               `json:"email"`
	Name       string               `json:"name"`
	ProfilePic string               `json:"profilePic"`
	History    []model.HistoryEntry `json:"history"`
	CreatedAt  time.Time            `json:"createdAt"`
	UpdatedAt  time.Time            `json:"updatedAt"`
}

// toUserResponse はmodel.UserからAPIレスポンスに変換する。nilの場合はnilを返す。
func toUserResponse(u *model.User) *userResponse {
	if u == nil {
		return nil
	}
	history := u.History
	if history == nil {
		history = []model.HistoryEntry{}
	}
	return &userResponse{
		ID:         u.ID,
		Email:      u.Email,
		Name:       u.Name,
		ProfilePic: u.ProfilePic,
		History:    history,
		CreatedAt:  u.CreatedAt,
		UpdatedAt:  u.UpdatedAt,
	}
}

// Profile は呼び出し元のユーザー情報を返す。
// GET /profile
func (h *ProfileHandler) Profile(w http.ResponseWriter, r *http.Request) {
	identity := middleware.MustIdentity(r.Context())

	user, err := h.service.Profile(r.Context(), identity.UserID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toUserResponse(user))
}

// CheckAuth は資格情報が有効であることを返す。
// GET /check-auth
func (h *ProfileHandler) CheckAuth(w http.ResponseWriter, r *http.Request) {
	identity := middleware.MustIdentity(r.Context())

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Authenticated",
		"user":    map[string]string{"id": identity.UserID},
	})
}
