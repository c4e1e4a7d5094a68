package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/crispcolon/internal/analysis"
	"github.com/hitoshi/crispcolon/internal/metrics"
	"github.com/hitoshi/crispcolon/internal/middleware"
	"github.com/hitoshi/crispcolon/internal/model"
	"github.com/hitoshi/crispcolon/internal/upload"
)

// UploadReceiver はmultipartリクエストから画像をステージングするインターフェース。
type UploadReceiver interface {
	Receive(w http.ResponseWriter, r *http.Request) (*upload.StagedImage, error)
}

// AnalysisServiceInterface は解析ハンドラーが必要とするサービスインターフェース。
type AnalysisServiceInterface interface {
	// Analyze は画像を推論・保存し、ユーザーの履歴に追記する。
	Analyze(ctx context.Context, userID string, img *upload.StagedImage) (*analysis.Result, error)
	// UpdateProfilePicture は画像を保存し、プロフィール画像URLを更新する。
	UpdateProfilePicture(ctx context.Context, userID string, img *upload.StagedImage) (*analysis.ProfilePictureResult, error)
}

// AnalysisHandler は画像アップロードのHTTPハンドラー。
type AnalysisHandler struct {
	receiver    UploadReceiver
	service     AnalysisServiceInterface
	metrics     metrics.PipelineMetrics
	readTimeout time.Duration
}

// NewAnalysisHandler はAnalysisHandlerを生成する。
// readTimeoutはmultipartの受信に許す時間で、0なら延長しない。
func NewAnalysisHandler(receiver UploadReceiver, service AnalysisServiceInterface, m metrics.PipelineMetrics, readTimeout time.Duration) *AnalysisHandler {
	if m == nil {
		m = metrics.Nop{}
	}
	return &AnalysisHandler{
		receiver:    receiver,
		service:     service,
		metrics:     m,
		readTimeout: readTimeout,
	}
}

// uploadResponse は解析成功時のレスポンス。
type uploadResponse struct {
	Success    bool                  `json:"success"`
	Prediction model.InferenceResult `json:"prediction"`
	User       *userResponse         `json:"user"`
}

// profilePictureResponse はプロフィール画像更新成功時のレスポンス。
type profilePictureResponse struct {
	Success    bool          `json:"success"`
	ProfilePic string        `json:"profilePic"`
	User       *userResponse `json:"user"`
}

// Upload は画像を受け取り、推論結果を返す。
// POST /api/upload
func (h *AnalysisHandler) Upload(w http.ResponseWriter, r *http.Request) {
	identity := middleware.MustIdentity(r.Context())

	img, ok := h.receive(w, r)
	if !ok {
		return
	}

	res, err := h.service.Analyze(r.Context(), identity.UserID, img)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, uploadResponse{
		Success:    true,
		Prediction: res.Prediction,
		User:       toUserResponse(res.User),
	})
}

// UpdatePicture はプロフィール画像を更新する。
// PUT /profile/update-picture
func (h *AnalysisHandler) UpdatePicture(w http.ResponseWriter, r *http.Request) {
	identity := middleware.MustIdentity(r.Context())

	img, ok := h.receive(w, r)
	if !ok {
		return
	}

	res, err := h.service.UpdateProfilePicture(r.Context(), identity.UserID, img)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, profilePictureResponse{
		Success:    true,
		ProfilePic: res.URL,
		User:       toUserResponse(res.User),
	})
}

// receive は受信タイムアウトを設定して画像をステージングする。
// 失敗時はエラーレスポンスを書き込み、falseを返す。
func (h *AnalysisHandler) receive(w http.ResponseWriter, r *http.Request) (*upload.StagedImage, bool) {
	rc := http.NewResponseController(w)
	if h.readTimeout > 0 {
		if err := rc.SetReadDeadline(time.Now().Add(h.readTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			slog.Warn("failed to set upload read deadline", slog.String("error", err.Error()))
		}
	}

	img, err := h.receiver.Receive(w, r)
	if err != nil {
		h.metrics.RecordOutcome(metrics.OutcomeRejected)
		handleServiceError(w, r, err)
		return nil, false
	}

	// 受信後の処理はそれぞれのタイムアウトで制御する
	if h.readTimeout > 0 {
		rc.SetReadDeadline(time.Time{})
	}
	return img, true
}
