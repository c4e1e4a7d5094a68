package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/crispcolon/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// フロントエンドが参照するsuccess/errorに、機械判定用のcode/categoryと
// 問い合わせ時に使うrequestIdを加えたもの。
type ErrorResponseBody struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Code      string `json:"code"`
	Category  string `json:"category"`
	RequestID string `json:"requestId,omitempty"`
}

// internalError はpanicや分類外のエラーに対して返す固定の応答。
var internalError = model.APIError{
	Code:     model.ErrCodeInternal,
	Message:  "Internal server error",
	Category: "system",
}

// WriteErrorResponse はapiErrを統一フォーマットで書き込む。
// ロギングミドルウェアが割り当てたリクエストIDがあればボディにも含める。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	if apiErr == nil {
		apiErr = &internalError
	}
	body := ErrorResponseBody{
		Error:     apiErr.Message,
		Code:      apiErr.Code,
		Category:  apiErr.Category,
		RequestID: w.Header().Get(RequestIDHeader),
	}

	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Del("Content-Length")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteInternalServerError は原因を含まない500応答を書き込む。原因はログにのみ残す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &internalError)
}
