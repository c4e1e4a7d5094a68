package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/crispcolon/internal/middleware"
	"github.com/hitoshi/crispcolon/internal/model"
)

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
// 詳細はログにのみ記録し、レスポンスには一般的なメッセージのみを含める。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		apiErr = model.NewAPIError(err)
	}
	statusCode := mapAPIErrorToHTTPStatus(apiErr)

	attrs := []any{
		slog.String("code", apiErr.Code),
		slog.String("path", r.URL.Path),
		slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
		slog.String("error", err.Error()),
	}
	if statusCode >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed", attrs...)
	} else {
		slog.WarnContext(r.Context(), "request rejected", attrs...)
	}

	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeUnauthenticated, model.ErrCodeInvalidCredential:
		return http.StatusUnauthorized
	case model.ErrCodeNoFileProvided, model.ErrCodeUploadInterrupted:
		return http.StatusBadRequest
	case model.ErrCodeFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case model.ErrCodeUnsupportedFileType:
		return http.StatusUnsupportedMediaType
	case model.ErrCodeUserNotFound:
		return http.StatusNotFound
	case model.ErrCodeInferenceUnavailable:
		return http.StatusServiceUnavailable
	case model.ErrCodeInferenceFailed, model.ErrCodeObjectStoreFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
