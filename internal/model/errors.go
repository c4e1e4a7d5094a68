// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// パイプラインのエラー分類。
// 各層は fmt.Errorf("%w: ...") でラップして返し、ハンドラーが errors.Is で判定する。
var (
	// ErrUnauthenticated は資格情報が提示されていないことを示す。
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrInvalidCredential は資格情報が不正・期限切れであることを示す。
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrNoFileProvided はmultipartにファイルが含まれていないことを示す。
	ErrNoFileProvided = errors.New("no file provided")
	// ErrFileTooLarge はファイルサイズが上限を超えたことを示す。
	ErrFileTooLarge = errors.New("file too large")
	// ErrUnsupportedFileType は許可されていないContent-Typeであることを示す。
	ErrUnsupportedFileType = errors.New("unsupported file type")
	// ErrUploadInterrupted はアップロードの受信が途中で失敗した（切断・読み取りタイムアウト）ことを示す。
	ErrUploadInterrupted = errors.New("upload interrupted")

	// ErrInferenceUnavailable は推論サービスに到達できない（接続失敗・タイムアウト）ことを示す。
	ErrInferenceUnavailable = errors.New("inference service unavailable")
	// ErrInferenceService は推論サービスの応答が契約に違反していることを示す。
	ErrInferenceService = errors.New("inference service error")

	// ErrObjectStore はオブジェクトストレージへの保存失敗を示す。
	ErrObjectStore = errors.New("object store error")

	// ErrUserNotFound はユーザーレコードが存在しないことを示す。
	// アップロードパイプラインでは致命的エラーとして扱わない。
	ErrUserNotFound = errors.New("user not found")
	// ErrRecordSave はユーザーレコードの保存失敗を示す。
	ErrRecordSave = errors.New("record save error")

	// ErrVersionConflict は楽観的排他制御でバージョンが一致しなかったことを示す。
	ErrVersionConflict = errors.New("version conflict")
)

// APIError はクライアントに返すエラー情報を表す。
// 詳細な原因はログにのみ記録し、Messageには一般的な文言のみを含める。
type APIError struct {
	Code     string // エラーコード
	Message  string // ユーザー向けメッセージ
	Category string // カテゴリ: auth, validation, inference, storage, system
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthenticated      = "UNAUTHENTICATED"
	ErrCodeInvalidCredential    = "INVALID_CREDENTIAL"
	ErrCodeNoFileProvided       = "NO_FILE_PROVIDED"
	ErrCodeFileTooLarge         = "FILE_TOO_LARGE"
	ErrCodeUnsupportedFileType  = "UNSUPPORTED_FILE_TYPE"
	ErrCodeUploadInterrupted    = "UPLOAD_INTERRUPTED"
	ErrCodeInferenceUnavailable = "INFERENCE_UNAVAILABLE"
	ErrCodeInferenceFailed      = "INFERENCE_FAILED"
	ErrCodeObjectStoreFailed    = "OBJECT_STORE_FAILED"
	ErrCodeUserNotFound         = "USER_NOT_FOUND"
	ErrCodeRecordSaveFailed     = "RECORD_SAVE_FAILED"
	ErrCodeInternal             = "INTERNAL_ERROR"

	// ミドルウェアが直接返すコード
	ErrCodeCSRFValidationFailed = "CSRF_VALIDATION_FAILED"
	ErrCodeRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
)

// NewAPIError はエラー分類からAPIErrorを生成する。
// 分類に該当しないエラーはINTERNAL_ERRORとして扱う。
func NewAPIError(err error) *APIError {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return &APIError{Code: ErrCodeUnauthenticated, Message: "Unauthorized (no token)", Category: "auth"}
	case errors.Is(err, ErrInvalidCredential):
		return &APIError{Code: ErrCodeInvalidCredential, Message: "Invalid or expired token", Category: "auth"}
	case errors.Is(err, ErrNoFileProvided):
		return &APIError{Code: ErrCodeNoFileProvided, Message: "No file provided", Category: "validation"}
	case errors.Is(err, ErrFileTooLarge):
		return &APIError{Code: ErrCodeFileTooLarge, Message: "File is too large", Category: "validation"}
	case errors.Is(err, ErrUnsupportedFileType):
		return &APIError{Code: ErrCodeUnsupportedFileType, Message: "Unsupported file type", Category: "validation"}
	case errors.Is(err, ErrUploadInterrupted):
		return &APIError{Code: ErrCodeUploadInterrupted, Message: "Upload was interrupted", Category: "validation"}
	case errors.Is(err, ErrInferenceUnavailable):
		return &APIError{Code: ErrCodeInferenceUnavailable, Message: "Prediction failed", Category: "inference"}
	case errors.Is(err, ErrInferenceService):
		return &APIError{Code: ErrCodeInferenceFailed, Message: "Prediction failed", Category: "inference"}
	case errors.Is(err, ErrObjectStore):
		return &APIError{Code: ErrCodeObjectStoreFailed, Message: "Image upload failed", Category: "storage"}
	case errors.Is(err, ErrUserNotFound):
		return &APIError{Code: ErrCodeUserNotFound, Message: "User not found", Category: "auth"}
	case errors.Is(err, ErrRecordSave):
		return &APIError{Code: ErrCodeRecordSaveFailed, Message: "Saving result failed", Category: "storage"}
	default:
		return &APIError{Code: ErrCodeInternal, Message: "Internal server error", Category: "system"}
	}
}
