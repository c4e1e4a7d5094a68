package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// RequestIDHeader はリクエストIDを受け渡すヘッダー名。
const RequestIDHeader = "X-Request-ID"

// maxInboundRequestIDLen は上流から引き継ぐリクエストIDの最大長。
const maxInboundRequestIDLen = 64

var requestLogKey = contextKey("request_log")

// requestLog は1リクエスト分のログ用情報。
// ロギングミドルウェアが生成し、内側のミドルウェアがユーザーIDを書き込む。
// 同一リクエストのゴルーチン内でのみ読み書きする。
type requestLog struct {
	id     string
	userID string
}

func requestLogFrom(ctx context.Context) *requestLog {
	rl, _ := ctx.Value(requestLogKey).(*requestLog)
	return rl
}

// annotateRequestLog はロギングミドルウェアにユーザーIDを伝える。
func annotateRequestLog(ctx context.Context, userID string) {
	if rl := requestLogFrom(ctx); rl != nil {
		rl.userID = userID
	}
}

// RequestIDFromContext はロギングミドルウェアが割り当てたリクエストIDを返す。
func RequestIDFromContext(ctx context.Context) string {
	if rl := requestLogFrom(ctx); rl != nil {
		return rl.id
	}
	return ""
}

// inboundRequestID は上流（ロードバランサー等）が付与したIDを検証して返す。
// 長すぎる値や制御文字を含む値はログ汚染を避けるため採用しない。
func inboundRequestID(r *http.Request) string {
	id := r.Header.Get(RequestIDHeader)
	if id == "" || len(id) > maxInboundRequestIDLen {
		return ""
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return ""
		}
	}
	return id
}

// responseRecorder はステータスコードと書き込みバイト数を記録する。
type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (rr *responseRecorder) WriteHeader(code int) {
	if rr.status == 0 {
		rr.status = code
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	n, err := rr.ResponseWriter.Write(b)
	rr.bytes += int64(n)
	return n, err
}

// Unwrap はhttp.ResponseControllerが読み取り期限の設定やFlushに使う。
func (rr *responseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

// NewLoggingMiddleware はリクエストIDを割り当て、完了時にJSON構造化ログを1行出力するミドルウェアを返す。
// ログにはrequest_id, method, path, status, duration_ms, request_bytes, response_bytes, user_idを含む。
// 5xxはError、4xxはWarnで出力する。
func NewLoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rl := &requestLog{id: inboundRequestID(r)}
			if rl.id == "" {
				rl.id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, rl.id)

			rec := &responseRecorder{ResponseWriter: w}
			r = r.WithContext(context.WithValue(r.Context(), requestLogKey, rl))

			next.ServeHTTP(rec, r)

			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}

			userID := rl.userID
			if identity, ok := IdentityFromContext(r.Context()); ok {
				userID = identity.UserID
			}

			attrs := []slog.Attr{
				slog.String("request_id", rl.id),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
				slog.Int64("request_bytes", r.ContentLength),
				slog.Int64("response_bytes", rec.bytes),
			}
			if userID != "" {
				attrs = append(attrs, slog.String("user_id", userID))
			}

			level := slog.LevelInfo
			switch {
			case status >= http.StatusInternalServerError:
				level = slog.LevelError
			case status >= http.StatusBadRequest:
				level = slog.LevelWarn
			}
			logger.LogAttrs(r.Context(), level, "http_request", attrs...)
		})
	}
}
