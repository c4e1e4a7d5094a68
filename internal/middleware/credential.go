// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/crispcolon/internal/auth"
	"github.com/hitoshi/crispcolon/internal/model"
)

// tokenCookieName は既存のWebクライアントが資格情報を格納するCookie名。
const tokenCookieName = "token"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// identityContextKey はリクエストコンテキストに検証済みIdentityを格納するためのキー。
var identityContextKey = contextKey("identity")

// NewCredentialGuard は資格情報を検証し、Identityをリクエストコンテキストに注入する
// ミドルウェアを返す。
// Authorization: Bearer ヘッダーを優先し、無ければ"token" Cookieを参照する。
// 資格情報が無い場合はUNAUTHENTICATED、形式不正や検証失敗はINVALID_CREDENTIALの401を返し、
// 後続のハンドラーは呼ばれない。
func NewCredentialGuard(verifier auth.Verifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := credentialFromRequest(r)
			if err != nil {
				slog.WarnContext(r.Context(), "credential rejected",
					slog.String("path", r.URL.Path),
					slog.String("request_id", RequestIDFromContext(r.Context())),
					slog.String("error", err.Error()),
				)
				WriteErrorResponse(w, http.StatusUnauthorized,
					model.NewAPIError(errors.Join(model.ErrInvalidCredential, err)))
				return
			}
			if token == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewAPIError(model.ErrUnauthenticated))
				return
			}

			identity, err := verifier.Verify(r.Context(), token)
			if err != nil {
				if !errors.Is(err, model.ErrUnauthenticated) {
					err = errors.Join(model.ErrInvalidCredential, err)
				}
				slog.WarnContext(r.Context(), "credential rejected",
					slog.String("path", r.URL.Path),
					slog.String("request_id", RequestIDFromContext(r.Context())),
					slog.String("error", err.Error()),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewAPIError(err))
				return
			}

			annotateRequestLog(r.Context(), identity.UserID)
			next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
		})
	}
}

// errMalformedAuthorization はAuthorizationヘッダーがBearer形式でないことを示す。
var errMalformedAuthorization = errors.New("authorization header is not a bearer token")

// credentialFromRequest はリクエストから資格情報を取り出す。
// Authorizationヘッダーがあればそれだけを見る。Bearer以外の形式やトークンが空の場合は
// errMalformedAuthorizationを返し、Cookieにはフォールバックしない。
func credentialFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, _ := strings.Cut(strings.TrimSpace(h), " ")
		token = strings.TrimSpace(token)
		if !strings.EqualFold(scheme, "Bearer") || token == "" {
			return "", errMalformedAuthorization
		}
		return token, nil
	}
	if c, err := r.Cookie(tokenCookieName); err == nil {
		return c.Value, nil
	}
	return "", nil
}

// IdentityFromContext はリクエストコンテキストからIdentityを取得する。
// CredentialGuardを通過したリクエストでのみokがtrueになる。
func IdentityFromContext(ctx context.Context) (*model.Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(*model.Identity)
	if !ok || identity == nil || identity.UserID == "" {
		return nil, false
	}
	return identity, true
}

// MustIdentity はリクエストコンテキストからIdentityを取得する。
// CredentialGuardを経由しないルートで呼ばれた場合はプログラミングエラーとしてpanicする。
func MustIdentity(ctx context.Context) *model.Identity {
	identity, ok := IdentityFromContext(ctx)
	if !ok {
		panic("middleware: identity not found in context; route is not behind CredentialGuard")
	}
	return identity
}

// ContextWithIdentity はコンテキストにIdentityを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithIdentity(ctx context.Context, identity *model.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}
