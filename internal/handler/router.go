package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/crispcolon/internal/auth"
	"github.com/hitoshi/crispcolon/internal/metrics"
	"github.com/hitoshi/crispcolon/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger             *slog.Logger
	Verifier           auth.Verifier
	CORSAllowedOrigins []string
	CSRFConfig         middleware.CSRFConfig
	RateLimiter        *middleware.RateLimiter

	// 画像アップロード
	Receiver          UploadReceiver
	AnalysisService   AnalysisServiceInterface
	UploadReadTimeout time.Duration

	// ユーザー情報
	ProfileService ProfileServiceInterface

	// 運用
	HealthChecks   map[string]Pinger
	Metrics        metrics.PipelineMetrics
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Logging → Recovery → SecurityHeaders → CORS → CredentialGuard → CSRF → RateLimit(General)
//
// /health、/metrics、/api/csrf-tokenは認証不要。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.CSRFConfig.CookieSecure))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigins))

	analysisHandler := NewAnalysisHandler(deps.Receiver, deps.AnalysisService, deps.Metrics, deps.UploadReadTimeout)
	profileHandler := NewProfileHandler(deps.ProfileService)
	healthHandler := NewHealthHandler(deps.HealthChecks)

	// --- 認証不要のルート ---
	r.Get("/health", healthHandler.Health)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: CredentialGuard → CSRF → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewCredentialGuard(deps.Verifier))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/check-auth", profileHandler.CheckAuth)
		r.Get("/profile", profileHandler.Profile)

		// アップロード系はアップロード専用レート制限を追加
		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimiter.UploadMiddleware())

			r.Post("/api/upload", analysisHandler.Upload)
			r.Put("/profile/update-picture", analysisHandler.UpdatePicture)
		})
	})

	return r
}
