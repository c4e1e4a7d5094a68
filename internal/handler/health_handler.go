package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// healthCheckTimeout は依存先1つあたりの確認タイムアウト。
const healthCheckTimeout = 3 * time.Second

// Pinger は依存先への到達確認インターフェース。*sql.DBやS3Storeが満たす。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingerFunc は関数をPingerとして扱うアダプタ。
type PingerFunc func(ctx context.Context) error

// PingContext はf(ctx)を呼ぶ。
func (f PingerFunc) PingContext(ctx context.Context) error { return f(ctx) }

// HealthHandler は依存先の疎通を確認するハンドラー。
type HealthHandler struct {
	checks map[string]Pinger
}

// NewHealthHandler はHealthHandlerを生成する。checksのキーはレスポンスに含める名前。
func NewHealthHandler(checks map[string]Pinger) *HealthHandler {
	return &HealthHandler{checks: checks}
}

// Health はすべての依存先に到達できれば200、いずれかに失敗すれば503を返す。
// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	results := make(map[string]string, len(h.checks))
	healthy := true

	for name, p := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := p.PingContext(ctx)
		cancel()
		if err != nil {
			healthy = false
			results[name] = "unavailable"
			slog.Warn("health check failed",
				slog.String("dependency", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		results[name] = "ok"
	}

	status := "ok"
	statusCode := http.StatusOK
	if !healthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]any{
		"status": status,
		"checks": results,
	})
}
