package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/devicegate/internal/middleware"
)

// healthCheckTimeout はヘルスチェック時のDB疎通確認のタイムアウト。
const healthCheckTimeout = 2 * time.Second

// HealthChecker はデータストアの疎通確認インターフェース。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// NewHealthHandler はヘルスチェックエンドポイントのハンドラーを返す。
// GET /health
func NewHealthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			defer cancel()

			if err := checker.PingContext(ctx); err != nil {
				slog.Warn("health check failed", slog.String("error", err.Error()))
				middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "unavailable",
				})
				return
			}
		}

		middleware.WriteJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
		})
	}
}
