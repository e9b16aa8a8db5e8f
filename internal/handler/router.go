package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/devicegate/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Authenticator     middleware.Authenticator
	CORSAllowedOrigin string
	CSRFConfig        middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger
	StatusRecorder    middleware.StatusRecorder

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// 端末
	DeviceService DeviceServiceInterface

	// プラン
	PlanService PlanServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS
//	  → (認証が必要なルートのみ) Session → CSRF → RateLimit(General)
//
// 端末登録には登録専用のレート制限を追加で適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger, deps.StatusRecorder))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler()
	deviceHandler := NewDeviceHandler(deps.DeviceService)
	planHandler := NewPlanHandler(deps.PlanService)

	// --- 認証不要のルート ---

	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))
	r.Get("/api/plans", planHandler.ListPlans)

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → CSRF → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.Authenticator))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/auth/me", authHandler.Me)

		// 端末管理
		r.Route("/api/devices", func(r chi.Router) {
			r.Get("/", deviceHandler.ListDevices)
			r.Get("/usage", deviceHandler.Usage)

			// POST /api/devices/register - 端末登録（登録専用レート制限を追加）
			r.With(deps.RateLimiter.DeviceRegistrationMiddleware()).Post("/register", deviceHandler.Register)

			r.Post("/heartbeat", deviceHandler.Heartbeat)
			r.Post("/kick", deviceHandler.Kick)
			r.Delete("/{sessionID}", deviceHandler.DeleteSession)
		})
	})

	return r
}
