package handler

import (
	"log/slog"
	"net/http"
	"net/netip"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/photogate/internal/metrics"
	"github.com/hitoshi/photogate/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	TokenValidator    middleware.TokenValidator
	CORSAllowedOrigin string
	// X-Forwarded-For等を信頼する接続元。空ならヘッダーは常に無視する。
	TrustedProxies []netip.Prefix
	// nilの場合はレート制限を行わない。
	RateLimiter *middleware.RateLimiter
	Metrics     metrics.MetricsCollector
	Logger      *slog.Logger

	// 認証
	AuthService AuthServiceInterface

	// 写真
	PhotoService   PhotoServiceInterface
	UploadMaxBytes int64
	DeleteRoles    []string
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RealIP → RequestID → Metrics → Recovery → SecurityHeaders → CORS → AuthGuard → Logging
//
// AuthGuardはレスポンスを書かないため全ルートに適用し、
// アクセス可否はルートごとのRequireAuth/RequireRoleで判定する。
func NewRouter(deps *RouterDeps) http.Handler {
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.Nop{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRealIPMiddleware(deps.TrustedProxies))
	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewMetricsMiddleware(collector))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewAuthGuardMiddleware(deps.TokenValidator, logger))
	r.Use(middleware.NewLoggingMiddleware(logger))

	authHandler := NewAuthHandler(deps.AuthService)
	photoHandler := NewPhotoHandler(deps.PhotoService, deps.UploadMaxBytes)

	// --- 認証不要のルート ---

	r.Get("/health", Health)
	r.With(deps.RateLimiter.LoginMiddleware()).Post("/api/auth/login", authHandler.Login)

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: RequireAuth → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth)
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/api/auth/me", authHandler.Me)

		r.Route("/api/photos", func(r chi.Router) {
			r.Get("/", photoHandler.List)

			// POST /api/photos/upload - アップロード専用レート制限を追加
			r.With(deps.RateLimiter.UploadMiddleware()).Post("/upload", photoHandler.Upload)

			// DELETE /api/photos/{id} - 削除可能なロールのみ
			r.With(middleware.RequireRole(logger, deps.DeleteRoles...)).Delete("/{id}", photoHandler.Delete)
		})
	})

	return r
}
