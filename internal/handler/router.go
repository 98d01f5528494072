package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/arai-a/phabr/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// レビュー
	Reviews ReviewQuerier
	Feed    FeedRenderer

	// 設定
	Options OptionsService

	// 状態
	Status  StatusProvider
	Metrics http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Logging → Consumer → RateLimit
//
// /health と /metrics は要求元の識別とレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	reviewHandler := NewReviewHandler(deps.Reviews, deps.Feed, deps.Logger)
	optionsHandler := NewOptionsHandler(deps.Options, deps.Logger)
	statusHandler := NewStatusHandler(deps.Status)

	// --- 運用向けのルート ---
	r.Get("/health", statusHandler.Health)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	// --- APIルート ---
	// ミドルウェアスタック: Consumer → RateLimit
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NewConsumerMiddleware())
		r.Use(deps.RateLimiter.Middleware())

		r.Route("/reviews", func(r chi.Router) {
			r.Get("/", reviewHandler.List)
			r.Get("/badge", reviewHandler.Badge)
			r.Get("/feed", reviewHandler.Feed)
		})

		r.Route("/options", func(r chi.Router) {
			r.Get("/", optionsHandler.Get)
			r.Put("/token", optionsHandler.PutToken)
			r.Delete("/phid", optionsHandler.ClearPHID)
		})

		r.Get("/status", statusHandler.Status)
	})

	return r
}
