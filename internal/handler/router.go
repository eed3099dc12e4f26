package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/blogfront/internal/api"
	"github.com/hitoshi/blogfront/internal/middleware"
	"github.com/hitoshi/blogfront/internal/security"
	"github.com/hitoshi/blogfront/internal/session"
	"github.com/hitoshi/blogfront/internal/view"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	Profile           middleware.ProfileConfig
	CSRF              middleware.CSRFConfig
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// 状態
	Registry *session.Registry

	// リモートAPI
	Blogs *api.BlogClient

	// 表示
	Renderer *view.Renderer

	// 画像プロキシ
	SSRFGuard     *security.SSRFGuard
	ProxyMaxSize  int64
	ProxyRecorder ProxyRecorder

	// 運用エンドポイント
	HealthChecker  HealthChecker
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → Logging → Profile → CSRF → RateLimit(General) → ProfileLoader
//
// /health、/metrics、/static/* はプロファイルを必要としないためチェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	// --- プロファイル不要のルート ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}
	r.Handle("/static/*", view.StaticHandler())

	authHandler := NewAuthHandler(deps.Renderer, logger)
	blogHandler := NewBlogHandler(deps.Blogs, deps.Renderer, logger)
	stateHandler := NewStateHandler()
	proxyHandler := NewProxyHandler(deps.SSRFGuard, deps.ProxyMaxSize, deps.ProxyRecorder, logger)
	loadProfile := NewProfileLoader(deps.Registry, logger)

	// --- プロファイル単位のルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewLoggingMiddleware(logger))
		r.Use(middleware.NewProfileMiddleware(deps.Profile))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

		// 画像プロキシは1ページで多数呼ばれるため専用のレート制限を使い、セッションも読み込まない
		r.With(deps.RateLimiter.ProxyMiddleware()).Get("/api/proxy", proxyHandler.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimiter.GeneralMiddleware())
			r.Use(loadProfile)

			r.Get("/", blogHandler.Home)
			r.Get("/blog/{id}", blogHandler.Show)

			r.Get("/login", authHandler.LoginForm)
			r.Post("/login", authHandler.Login)
			r.Get("/signup", authHandler.SignupForm)
			r.Post("/signup", authHandler.Signup)
			r.Post("/logout", authHandler.Logout)

			r.Route("/auth", func(r chi.Router) {
				r.Get("/google", authHandler.Google)
				r.Get("/success", authHandler.GoogleSuccess)
				r.Get("/error", authHandler.AuthError)
			})

			r.Post("/toasts/{id}/dismiss", stateHandler.DismissToast)

			r.Route("/api", func(r chi.Router) {
				r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
				r.Get("/session", stateHandler.Session)
				r.Get("/toasts", stateHandler.ListToasts)
			})

			// --- 認証が必要なルート ---
			r.Group(func(r chi.Router) {
				r.Use(RequireAuth)

				r.Get("/dashboard", blogHandler.Dashboard)
				r.Get("/my-blogs", blogHandler.MyBlogs)
				r.Get("/create", blogHandler.NewForm)
				r.Post("/create", blogHandler.Create)
				r.Get("/edit/{id}", blogHandler.EditForm)
				r.Post("/edit/{id}", blogHandler.Update)
				r.Post("/blog/{id}/delete", blogHandler.Delete)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		deps.Renderer.Render(w, http.StatusNotFound, view.PageNotFound, view.Page{
			Title: "Page not found",
			Data:  view.MessageData{Heading: "Page not found"},
		})
	})

	return r
}
