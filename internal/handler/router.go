package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/ohq/internal/middleware"
	"github.com/hitoshi/ohq/internal/realtime"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SessionFinder     middleware.SessionFinder
	PrincipalResolver middleware.PrincipalResolver
	RateLimiter       *middleware.RateLimiter
	CSRFConfig        middleware.CSRFConfig
	CORSAllowedOrigin string
	AccessLog         func(next http.Handler) http.Handler
	Recovery          func(next http.Handler) http.Handler

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// キューと管理API
	QueueService QueueServiceInterface

	// WebSocket（nilの場合は登録しない）
	Realtime *realtime.Handler

	// 運用
	Health  http.Handler
	Metrics http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	AccessLog → Recovery → SecurityHeaders → CORS → Session → Principal → RateLimit(General) → CSRF
//
// 認証ルート（/auth/*）、WebSocket、運用エンドポイントはセッションミドルウェアの外に置く。
// WebSocketはハンドシェイク後に自分で認証し、失敗を{error}フレームで返す。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	if deps.AccessLog != nil {
		r.Use(deps.AccessLog)
	}
	if deps.Recovery != nil {
		r.Use(deps.Recovery)
	}
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	queueHandler := NewQueueHandler(deps.QueueService)

	// --- 認証不要のルート ---

	r.Route("/auth", func(r chi.Router) {
		r.Get("/google/login", authHandler.Login)
		r.Get("/google/callback", authHandler.Callback)
		r.Post("/logout", authHandler.Logout)
		r.Get("/me", authHandler.Me)
	})
	r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig).ServeHTTP)

	if deps.Health != nil {
		r.Method(http.MethodGet, "/health", deps.Health)
	}
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	if deps.Realtime != nil {
		deps.Realtime.Routes(r)
	}

	// --- 認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
		r.Use(middleware.NewPrincipalMiddleware(deps.PrincipalResolver))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

		adminWrite := deps.RateLimiter.AdminWriteMiddleware()

		r.Route("/api/queues", func(r chi.Router) {
			r.With(adminWrite).Post("/", queueHandler.CreateQueue)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", queueHandler.GetQueue)
				r.With(adminWrite).Patch("/", queueHandler.UpdateQueue)
				r.With(adminWrite).Delete("/", queueHandler.DeleteQueue)

				r.Get("/members", queueHandler.Members)
				r.With(adminWrite).Post("/staff", queueHandler.ManageStaff)
				r.With(adminWrite).Post("/students", queueHandler.ManageStudents)
				r.Get("/accounts/search", queueHandler.SearchStaffCandidates)
			})
		})

		r.Route("/api/admins", func(r chi.Router) {
			r.Get("/", queueHandler.ListAdmins)
			r.With(adminWrite).Post("/", queueHandler.ManageAdmins)
		})
		r.Get("/api/accounts/search", queueHandler.SearchAdminCandidates)
	})

	return r
}
