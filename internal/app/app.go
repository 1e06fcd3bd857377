package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/hitoshi/ohq/internal/auth"
	"github.com/hitoshi/ohq/internal/config"
	"github.com/hitoshi/ohq/internal/database"
	"github.com/hitoshi/ohq/internal/event"
	"github.com/hitoshi/ohq/internal/handler"
	"github.com/hitoshi/ohq/internal/logger"
	"github.com/hitoshi/ohq/internal/metrics"
	"github.com/hitoshi/ohq/internal/middleware"
	"github.com/hitoshi/ohq/internal/queue"
	"github.com/hitoshi/ohq/internal/realtime"
	"github.com/hitoshi/ohq/internal/repository"
	"github.com/hitoshi/ohq/internal/security"
	"github.com/hitoshi/ohq/internal/worker/cleanup"
)

const (
	dbPingTimeout   = 5 * time.Second
	shutdownTimeout = 30 * time.Second
)

// Init はアプリケーションの初期化を行う。
// .envと環境変数からConfigを読み込み、LOG_LEVELに従ってJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 設定読み込みの失敗もJSONで記録できるよう、先に既定レベルで初期化する
	logger.SetupDefault(w, slog.LevelInfo)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetupDefault(w, cfg.LogLevel)
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// newNotifier はChange Notifierを構築する。
// REDIS_URLが設定されていればRedis経由でプロセス間に中継し、なければローカルのBusへ直接配送する。
// 返すcloseはRedisクライアントを閉じる。
func newNotifier(ctx context.Context, cfg *config.Config, bus *event.Bus) (event.Notifier, func(), error) {
	if cfg.RedisURL == "" {
		return bus, func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	relay := event.NewRedisRelay(client, cfg.RedisChannel, uuid.NewString(), bus, slog.Default())
	go relay.Run(ctx)

	slog.Info("redis event relay enabled", slog.String("channel", cfg.RedisChannel))
	return relay, func() { client.Close() }, nil
}

// perMinute はreq/min単位の設定値をrate.Limitへ変換する。
func perMinute(n int) rate.Limit {
	return rate.Limit(float64(n) / 60.0)
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーとリアルタイムのスーパーバイザーを起動する。
// ctxがキャンセルされる（SIGINT/SIGTERM）と、HTTPサーバー、スーパーバイザーの順に停止する。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	identRepo := repository.NewPostgresIdentityRepo(db)
	accountRepo := repository.NewPostgresAccountRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	queueRepo := repository.NewPostgresQueueRepo(db)
	entryRepo := repository.NewPostgresEntryRepo(db)
	historyRepo := repository.NewPostgresHistoryRepo(db)

	// 3. イベント配送
	bus := event.NewBus()
	notifier, closeNotifier, err := newNotifier(ctx, cfg, bus)
	if err != nil {
		return err
	}
	defer closeNotifier()

	// 4. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	// 5. ドメインサービスの初期化
	queueService := queue.NewService(queueRepo, entryRepo, accountRepo, historyRepo, notifier, security.NewTextSanitizer())

	oauthProvider := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
	})
	authService := auth.NewService(
		oauthProvider, identRepo, accountRepo, sessionRepo, notifier,
		auth.ServiceConfig{SessionMaxAge: cfg.SessionMaxAge},
	)

	// 6. リアルタイム
	wsOpts := realtime.DefaultOptions()
	wsOpts.SendBuffer = cfg.WSSendBuffer
	wsOpts.MessageRate = rate.Limit(cfg.WSMessageRate)
	wsOpts.MessageBurst = cfg.WSMessageBurst
	wsOpts.PingInterval = cfg.WSPingInterval
	if wsOpts.PongWait <= wsOpts.PingInterval {
		wsOpts.PongWait = wsOpts.PingInterval * 10 / 9
	}

	supervisor := realtime.NewSupervisor(queueService, accountRepo, collector, wsOpts, slog.Default())
	supervisor.Start(context.WithoutCancel(ctx))
	bus.Subscribe(supervisor)

	// 7. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		GeneralRate:     perMinute(cfg.RateLimitGeneral),
		GeneralBurst:    cfg.RateLimitGeneral,
		AdminWriteRate:  perMinute(cfg.RateLimitAdmin),
		AdminWriteBurst: cfg.RateLimitAdmin,
		CleanupInterval: middleware.DefaultRateLimiterConfig().CleanupInterval,
	})
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		SessionFinder:     sessionRepo,
		PrincipalResolver: authService,
		RateLimiter:       rateLimiter,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		AccessLog:         middleware.NewLoggingMiddleware(slog.Default(), collector),
		Recovery:          middleware.NewRecoveryMiddleware(slog.Default()),

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:       cfg.BaseURL,
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},

		QueueService: queueService,
		Realtime:     realtime.NewHandler(supervisor, authService, middleware.SameOrigin(cfg.CORSAllowedOrigin), slog.Default()),

		Health:  handler.NewHealthHandler(db, supervisor),
		Metrics: metrics.Handler(registry),
	}

	// 8. HTTPサーバーの起動
	// WebSocketは長時間接続のためWriteTimeoutを設定しない（書き込み期限は接続ごとに管理する）
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           handler.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			shutdownSupervisor(supervisor)
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("realtime shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

func shutdownSupervisor(s *realtime.Supervisor) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		slog.Error("realtime shutdown failed", slog.String("error", err.Error()))
	}
}

// runWorker はワーカーモードで起動する。
// 期限切れセッションと古い閲覧履歴を定期的に削除し、ctxがキャンセルされると終了する。
// healthcheckサブコマンドとPrometheusから参照できるよう、/healthと/metricsのみを公開する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	job := cleanup.NewCleanupJob(
		repository.NewPostgresSessionRepo(db),
		repository.NewPostgresHistoryRepo(db),
		collector,
		slog.Default(),
	)
	job.RetentionDays = cfg.HistoryRetentionDays

	mux := http.NewServeMux()
	mux.Handle("GET /health", handler.NewHealthHandler(db, nil))
	mux.Handle("GET /metrics", metrics.Handler(registry))
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("worker status server error", slog.String("error", err.Error()))
		}
	}()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.SessionCleanupInterval),
		slog.Int("retention_days", cfg.HistoryRetentionDays),
	)

	job.Start(ctx, cfg.SessionCleanupInterval)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("worker status server shutdown failed", slog.String("error", err.Error()))
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
