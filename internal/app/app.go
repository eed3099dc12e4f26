package app

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/blogfront/internal/api"
	"github.com/hitoshi/blogfront/internal/config"
	"github.com/hitoshi/blogfront/internal/database"
	"github.com/hitoshi/blogfront/internal/handler"
	"github.com/hitoshi/blogfront/internal/importer"
	"github.com/hitoshi/blogfront/internal/logger"
	"github.com/hitoshi/blogfront/internal/metrics"
	"github.com/hitoshi/blogfront/internal/middleware"
	"github.com/hitoshi/blogfront/internal/security"
	"github.com/hitoshi/blogfront/internal/session"
	"github.com/hitoshi/blogfront/internal/tokenstore"
	"github.com/hitoshi/blogfront/internal/view"
	"github.com/hitoshi/blogfront/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// .envがあれば読み込み、JSON構造化ログをセットアップしてから環境変数のConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. .envの読み込み（既存の環境変数が優先）
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}

	// 2. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

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
			port = "3000"
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
		slog.String("api_base_url", cfg.APIBaseURL),
		slog.String("token_store", cfg.TokenStoreDriver),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg, args[1:])
	case CommandImport:
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runImport(ctx, cfg, args[1:], os.Stdout)
	default:
		return runServe(cfg)
	}
}

// openTokenStorage は設定されたドライバのトークンストレージを開く。
// postgresの場合はDB接続を確立してから生成する。
func openTokenStorage(cfg *config.Config) (tokenstore.Storage, error) {
	var db *sql.DB
	if cfg.TokenStoreDriver == tokenstore.DriverPostgres {
		var err error
		db, err = database.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := database.Ping(context.Background(), db, 5*time.Second); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		slog.Info("database connection established",
			slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		)
	}

	storage, err := tokenstore.New(tokenStoreConfig(cfg), tokenstore.Dependencies{DB: db})
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, fmt.Errorf("failed to create token storage: %w", err)
	}
	if err := storage.Ping(context.Background()); err != nil {
		storage.Close()
		return nil, fmt.Errorf("token storage is unreachable: %w", err)
	}
	return storage, nil
}

func tokenStoreConfig(cfg *config.Config) tokenstore.Config {
	return tokenstore.Config{
		Driver:    cfg.TokenStoreDriver,
		Retention: cfg.TokenRetention,
		Redis: &tokenstore.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		},
	}
}

// newAPIClient はリモートAPIのクライアントを生成する。API_TIMEOUTが0の場合はタイムアウトなし。
func newAPIClient(cfg *config.Config, recorder api.Recorder) *api.Client {
	opts := []api.Option{
		api.WithHTTPClient(&http.Client{Timeout: cfg.APITimeout}),
		api.WithLogger(slog.Default()),
	}
	if recorder != nil {
		opts = append(opts, api.WithRecorder(recorder))
	}
	return api.NewClient(cfg.APIBaseURL, opts...)
}

// runServe はWebサーバーモードで起動する。
// トークンストレージを開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. トークンストレージ
	storage, err := openTokenStorage(cfg)
	if err != nil {
		return err
	}
	defer storage.Close()

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 3. リモートAPIクライアント
	client := newAPIClient(cfg, collector)

	// 4. プロファイルレジストリ
	registry := session.NewRegistry(api.NewAuthClient(client), storage, session.RegistryConfig{
		IdleTTL:       cfg.ProfileIdleTTL,
		ToastTTL:      cfg.ToastTTL,
		ToastRecorder: collector,
		Gauge:         collector,
		Logger:        slog.Default(),
	})
	defer registry.Close()

	// 5. 表示とセキュリティ
	sanitizer := security.NewContentSanitizer()
	renderer, err := view.NewRenderer(sanitizer, view.Config{
		UploadsBaseURL: cfg.UploadsBaseURL,
		ToastTTL:       cfg.ToastTTL,
		Logger:         slog.Default(),
	})
	if err != nil {
		return fmt.Errorf("failed to load templates: %w", err)
	}
	ssrfGuard := security.NewSSRFGuard(cfg.ProxyTimeout, cfg.UploadsBaseURL, cfg.APIBaseURL)

	// 6. ルーターの構築
	// configのレート制限はreq/min単位
	rateLimiter := middleware.NewRateLimiter(middleware.PerMinuteConfig(cfg.RateLimitGeneral, cfg.RateLimitProxy))
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Logger: slog.Default(),
		Profile: middleware.ProfileConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
			MaxAge:       cfg.ProfileMaxAge,
		},
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,

		Registry: registry,
		Blogs:    api.NewBlogClient(client),
		Renderer: renderer,

		SSRFGuard:     ssrfGuard,
		ProxyMaxSize:  cfg.ProxyMaxSize,
		ProxyRecorder: collector,

		HealthChecker:  storage,
		MetricsHandler: metrics.Handler(reg),
	}

	router := handler.NewRouter(deps)

	// 7. バックグラウンドジョブ
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go registry.Run(ctx, 0)

	// メモリストレージはこのプロセスにしか存在しないため、クリーンアップもここで行う
	if cfg.TokenStoreDriver == tokenstore.DriverMemory {
		job := cleanup.NewCleanupJob(storage, collector, slog.Default())
		go job.Loop(ctx, cfg.CleanupInterval)
	}

	// 8. HTTPサーバーの起動
	// WriteTimeoutはプロキシの取得時間より長くする
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.ProxyTimeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("web server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-stop:
	case err, ok := <-serveErr:
		if ok {
			return fmt.Errorf("server listen error: %w", err)
		}
	}
	slog.Info("shutting down web server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("web server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 永続トークンストレージを開き、期限切れトークンのクリーンアップを定期実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	if cfg.TokenStoreDriver == tokenstore.DriverMemory {
		return fmt.Errorf("worker requires a persistent token store (postgres or redis), got %q", cfg.TokenStoreDriver)
	}

	storage, err := openTokenStorage(cfg)
	if err != nil {
		return err
	}
	defer storage.Close()

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	job := cleanup.NewCleanupJob(storage, collector, slog.Default())

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	go func() {
		select {
		case <-stop:
			slog.Info("shutting down worker...")
			cancel()
		case <-ctx.Done():
		}
	}()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Duration("token_retention", cfg.TokenRetention),
	)

	// クリーンアップをメインgoroutineで実行（ブロッキング）
	job.Loop(ctx, cfg.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// 引数なしの場合はすべての未適用マイグレーションを適用し、downの場合は1つ戻す。
func runMigrate(cfg *config.Config, args []string) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("migrate requires DATABASE_URL")
	}

	direction := "up"
	if len(args) > 0 {
		direction = args[0]
	}
	run := database.RunMigrations
	switch direction {
	case "up":
	case "down":
		run = database.RollbackMigration
	default:
		return fmt.Errorf("unknown migrate direction %q (want up or down)", direction)
	}

	slog.Info("running database migrations",
		slog.String("direction", direction),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := run(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
	)
	return nil
}

// runImport はフィードの記事をBLOG_API_TOKENのユーザーのブログとして取り込む。
// 使い方: import [-limit N] <feed-or-site-url>
func runImport(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	fs.SetOutput(out)
	limit := fs.Int("limit", importer.DefaultLimit, "maximum number of posts to create")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("invalid import arguments: %w", err)
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: blogfront import [-limit N] <feed-or-site-url>")
	}
	feedURL := fs.Arg(0)
	if cfg.BlogAPIToken == "" {
		return fmt.Errorf("import requires BLOG_API_TOKEN")
	}

	guard := security.NewSSRFGuard(cfg.ProxyTimeout)
	if err := guard.ValidateURL(feedURL); err != nil {
		return fmt.Errorf("invalid feed url: %w", err)
	}

	blogs := api.NewBlogClient(newAPIClient(cfg, nil)).WithTokens(api.StaticToken(cfg.BlogAPIToken))
	im := importer.New(guard, blogs, nil, slog.Default(), importer.Config{
		Limit:        *limit,
		MaxFeedBytes: cfg.ProxyMaxSize,
	})

	result, err := im.Import(ctx, feedURL)
	if result != nil {
		fmt.Fprintf(out, "imported %d posts from %q (skipped %d, failed %d)\n",
			len(result.Created), displayTitle(result.FeedTitle, feedURL), result.Skipped, result.Failed)
		for _, b := range result.Created {
			fmt.Fprintf(out, "  %s  %s\n", b.ID, b.Title)
		}
	}
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}
	return nil
}

func displayTitle(title, feedURL string) string {
	if title != "" {
		return title
	}
	if u, err := url.Parse(feedURL); err == nil && u.Host != "" {
		return u.Host
	}
	return feedURL
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	u.RawQuery = ""
	return u.String()
}
