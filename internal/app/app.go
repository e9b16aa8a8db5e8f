// Package app はサブコマンドに応じて依存関係を組み立て、プロセスを起動する。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/devicegate/internal/auth"
	"github.com/hitoshi/devicegate/internal/config"
	"github.com/hitoshi/devicegate/internal/database"
	"github.com/hitoshi/devicegate/internal/entitlement"
	"github.com/hitoshi/devicegate/internal/handler"
	"github.com/hitoshi/devicegate/internal/lease"
	"github.com/hitoshi/devicegate/internal/logger"
	"github.com/hitoshi/devicegate/internal/metrics"
	"github.com/hitoshi/devicegate/internal/middleware"
	"github.com/hitoshi/devicegate/internal/repository"
	"github.com/hitoshi/devicegate/internal/worker/cleanup"
	"github.com/hitoshi/devicegate/internal/worker/reconcile"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再設定する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

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

	if cmd == CommandToken {
		return runToken(w, cfg, args[1:])
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// dbPoolConfig は設定からコネクションプールの設定を組み立てる。
func dbPoolConfig(cfg *config.Config) database.PoolConfig {
	return database.PoolConfig{
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	}
}

// leaseConfig は設定からリース管理の設定を組み立てる。
func leaseConfig(cfg *config.Config) lease.Config {
	return lease.Config{
		LivenessWindow: cfg.LivenessWindow,
		ThrottleWindow: cfg.HeartbeatThrottle,
	}
}

// tokenConfig は設定からBearerトークンの設定を組み立てる。
func tokenConfig(cfg *config.Config) auth.TokenConfig {
	tc := auth.DefaultTokenConfig(cfg.SessionSecret, cfg.TokenIssuer)
	tc.Expiry = cfg.TokenExpiry
	return tc
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Connect(context.Background(), cfg.DatabaseURL, dbPoolConfig(cfg))
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 3. リポジトリの初期化
	loginSessionRepo := repository.NewPostgresSessionRepo(db)
	deviceRepo := repository.NewPostgresDeviceSessionRepo(db)
	planRepo := repository.NewPostgresPlanRepo(db)
	subRepo := repository.NewPostgresSubscriptionRepo(db)

	// 4. ドメインサービスの初期化
	resolver := entitlement.NewResolver(subRepo, planRepo, collector)
	leaseService := lease.NewService(deviceRepo, resolver, collector, leaseConfig(cfg))
	authService := auth.NewService(loginSessionRepo, tokenConfig(cfg))

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitDeviceReg),
	)
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Authenticator:     authService,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter:    rateLimiter,
		Logger:         slog.Default(),
		StatusRecorder: collector,

		HealthChecker:  db,
		MetricsHandler: metrics.Handler(registry),

		DeviceService: handler.NewDeviceServiceAdapter(leaseService),
		PlanService:   handler.NewPlanServiceAdapter(planRepo),
	}

	router := handler.NewRouter(deps)

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serverErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、上限超過アカウントの是正ジョブと期限切れログインセッションの削除ジョブを実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Connect(context.Background(), cfg.DatabaseURL, dbPoolConfig(cfg))
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. リポジトリとサービスの初期化
	deviceRepo := repository.NewPostgresDeviceSessionRepo(db)
	planRepo := repository.NewPostgresPlanRepo(db)
	subRepo := repository.NewPostgresSubscriptionRepo(db)

	resolver := entitlement.NewResolver(subRepo, planRepo, metrics.NopCollector{})
	leaseService := lease.NewService(deviceRepo, resolver, metrics.NopCollector{}, leaseConfig(cfg))

	// 3. 是正ジョブの初期化
	job := reconcile.NewJob(deviceRepo, leaseService, slog.Default(), reconcile.Config{
		Interval:       cfg.ReconcileInterval,
		LivenessWindow: cfg.LivenessWindow,
		BatchSize:      cfg.ReconcileBatchSize,
	})

	cleanupJob := cleanup.NewCleanupJob(db, slog.Default())

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("reconcile_interval", cfg.ReconcileInterval),
		slog.Int("batch_size", cfg.ReconcileBatchSize),
	)

	// ログインセッションのクリーンアップを日次でバックグラウンド実行
	go cleanupJob.Start(ctx)

	// 是正ジョブをメインgoroutineで実行（ブロッキング）
	job.Start(ctx)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	result, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("from_version", uint64(result.From)),
		slog.Uint64("to_version", uint64(result.To)),
		slog.Bool("applied", result.Applied()),
	)
	return nil
}

// runToken はアカウントIDに対するBearerトークンを発行し、wに出力する。
// プレゼンスエージェントやネイティブクライアントの設定に使用する。
func runToken(w io.Writer, cfg *config.Config, args []string) error {
	if len(args) == 0 || args[0] == "" {
		return errors.New("usage: token <account_id>")
	}

	token, err := auth.CreateToken(args[0], tokenConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}

	_, err = fmt.Fprintln(w, token)
	return err
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
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
